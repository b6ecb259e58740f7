package resolve

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentos/knowledge"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/tool"
)

func newRCContext(sessionID, userID string) *Context {
	rc := run.NewContext(sessionID, userID)
	return &Context{RunContext: rc, SessionState: rc.SessionState}
}

func TestCacheKeyFallback(t *testing.T) {
	tests := []struct {
		name string
		r    *Resolver
		rc   *Context
		want string
	}{
		{"key func wins", NewResolver(func(o *Options) {
			o.KeyFunc = func(rc *Context) string { return "custom" }
		}), newRCContext("sess", "user"), "custom"},
		{"empty key func falls back to user", NewResolver(func(o *Options) {
			o.KeyFunc = func(rc *Context) string { return "" }
		}), newRCContext("sess", "user"), "user"},
		{"user id", NewResolver(), newRCContext("sess", "user"), "user"},
		{"session id", NewResolver(), newRCContext("sess", ""), "sess"},
		{"no key", NewResolver(), &Context{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.CacheKey(tt.rc))
		})
	}
}

func TestApplyCachesFactoryResults(t *testing.T) {
	calls := 0
	src := Sources{
		Tools: func(ctx context.Context, rc *Context) ([]tool.Entry, error) {
			calls++
			return []tool.Entry{map[string]any{"name": "builtin"}}, nil
		},
	}

	r := NewResolver()

	for range 3 {
		rc := newRCContext("sess", "user-1")
		require.NoError(t, r.Apply(context.Background(), rc, src))
		assert.Len(t, rc.RunContext.Tools, 1)
	}
	assert.Equal(t, 1, calls)

	// A different key re-invokes the factory.
	rc := newRCContext("sess", "user-2")
	require.NoError(t, r.Apply(context.Background(), rc, src))
	assert.Equal(t, 2, calls)
}

func TestApplyNoCacheWithoutKey(t *testing.T) {
	calls := 0
	src := Sources{
		Tools: func(ctx context.Context, rc *Context) ([]tool.Entry, error) {
			calls++
			return nil, nil
		},
	}

	r := NewResolver()

	// No user and no session id: the cache key is empty and caching is
	// bypassed entirely.
	rc := &Context{RunContext: &run.Context{SessionState: map[string]any{}}}
	require.Equal(t, "", r.CacheKey(rc))

	for range 3 {
		require.NoError(t, r.Apply(context.Background(), rc, src))
		// nil factory result is normalized to an empty list.
		assert.NotNil(t, rc.RunContext.Tools)
		assert.Empty(t, rc.RunContext.Tools)
	}
	assert.Equal(t, 3, calls)
}

func TestApplyCachingDisabled(t *testing.T) {
	calls := 0
	src := Sources{
		Members: func(ctx context.Context, rc *Context) ([]run.Member, error) {
			calls++
			return nil, nil
		},
	}

	r := NewResolver(func(o *Options) {
		o.CacheCallables = false
	})

	for range 2 {
		rc := newRCContext("sess", "user")
		require.NoError(t, r.Apply(context.Background(), rc, src))
	}
	assert.Equal(t, 2, calls)
}

func TestApplyFactoryErrorIsFatal(t *testing.T) {
	src := Sources{
		Knowledge: func(ctx context.Context, rc *Context) (knowledge.Knowledge, error) {
			return nil, fmt.Errorf("db unreachable")
		},
	}

	r := NewResolver()
	err := r.Apply(context.Background(), newRCContext("sess", "user"), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve knowledge")
}

func TestApplyStaticKindsLeaveRunContextUnset(t *testing.T) {
	r := NewResolver()
	rc := newRCContext("sess", "user")

	require.NoError(t, r.Apply(context.Background(), rc, Sources{}))
	assert.Nil(t, rc.RunContext.Tools)
	assert.Nil(t, rc.RunContext.Knowledge)
	assert.Nil(t, rc.RunContext.Members)
}

// closeCounter counts teardown invocations through both supported interfaces.
type closeCounter struct {
	plain int
	ctx   int
}

type plainCloser struct{ c *closeCounter }

func (p *plainCloser) Close() error {
	p.c.plain++
	return nil
}

type ctxCloser struct{ c *closeCounter }

func (p *ctxCloser) Close(ctx context.Context) error {
	p.c.ctx++
	return nil
}

var _ io.Closer = (*plainCloser)(nil)

func TestClearCacheClosesResourcesOnce(t *testing.T) {
	counter := &closeCounter{}
	shared := &plainCloser{c: counter}
	withCtx := &ctxCloser{c: counter}

	calls := 0
	src := Sources{
		Tools: func(ctx context.Context, rc *Context) ([]tool.Entry, error) {
			calls++
			return []tool.Entry{shared, withCtx}, nil
		},
	}

	r := NewResolver()
	// Cache the same objects under two keys.
	require.NoError(t, r.Apply(context.Background(), newRCContext("", "alice"), src))
	require.NoError(t, r.Apply(context.Background(), newRCContext("", "bob"), src))
	require.Equal(t, 2, calls)

	r.ClearCache(context.Background(), KindTools, true)

	assert.Equal(t, 1, counter.plain, "identity-deduped teardown must close once")
	assert.Equal(t, 1, counter.ctx)

	// The cache is actually empty afterwards.
	require.NoError(t, r.Apply(context.Background(), newRCContext("", "alice"), src))
	assert.Equal(t, 3, calls)
}

func TestClearCacheWithoutClose(t *testing.T) {
	counter := &closeCounter{}
	src := Sources{
		Tools: func(ctx context.Context, rc *Context) ([]tool.Entry, error) {
			return []tool.Entry{&plainCloser{c: counter}}, nil
		},
	}

	r := NewResolver()
	require.NoError(t, r.Apply(context.Background(), newRCContext("", "alice"), src))

	r.ClearCache(context.Background(), "", false)
	assert.Equal(t, 0, counter.plain)
}
