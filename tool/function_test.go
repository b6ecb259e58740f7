package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() *Context {
	return NewContext(context.Background(), nil, nil)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", "desc", func(tc *Context, args map[string]any) (any, error) { return nil, nil })
	require.Error(t, err)

	_, err = New("noop", "desc", nil)
	require.Error(t, err)
}

func TestNewDefaultsEmptySchema(t *testing.T) {
	f := MustNew("noop", "does nothing", func(tc *Context, args map[string]any) (any, error) {
		return nil, nil
	})
	params := f.Parameters()
	assert.Equal(t, "object", params["type"])
	assert.NotNil(t, params["properties"])
}

func TestParametersFromStruct(t *testing.T) {
	type searchArgs struct {
		Query string `json:"query" jsonschema:"description=Search query"`
		Limit int    `json:"limit,omitempty"`
	}

	f := MustNew("search", "searches", func(tc *Context, args map[string]any) (any, error) {
		return nil, nil
	}, func(o *Options) {
		o.ParametersFrom = &searchArgs{}
	})

	params := f.Parameters()
	assert.Equal(t, "object", params["type"])

	properties, ok := params["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, properties, "query")
	assert.Contains(t, properties, "limit")
}

func TestExecuteValidationError(t *testing.T) {
	f := MustNew("greet", "greets", func(tc *Context, args map[string]any) (any, error) {
		return "hi " + args["name"].(string), nil
	}, func(o *Options) {
		o.Parameters = map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
			"required":   []string{"name"},
		}
	})

	_, err := f.Execute(newTestContext(), map[string]any{})
	require.Error(t, err)

	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
	assert.Equal(t, "greet", toolErr.Tool)
}

func TestExecuteWrapsHandlerError(t *testing.T) {
	f := MustNew("flaky", "fails", func(tc *Context, args map[string]any) (any, error) {
		return nil, fmt.Errorf("upstream unavailable")
	})

	_, err := f.Execute(newTestContext(), nil)
	require.Error(t, err)

	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
	assert.Contains(t, toolErr.Message, "upstream unavailable")
}

func TestExecutePreservesCustomToolError(t *testing.T) {
	custom := NewToolError("quota", "limit reached", "RATE_LIMITED")
	f := MustNew("quota", "rate limited", func(tc *Context, args map[string]any) (any, error) {
		return nil, custom
	})

	_, err := f.Execute(newTestContext(), nil)
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "RATE_LIMITED", toolErr.Code)
}

func TestExecuteBuiltinFails(t *testing.T) {
	f := NewBuiltin(map[string]any{"type": "web_search"})
	_, err := f.Execute(newTestContext(), nil)
	require.Error(t, err)
}

func TestExecuteCachesResults(t *testing.T) {
	calls := 0
	f := MustNew("counter", "counts calls", func(tc *Context, args map[string]any) (any, error) {
		calls++
		return calls, nil
	}, func(o *Options) {
		o.CacheResults = true
		o.CacheTTL = time.Minute
	})

	tc := newTestContext()

	first, err := f.Execute(tc, map[string]any{"key": "a"})
	require.NoError(t, err)
	second, err := f.Execute(tc, map[string]any{"key": "a"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	// Different arguments miss the cache.
	_, err = f.Execute(tc, map[string]any{"key": "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCloneSharesResultCache(t *testing.T) {
	calls := 0
	f := MustNew("cached", "memoized", func(tc *Context, args map[string]any) (any, error) {
		calls++
		return "result", nil
	}, func(o *Options) {
		o.CacheResults = true
	})

	tc := newTestContext()
	_, err := f.Execute(tc, map[string]any{"q": "x"})
	require.NoError(t, err)

	c := f.clone()
	_, err = c.Execute(tc, map[string]any{"q": "x"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestStateIsolation(t *testing.T) {
	initial := map[string]any{"seed": "value"}
	state := NewState(initial)

	state.Set("k", 1)
	_, ok := initial["k"]
	assert.False(t, ok)

	snap := state.Snapshot()
	snap["other"] = true
	_, ok = state.Get("other")
	assert.False(t, ok)
}
