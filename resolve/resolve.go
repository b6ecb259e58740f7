// Package resolve implements the callable-resource resolution protocol:
// tools, knowledge and team members may be configured either as static
// values or as factories computed at run time. Factories are invoked with a
// typed Context, their results cached per cache key on the owning entity,
// and the resolved values exposed through the run context.
package resolve

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/hupe1980/agentos/knowledge"
	"github.com/hupe1980/agentos/logging"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/tool"
)

// Context is the dependency-injection surface handed to every factory.
// Exactly one of Agent/Team is set, typed as the owning entity.
type Context struct {
	Agent        any
	Team         any
	RunContext   *run.Context
	SessionState map[string]any
}

// ToolsFunc computes an entity's tool list at run time. Returning nil is
// normalized to an empty list.
type ToolsFunc func(ctx context.Context, rc *Context) ([]tool.Entry, error)

// KnowledgeFunc computes an entity's knowledge capability at run time.
// Returning nil means "no knowledge for this run".
type KnowledgeFunc func(ctx context.Context, rc *Context) (knowledge.Knowledge, error)

// MembersFunc computes a team's member list at run time. Returning nil is
// normalized to an empty list.
type MembersFunc func(ctx context.Context, rc *Context) ([]run.Member, error)

// KeyFunc derives the cache key for factory results. When it returns "",
// resolution falls back to user id, then session id, then no caching.
type KeyFunc func(rc *Context) string

// Kind names one of the three resolvable resource kinds.
type Kind string

const (
	// KindTools is the tools cache.
	KindTools Kind = "tools"
	// KindKnowledge is the knowledge cache.
	KindKnowledge Kind = "knowledge"
	// KindMembers is the members cache.
	KindMembers Kind = "members"
)

// Sources bundles the factories configured on an entity. Nil fields mean the
// corresponding resource is static and the run context is left unset for it.
type Sources struct {
	Tools     ToolsFunc
	Knowledge KnowledgeFunc
	Members   MembersFunc
}

// Options configures NewResolver.
type Options struct {
	// CacheCallables toggles memoization of factory results (true by
	// default). When false every run re-invokes the factories.
	CacheCallables bool

	// KeyFunc overrides cache key derivation.
	KeyFunc KeyFunc

	// Logger receives teardown warnings.
	Logger logging.Logger
}

// Resolver owns the per-entity factory caches. Each Agent/Team instance
// carries exactly one Resolver; it may be shared by all concurrent runs of
// that instance.
//
// Concurrent first-resolution for the same cache key invokes the factory
// at least once, not exactly once: the invocation happens outside the lock
// so slow factories never serialize unrelated runs. Factories relying on
// exactly-once side effects must bring their own locking.
type Resolver struct {
	cacheCallables bool
	keyFn          KeyFunc
	logger         logging.Logger

	mu        sync.Mutex
	tools     map[string][]tool.Entry
	knowledge map[string]knowledge.Knowledge
	members   map[string][]run.Member
}

// NewResolver constructs a Resolver with caching enabled by default.
func NewResolver(optFns ...func(o *Options)) *Resolver {
	opts := Options{CacheCallables: true, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Resolver{
		cacheCallables: opts.CacheCallables,
		keyFn:          opts.KeyFunc,
		logger:         opts.Logger,
		tools:          make(map[string][]tool.Entry),
		knowledge:      make(map[string]knowledge.Knowledge),
		members:        make(map[string][]run.Member),
	}
}

// CacheKey derives the cache key for rc: configured key function first, then
// user id, then session id. An empty result disables caching for the call —
// the deliberate escape hatch for ephemeral contexts.
func (r *Resolver) CacheKey(rc *Context) string {
	if r.keyFn != nil {
		if key := r.keyFn(rc); key != "" {
			return key
		}
	}
	if rc.RunContext != nil {
		if rc.RunContext.UserID != "" {
			return rc.RunContext.UserID
		}
		if rc.RunContext.SessionID != "" {
			return rc.RunContext.SessionID
		}
	}
	return ""
}

// Apply resolves every factory in src and publishes the results on
// rc.RunContext. Static kinds (nil factories) leave the run context unset so
// callers fall back to the entity's static value. Factory errors are fatal
// and never retried; they abort the run before any model call.
func (r *Resolver) Apply(ctx context.Context, rc *Context, src Sources) error {
	key := r.CacheKey(rc)

	if src.Tools != nil {
		entries, err := r.resolveTools(ctx, rc, src.Tools, key)
		if err != nil {
			return fmt.Errorf("resolve tools: %w", err)
		}
		rc.RunContext.Tools = entries
	}

	if src.Knowledge != nil {
		k, err := r.resolveKnowledge(ctx, rc, src.Knowledge, key)
		if err != nil {
			return fmt.Errorf("resolve knowledge: %w", err)
		}
		rc.RunContext.Knowledge = k
	}

	if src.Members != nil {
		members, err := r.resolveMembers(ctx, rc, src.Members, key)
		if err != nil {
			return fmt.Errorf("resolve members: %w", err)
		}
		rc.RunContext.Members = members
	}

	return nil
}

func (r *Resolver) resolveTools(ctx context.Context, rc *Context, fn ToolsFunc, key string) ([]tool.Entry, error) {
	if key != "" && r.cacheCallables {
		r.mu.Lock()
		cached, ok := r.tools[key]
		r.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	entries, err := fn(ctx, rc)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []tool.Entry{}
	}

	if key != "" && r.cacheCallables {
		r.mu.Lock()
		r.tools[key] = entries
		r.mu.Unlock()
	}
	return entries, nil
}

func (r *Resolver) resolveKnowledge(ctx context.Context, rc *Context, fn KnowledgeFunc, key string) (knowledge.Knowledge, error) {
	if key != "" && r.cacheCallables {
		r.mu.Lock()
		cached, ok := r.knowledge[key]
		r.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	k, err := fn(ctx, rc)
	if err != nil {
		return nil, err
	}

	if key != "" && r.cacheCallables {
		r.mu.Lock()
		r.knowledge[key] = k
		r.mu.Unlock()
	}
	return k, nil
}

func (r *Resolver) resolveMembers(ctx context.Context, rc *Context, fn MembersFunc, key string) ([]run.Member, error) {
	if key != "" && r.cacheCallables {
		r.mu.Lock()
		cached, ok := r.members[key]
		r.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	members, err := fn(ctx, rc)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []run.Member{}
	}

	if key != "" && r.cacheCallables {
		r.mu.Lock()
		r.members[key] = members
		r.mu.Unlock()
	}
	return members, nil
}

// ClearCache drops cached factory results. An empty kind clears all three
// caches. With closeResources true every distinct cached object exposing a
// teardown capability has it invoked exactly once; context-aware teardown is
// preferred over plain io.Closer when both exist. Teardown failures are
// logged, never propagated.
func (r *Resolver) ClearCache(ctx context.Context, kind Kind, closeResources bool) {
	var evicted []any

	r.mu.Lock()
	if kind == "" || kind == KindTools {
		for _, entries := range r.tools {
			for _, e := range entries {
				evicted = append(evicted, e)
			}
		}
		r.tools = make(map[string][]tool.Entry)
	}
	if kind == "" || kind == KindKnowledge {
		for _, k := range r.knowledge {
			evicted = append(evicted, k)
		}
		r.knowledge = make(map[string]knowledge.Knowledge)
	}
	if kind == "" || kind == KindMembers {
		for _, members := range r.members {
			for _, m := range members {
				evicted = append(evicted, m)
			}
		}
		r.members = make(map[string][]run.Member)
	}
	r.mu.Unlock()

	if !closeResources {
		return
	}

	// The same object may be cached under multiple keys; de-duplicate by
	// identity so teardown runs once per object.
	seen := make(map[uintptr]bool)
	for _, v := range evicted {
		if v == nil {
			continue
		}
		if key, ok := identityKey(v); ok {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		r.closeResource(ctx, v)
	}
}

// closeResource invokes the best available teardown on v.
func (r *Resolver) closeResource(ctx context.Context, v any) {
	switch c := v.(type) {
	case interface{ Close(context.Context) error }:
		if err := c.Close(ctx); err != nil {
			r.logger.Warn("resolve.cache.close_failed", "type", fmt.Sprintf("%T", v), "error", err.Error())
		}
	case io.Closer:
		if err := c.Close(); err != nil {
			r.logger.Warn("resolve.cache.close_failed", "type", fmt.Sprintf("%T", v), "error", err.Error())
		}
	}
}

// identityKey returns a comparable identity for reference-like values.
func identityKey(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Chan, reflect.Map, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		return rv.Pointer(), true
	default:
		return 0, false
	}
}
