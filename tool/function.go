package tool

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentos/internal/schema"
)

// Handler is the implementation signature of an assembled function.
type Handler func(tc *Context, args map[string]any) (any, error)

// Function is the uniform callable unit presented to the model after
// assembly: a named handler plus per-call metadata (confirmation required,
// stop-after-call, result caching, strict schema mode).
//
// A Function has no internal mutable state after construction apart from its
// optional result cache and is safe for concurrent use.
type Function struct {
	name        string
	description string
	parameters  map[string]any
	handler     Handler

	requiresConfirmation bool
	requiresUserInput    bool
	externalExecution    bool
	stopAfterCall        bool
	requiresMedia        bool

	strict         bool
	strictDisabled bool

	cacheResults bool
	cacheTTL     time.Duration
	cache        *resultCache

	builtin map[string]any
}

type cachedResult struct {
	value   any
	expires time.Time
}

// resultCache is shared between a configured Function and its run-scoped
// clones, so memoized results survive across runs.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cachedResult
}

func (c *resultCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (c *resultCache) put(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedResult{value: value, expires: time.Now().Add(ttl)}
}

// Options configures New.
type Options struct {
	// Parameters is a JSON schema for the accepted arguments. Mutually
	// exclusive with ParametersFrom.
	Parameters map[string]any

	// ParametersFrom derives the schema from a struct via reflection.
	ParametersFrom any

	// RequiresConfirmation pauses the run before the handler executes until
	// the caller confirms the call.
	RequiresConfirmation bool

	// RequiresUserInput pauses the run until the caller supplies input.
	RequiresUserInput bool

	// ExternalExecution marks the function as executed outside the
	// framework; the caller reports the result via continuation.
	ExternalExecution bool

	// StopAfterCall ends the run loop after this function returns, using
	// its result as the final content.
	StopAfterCall bool

	// RequiresMedia requests the run's joint media context.
	RequiresMedia bool

	// StrictDisabled opts the function out of strict structured-output
	// marking even when the model supports it.
	StrictDisabled bool

	// CacheResults memoizes handler results per argument set.
	CacheResults bool

	// CacheTTL bounds cached result lifetime (1 hour default).
	CacheTTL time.Duration
}

// New constructs a Function from a name, description and handler.
func New(name, description string, handler Handler, optFns ...func(o *Options)) (*Function, error) {
	opts := Options{CacheTTL: time.Hour}
	for _, fn := range optFns {
		fn(&opts)
	}

	if name == "" {
		return nil, fmt.Errorf("function name must not be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("function %s: handler must not be nil", name)
	}

	parameters := opts.Parameters
	if parameters == nil && opts.ParametersFrom != nil {
		derived, err := schema.FromStruct(opts.ParametersFrom)
		if err != nil {
			return nil, fmt.Errorf("function %s: derive parameter schema: %w", name, err)
		}
		parameters = derived
	}
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	f := &Function{
		name:                 name,
		description:          description,
		parameters:           parameters,
		handler:              handler,
		requiresConfirmation: opts.RequiresConfirmation,
		requiresUserInput:    opts.RequiresUserInput,
		externalExecution:    opts.ExternalExecution,
		stopAfterCall:        opts.StopAfterCall,
		requiresMedia:        opts.RequiresMedia,
		strictDisabled:       opts.StrictDisabled,
		cacheResults:         opts.CacheResults,
		cacheTTL:             opts.CacheTTL,
	}
	if f.cacheResults {
		f.cache = &resultCache{entries: make(map[string]cachedResult)}
	}
	return f, nil
}

// MustNew is New that panics on construction errors; for static tool tables.
func MustNew(name, description string, handler Handler, optFns ...func(o *Options)) *Function {
	f, err := New(name, description, handler, optFns...)
	if err != nil {
		panic(err)
	}
	return f
}

// NewBuiltin wraps an opaque provider-native tool definition. The model
// provider executes it; the framework only passes the definition through.
func NewBuiltin(def map[string]any) *Function {
	name, _ := def["name"].(string)
	if name == "" {
		if t, ok := def["type"].(string); ok {
			name = t
		}
	}
	return &Function{name: name, builtin: def}
}

// Name returns the unique function name used in call declarations and routing.
func (f *Function) Name() string { return f.name }

// Description returns the description exposed to models.
func (f *Function) Description() string { return f.description }

// Parameters returns the JSON schema describing expected arguments.
func (f *Function) Parameters() map[string]any { return f.parameters }

// RequiresConfirmation reports whether the run must pause for caller
// confirmation before executing this function.
func (f *Function) RequiresConfirmation() bool { return f.requiresConfirmation }

// RequiresUserInput reports whether the run must pause for caller input.
func (f *Function) RequiresUserInput() bool { return f.requiresUserInput }

// ExternalExecution reports whether the caller executes this function out of
// band.
func (f *Function) ExternalExecution() bool { return f.externalExecution }

// StopAfterCall reports whether the run loop ends after this function.
func (f *Function) StopAfterCall() bool { return f.stopAfterCall }

// RequiresMedia reports whether the function wants the run's media context.
func (f *Function) RequiresMedia() bool { return f.requiresMedia }

// Strict reports whether the function was marked for strict structured
// output mode during assembly.
func (f *Function) Strict() bool { return f.strict }

// IsBuiltin reports whether this is an opaque provider-native tool.
func (f *Function) IsBuiltin() bool { return f.builtin != nil }

// Builtin returns the raw provider-native definition, nil otherwise.
func (f *Function) Builtin() map[string]any { return f.builtin }

// Execute validates args against the declared schema and invokes the
// handler. Failures are wrapped as *ToolError with consistent codes:
//
//	validation failure -> VALIDATION_ERROR
//	handler error      -> EXECUTION_ERROR
//	(custom codes preserved if the handler returns *ToolError directly)
func (f *Function) Execute(tc *Context, args map[string]any) (any, error) {
	if f.IsBuiltin() {
		return nil, NewToolError(f.name, "builtin tools are executed by the model provider", "EXECUTION_ERROR")
	}

	logger := tc.Logger()
	start := time.Now()

	logger.Debug("tool.call.start", "tool", f.name, "call_id", tc.CallID)

	if err := schema.Validate(args, f.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", f.name, "error", err.Error())
		return nil, &ToolError{
			Tool:    f.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    "VALIDATION_ERROR",
			Details: err,
		}
	}

	if f.cacheResults {
		if v, ok := f.cachedFor(args); ok {
			logger.Debug("tool.call.cache_hit", "tool", f.name)
			return v, nil
		}
	}

	result, err := f.handler(tc, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			logger.Error("tool.call.error", "tool", f.name, "error", toolErr.Message)
			return nil, toolErr
		}
		logger.Error("tool.call.error", "tool", f.name, "error", err.Error())
		return nil, &ToolError{Tool: f.name, Message: err.Error(), Code: "EXECUTION_ERROR"}
	}

	if f.cacheResults {
		f.storeCached(args, result)
	}

	logger.Info("tool.call.success", "tool", f.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}

func (f *Function) cacheKey(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (f *Function) cachedFor(args map[string]any) (any, bool) {
	key := f.cacheKey(args)
	if key == "" {
		return nil, false
	}
	return f.cache.get(key)
}

func (f *Function) storeCached(args map[string]any, value any) {
	key := f.cacheKey(args)
	if key == "" {
		return
	}
	f.cache.put(key, value, f.cacheTTL)
}

// clone returns a run-scoped copy so strict marking never mutates the shared
// configured instance. The result cache is shared deliberately.
func (f *Function) clone() *Function {
	c := &Function{
		name:                 f.name,
		description:          f.description,
		parameters:           f.parameters,
		handler:              f.handler,
		requiresConfirmation: f.requiresConfirmation,
		requiresUserInput:    f.requiresUserInput,
		externalExecution:    f.externalExecution,
		stopAfterCall:        f.stopAfterCall,
		requiresMedia:        f.requiresMedia,
		strict:               f.strict,
		strictDisabled:       f.strictDisabled,
		cacheResults:         f.cacheResults,
		cacheTTL:             f.cacheTTL,
		cache:                f.cache,
		builtin:              f.builtin,
	}
	return c
}
