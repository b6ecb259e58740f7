package agent

import (
	"context"

	"github.com/hupe1980/agentos/run"
)

// HookContext is the surface handed to pre-run hooks. Hooks may inspect the
// input and mutate the run context (e.g. seed session state) before the first
// model call.
type HookContext struct {
	Input      string
	RunContext *run.Context
}

// Hook runs before the first model call of a run. A returned error aborts the
// run with an error event; no model call happens.
type Hook interface {
	// Name identifies the hook in the event stream.
	Name() string

	// Run executes the hook.
	Run(ctx context.Context, hc *HookContext) error
}

// HookFunc adapts a named function to the Hook interface.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, hc *HookContext) error
}

// NewHook constructs a HookFunc.
func NewHook(name string, fn func(ctx context.Context, hc *HookContext) error) *HookFunc {
	return &HookFunc{HookName: name, Fn: fn}
}

// Name implements Hook.
func (h *HookFunc) Name() string { return h.HookName }

// Run implements Hook.
func (h *HookFunc) Run(ctx context.Context, hc *HookContext) error { return h.Fn(ctx, hc) }
