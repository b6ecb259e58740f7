// Package tool implements the function-calling subsystem: the Tool and
// Toolkit contracts, the assembled Function unit presented to models, and the
// assembly step that turns an entity's heterogeneous tool configuration into
// a uniform function-call table.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentos/artifact"
	"github.com/hupe1980/agentos/logging"
)

// Tool defines a single named capability an agent can invoke.
//
// Implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Define a proper JSON schema for parameters
//   - Be safe for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description tells the model when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Execute runs the tool with validated arguments and a Context giving
	// access to session state and run metadata.
	Execute(tc *Context, args map[string]any) (any, error)
}

// Toolkit is a named bundle of tools. During assembly a toolkit expands into
// its constituent functions.
type Toolkit interface {
	// Name identifies the toolkit.
	Name() string

	// Tools returns the toolkit's constituent tools.
	Tools() []Tool
}

// Entry is one element of an entity's configured (or factory-resolved) tool
// list. The closed set of accepted dynamic types is:
//
//   - Tool        a single capability
//   - Toolkit     expanded into its constituent tools
//   - *Function   an already-assembled function
//   - map[string]any  an opaque provider-native builtin, passed through
//     unmodified for the model provider to execute
type Entry = any

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// Media is the joint media context of one run, collected once before tool
// execution when any assembled function declares a media requirement.
type Media struct {
	Images []artifact.Artifact
	Videos []artifact.Artifact
	Audios []artifact.Artifact
	Files  []artifact.Artifact
}

// State is the mutable session-state view shared by all tool calls of one
// run. It is safe for concurrent access since tool calls in one round may
// execute in parallel.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState seeds a state view from the run's session state snapshot.
func NewState(initial map[string]any) *State {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &State{values: values}
}

// Get returns the value and existence flag for a state key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a key/value pair.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Snapshot returns a copy of the current state map.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Context provides a constrained, auditable surface for tool implementations.
// One Context is created per tool invocation; the underlying State is shared
// across all invocations of the same run.
type Context struct {
	ctx context.Context

	RunID     string
	SessionID string
	UserID    string
	AgentID   string
	TeamID    string
	CallID    string

	State *State
	Media *Media

	logger logging.Logger
}

// NewContext constructs a tool context bound to one function call.
func NewContext(ctx context.Context, state *State, logger logging.Logger) *Context {
	if state == nil {
		state = NewState(nil)
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Context{ctx: ctx, State: state, logger: logger}
}

// Context returns the cancellation context of the invocation.
func (tc *Context) Context() context.Context { return tc.ctx }

// Logger returns the logger associated with the tool invocation.
func (tc *Context) Logger() logging.Logger { return tc.logger }

// GetState retrieves the session-state value for key.
func (tc *Context) GetState(key string) (any, bool) { return tc.State.Get(key) }

// SetState records a session-state mutation visible to subsequent tool calls
// in the same run and merged into the session on completion.
func (tc *Context) SetState(key string, value any) { tc.State.Set(key, value) }
