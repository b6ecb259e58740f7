// Package model defines the minimal model-provider contract the run state
// machine depends on: send messages, get back content / tool calls / usage.
// Provider adapters live in subpackages (openai, anthropic).
package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentos/run"
)

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object (minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict,omitempty"`
}

// Request captures the normalized model input produced by the run loop.
type Request struct {
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []run.Message    `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`

	// Builtins are opaque provider-native tool definitions passed through
	// unmodified; adapters that do not understand an entry skip it.
	Builtins []map[string]any `json:"builtins,omitempty"`

	// OutputSchema requests structured output conforming to the schema.
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	Stream bool `json:"stream,omitempty"`
}

// Usage reports provider token consumption for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string         `json:"id,omitempty"`
	Partial      bool           `json:"partial"`
	Content      string         `json:"content,omitempty"`
	ToolCalls    []run.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls"
	Usage        *Usage         `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	ID                        string `json:"id"`
	Provider                  string `json:"provider"`
	SupportsTools             bool   `json:"supports_tools"`
	SupportsStructuredOutputs bool   `json:"supports_structured_outputs"`
}

// Model is the interface required by the run state machine to drive
// generation. Generate returns a response channel (closed after the final
// response) and an error channel carrying at most one terminal error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockTurn scripts one Generate call of a MockModel.
type MockTurn struct {
	Content   string
	ToolCalls []run.ToolCall
	Usage     *Usage
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Turns enqueued via EnqueueTurn are consumed in order, one per Generate
// call; with no scripted turn left it echoes the last user message.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	turns     []MockTurn
	responses map[string]string
	calls     int
}

// MockOptions configures NewMockModel.
type MockOptions struct {
	ID                        string
	Provider                  string
	SupportsStructuredOutputs bool
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(optFns ...func(o *MockOptions)) *MockModel {
	opts := MockOptions{ID: "mock-1", Provider: "mock"}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &MockModel{
		info: Info{
			ID:                        opts.ID,
			Provider:                  opts.Provider,
			SupportsTools:             true,
			SupportsStructuredOutputs: opts.SupportsStructuredOutputs,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// EnqueueTurn scripts the next Generate call(s) in FIFO order.
func (m *MockModel) EnqueueTurn(turns ...MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Calls reports how many times Generate ran.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.calls++
	var turn *MockTurn
	if len(m.turns) > 0 {
		t := m.turns[0]
		m.turns = m.turns[1:]
		turn = &t
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if turn == nil {
			t, err := m.defaultTurn(req)
			if err != nil {
				errCh <- err
				return
			}
			turn = t
		}

		usage := turn.Usage
		if usage == nil {
			usage = &Usage{
				InputTokens:  approxTokens(lastUserMessage(req)) + approxTokens(req.SystemPrompt),
				OutputTokens: approxTokens(turn.Content) + len(turn.ToolCalls),
			}
		}

		if req.Stream && turn.Content != "" && len(turn.ToolCalls) == 0 {
			for _, word := range strings.SplitAfter(turn.Content, " ") {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Content: word}:
				}
			}
		}

		finish := "stop"
		if len(turn.ToolCalls) > 0 {
			finish = "tool_calls"
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{
			Content:      turn.Content,
			ToolCalls:    turn.ToolCalls,
			FinishReason: finish,
			Usage:        usage,
		}:
		}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

func (m *MockModel) defaultTurn(req Request) (*MockTurn, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	input := lastUserMessage(req)

	m.mu.Lock()
	canned := m.responses[input]
	m.mu.Unlock()

	if canned == "" {
		canned = fmt.Sprintf("Mock response to: %s", input)
	}
	return &MockTurn{Content: canned}, nil
}

func lastUserMessage(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	if len(req.Messages) > 0 {
		return req.Messages[len(req.Messages)-1].Content
	}
	return ""
}

// approxTokens gives a deterministic, non-zero-for-non-empty token estimate.
func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Fields(s)) + 1
}
