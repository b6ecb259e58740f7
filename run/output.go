package run

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status enumerates the externally visible lifecycle states of a run.
type Status string

const (
	// StatusRunning marks a run that is actively iterating (model calls,
	// tool rounds, reasoning).
	StatusRunning Status = "RUNNING"
	// StatusPaused marks a run suspended for human-in-the-loop input. A
	// paused run keeps its resources addressable by RunID until continued
	// or abandoned.
	StatusPaused Status = "PAUSED"
	// StatusCompleted is terminal: the run produced final content.
	StatusCompleted Status = "COMPLETED"
	// StatusCancelled is terminal: the run was stopped via Cancel.
	StatusCancelled Status = "CANCELLED"
	// StatusError is terminal: the run surfaced an unrecovered error.
	StatusError Status = "ERROR"
)

// Terminal reports whether the status is one of the three terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// Message is one entry in a run's conversation transcript.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function invocation requested by the model. Arguments carry
// the raw JSON emitted by the provider.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolExecution records one invocation of one tool within a run, including
// the human-in-the-loop flags that can suspend the run before the tool body
// executes.
type ToolExecution struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	RequiresConfirmation      bool `json:"requires_confirmation,omitempty"`
	Confirmed                 bool `json:"confirmed,omitempty"`
	RequiresUserInput         bool `json:"requires_user_input,omitempty"`
	ExternalExecutionRequired bool `json:"external_execution_required,omitempty"`
	StopAfterCall             bool `json:"stop_after_call,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Pending reports whether this execution still needs caller input before the
// tool body may run.
func (t *ToolExecution) Pending() bool {
	if t.RequiresConfirmation && !t.Confirmed {
		return true
	}
	if t.ExternalExecutionRequired && t.Result == nil {
		return true
	}
	return t.RequiresUserInput && t.Result == nil
}

// RequirementKind categorizes a pending human-in-the-loop requirement.
type RequirementKind string

const (
	// RequirementConfirmation asks the caller to confirm tool executions.
	RequirementConfirmation RequirementKind = "confirmation"
	// RequirementUserInput asks the caller to supply input for a tool.
	RequirementUserInput RequirementKind = "user_input"
	// RequirementExternalExecution asks the caller to execute a tool out of
	// band and report its result.
	RequirementExternalExecution RequirementKind = "external_execution"
)

// Requirement is a pending human-in-the-loop need that suspended a run.
// For team runs MemberID/MemberRunID reference the nested member run that
// paused; continuation routes the updated tool data back to exactly that run.
type Requirement struct {
	Kind        RequirementKind  `json:"kind"`
	Tools       []*ToolExecution `json:"tools,omitempty"`
	MemberID    string           `json:"member_id,omitempty"`
	MemberRunID string           `json:"member_run_id,omitempty"`
}

// Metrics captures token and time usage for a run. A completed run must
// satisfy TotalTokens == InputTokens + OutputTokens.
type Metrics struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Duration     time.Duration `json:"duration"`
}

// AddTokens accumulates provider-reported usage and keeps the total invariant.
func (m *Metrics) AddTokens(input, output int) {
	m.InputTokens += input
	m.OutputTokens += output
	m.TotalTokens = m.InputTokens + m.OutputTokens
}

// Merge folds another metrics record (e.g. from a nested member run) into m.
func (m *Metrics) Merge(other *Metrics) {
	if other == nil {
		return
	}
	m.AddTokens(other.InputTokens, other.OutputTokens)
}

// Output is the durable record of one run of an agent or team. Exactly one of
// AgentID / TeamID is set. After persistence it is owned by the session store
// and only mutated by continuation or explicit update.
type Output struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	TeamID    string `json:"team_id,omitempty"`

	Status  Status `json:"status"`
	Content string `json:"content,omitempty"`
	// ParsedContent holds the structured form of Content when an output
	// schema was in effect for the run.
	ParsedContent json.RawMessage `json:"parsed_content,omitempty"`

	Messages     []Message        `json:"messages,omitempty"`
	Tools        []*ToolExecution `json:"tools,omitempty"`
	Metrics      *Metrics         `json:"metrics,omitempty"`
	Requirements []Requirement    `json:"requirements,omitempty"`

	// Events is only populated when the entity is configured to persist its
	// event log; otherwise the key is omitted entirely.
	Events []Event `json:"events,omitempty"`

	// MemberOutputs aggregates nested member run outputs for team runs.
	MemberOutputs []*Output `json:"member_outputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Paused reports whether the run is suspended waiting for caller input.
func (o *Output) Paused() bool { return o.Status == StatusPaused }

// outputAlias avoids UnmarshalJSON recursion.
type outputAlias Output

type outputWire struct {
	outputAlias
	Events []json.RawMessage `json:"events,omitempty"`
}

// MarshalJSON emits the persisted run shape. Typed events serialize through
// their concrete shapes.
func (o Output) MarshalJSON() ([]byte, error) {
	w := outputWire{outputAlias: outputAlias(o)}
	w.outputAlias.Events = nil
	for _, ev := range o.Events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.Type(), err)
		}
		w.Events = append(w.Events, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the persisted run shape, dispatching each event on
// its discriminant. An unknown discriminant fails the whole decode.
func (o *Output) UnmarshalJSON(data []byte) error {
	var w outputWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*o = Output(w.outputAlias)
	o.Events = nil
	for _, raw := range w.Events {
		ev, err := UnmarshalEvent(raw)
		if err != nil {
			return err
		}
		o.Events = append(o.Events, ev)
	}
	return nil
}
