package run

import (
	"encoding/json"
	"time"
)

// EventType is the discriminant string naming an event's kind. The taxonomy
// is closed: deserialization fails on discriminants outside this set.
type EventType string

// The exhaustive event taxonomy for agent and team runs.
const (
	EventRunStarted             EventType = "RunStarted"
	EventRunContent             EventType = "RunContent"
	EventRunIntermediateContent EventType = "RunIntermediateContent"
	EventRunCompleted           EventType = "RunCompleted"
	EventRunError               EventType = "RunError"
	EventRunCancelled           EventType = "RunCancelled"
	EventRunPaused              EventType = "RunPaused"
	EventRunContinued           EventType = "RunContinued"

	EventPreHookStarted   EventType = "PreHookStarted"
	EventPreHookCompleted EventType = "PreHookCompleted"

	EventToolCallStarted   EventType = "ToolCallStarted"
	EventToolCallCompleted EventType = "ToolCallCompleted"

	EventReasoningStarted   EventType = "ReasoningStarted"
	EventReasoningStep      EventType = "ReasoningStep"
	EventReasoningCompleted EventType = "ReasoningCompleted"

	EventMemoryUpdateStarted   EventType = "MemoryUpdateStarted"
	EventMemoryUpdateCompleted EventType = "MemoryUpdateCompleted"

	EventParserModelResponseStarted   EventType = "ParserModelResponseStarted"
	EventParserModelResponseCompleted EventType = "ParserModelResponseCompleted"
	EventOutputModelResponseStarted   EventType = "OutputModelResponseStarted"
	EventOutputModelResponseCompleted EventType = "OutputModelResponseCompleted"

	EventCustom EventType = "CustomEvent"
)

// Terminal reports whether t is one of the three terminal discriminants.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunError || t == EventRunCancelled
}

// Event is an immutable, timestamped, typed record of one state-machine
// transition. Ordering within a run is total: RunStarted is always first and
// exactly one terminal event is last for a fully finished run.
type Event interface {
	// Type returns the discriminant for this event.
	Type() EventType
	// Base exposes the shared correlation fields.
	Base() *BaseEvent
}

// BaseEvent carries the fields every event shares. It is embedded by all
// concrete event types.
type BaseEvent struct {
	Event     EventType `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	TeamID    string    `json:"team_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Type implements Event.
func (b *BaseEvent) Type() EventType { return b.Event }

// Base implements Event.
func (b *BaseEvent) Base() *BaseEvent { return b }

// EntityRef identifies the run and entity an event belongs to. Exactly one of
// AgentID / TeamID is set.
type EntityRef struct {
	RunID     string
	AgentID   string
	TeamID    string
	SessionID string
}

func newBase(t EventType, ref EntityRef) BaseEvent {
	return BaseEvent{
		Event:     t,
		CreatedAt: time.Now().UTC(),
		RunID:     ref.RunID,
		AgentID:   ref.AgentID,
		TeamID:    ref.TeamID,
		SessionID: ref.SessionID,
	}
}

// RunStartedEvent opens every run. It echoes the model id and provider back
// to the caller for visibility.
type RunStartedEvent struct {
	BaseEvent
	Model         string `json:"model,omitempty"`
	ModelProvider string `json:"model_provider,omitempty"`
}

// NewRunStarted constructs a RunStartedEvent.
func NewRunStarted(ref EntityRef, model, provider string) *RunStartedEvent {
	return &RunStartedEvent{BaseEvent: newBase(EventRunStarted, ref), Model: model, ModelProvider: provider}
}

// RunContentEvent carries a chunk of final answer content. ContentType is
// "str" for plain text or "json" when an output schema is in effect.
type RunContentEvent struct {
	BaseEvent
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// NewRunContent constructs a RunContentEvent.
func NewRunContent(ref EntityRef, content, contentType string) *RunContentEvent {
	return &RunContentEvent{BaseEvent: newBase(EventRunContent, ref), Content: content, ContentType: contentType}
}

// RunIntermediateContentEvent carries content produced by intermediate steps
// (e.g. a member response relayed by a team) that is not part of the final
// answer stream.
type RunIntermediateContentEvent struct {
	BaseEvent
	Content string `json:"content,omitempty"`
}

// NewRunIntermediateContent constructs a RunIntermediateContentEvent.
func NewRunIntermediateContent(ref EntityRef, content string) *RunIntermediateContentEvent {
	return &RunIntermediateContentEvent{BaseEvent: newBase(EventRunIntermediateContent, ref), Content: content}
}

// RunCompletedEvent is the terminal event of a successful run. Metrics must
// be non-nil and internally consistent when emitted.
type RunCompletedEvent struct {
	BaseEvent
	Content       string            `json:"content,omitempty"`
	ParsedContent json.RawMessage   `json:"parsed_content,omitempty"`
	Metrics       *Metrics          `json:"metrics,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewRunCompleted constructs a RunCompletedEvent.
func NewRunCompleted(ref EntityRef, content string, metrics *Metrics) *RunCompletedEvent {
	return &RunCompletedEvent{BaseEvent: newBase(EventRunCompleted, ref), Content: content, Metrics: metrics}
}

// RunErrorEvent is the terminal event of a failed run. ErrorType/ErrorID are
// stable identifiers for programmatic handling.
type RunErrorEvent struct {
	BaseEvent
	ErrorType string `json:"error_type,omitempty"`
	ErrorID   string `json:"error_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NewRunError constructs a RunErrorEvent.
func NewRunError(ref EntityRef, errorType, errorID, message string) *RunErrorEvent {
	return &RunErrorEvent{BaseEvent: newBase(EventRunError, ref), ErrorType: errorType, ErrorID: errorID, Message: message}
}

// RunCancelledEvent is the terminal event of an explicitly cancelled run.
type RunCancelledEvent struct {
	BaseEvent
	Reason string `json:"reason,omitempty"`
}

// NewRunCancelled constructs a RunCancelledEvent.
func NewRunCancelled(ref EntityRef, reason string) *RunCancelledEvent {
	return &RunCancelledEvent{BaseEvent: newBase(EventRunCancelled, ref), Reason: reason}
}

// RunPausedEvent suspends a run for human-in-the-loop input. Tools carries
// the full list of pending tool executions so the caller can present all
// pending confirmations together.
type RunPausedEvent struct {
	BaseEvent
	Tools        []*ToolExecution `json:"tools,omitempty"`
	Requirements []Requirement    `json:"requirements,omitempty"`
}

// NewRunPaused constructs a RunPausedEvent.
func NewRunPaused(ref EntityRef, tools []*ToolExecution, reqs []Requirement) *RunPausedEvent {
	return &RunPausedEvent{BaseEvent: newBase(EventRunPaused, ref), Tools: tools, Requirements: reqs}
}

// RunContinuedEvent marks resumption of a previously paused run.
type RunContinuedEvent struct {
	BaseEvent
}

// NewRunContinued constructs a RunContinuedEvent.
func NewRunContinued(ref EntityRef) *RunContinuedEvent {
	return &RunContinuedEvent{BaseEvent: newBase(EventRunContinued, ref)}
}

// PreHookStartedEvent marks entry into a pre-run hook.
type PreHookStartedEvent struct {
	BaseEvent
	HookName string `json:"hook_name,omitempty"`
}

// NewPreHookStarted constructs a PreHookStartedEvent.
func NewPreHookStarted(ref EntityRef, name string) *PreHookStartedEvent {
	return &PreHookStartedEvent{BaseEvent: newBase(EventPreHookStarted, ref), HookName: name}
}

// PreHookCompletedEvent marks successful completion of a pre-run hook.
type PreHookCompletedEvent struct {
	BaseEvent
	HookName string `json:"hook_name,omitempty"`
}

// NewPreHookCompleted constructs a PreHookCompletedEvent.
func NewPreHookCompleted(ref EntityRef, name string) *PreHookCompletedEvent {
	return &PreHookCompletedEvent{BaseEvent: newBase(EventPreHookCompleted, ref), HookName: name}
}

// ToolCallStartedEvent marks dispatch of one tool execution.
type ToolCallStartedEvent struct {
	BaseEvent
	Tool *ToolExecution `json:"tool,omitempty"`
}

// NewToolCallStarted constructs a ToolCallStartedEvent.
func NewToolCallStarted(ref EntityRef, te *ToolExecution) *ToolCallStartedEvent {
	return &ToolCallStartedEvent{BaseEvent: newBase(EventToolCallStarted, ref), Tool: te}
}

// ToolCallCompletedEvent marks completion (success or error result) of one
// tool execution.
type ToolCallCompletedEvent struct {
	BaseEvent
	Tool *ToolExecution `json:"tool,omitempty"`
}

// NewToolCallCompleted constructs a ToolCallCompletedEvent.
func NewToolCallCompleted(ref EntityRef, te *ToolExecution) *ToolCallCompletedEvent {
	return &ToolCallCompletedEvent{BaseEvent: newBase(EventToolCallCompleted, ref), Tool: te}
}

// ReasoningStartedEvent marks the beginning of a reasoning phase.
type ReasoningStartedEvent struct {
	BaseEvent
}

// NewReasoningStarted constructs a ReasoningStartedEvent.
func NewReasoningStarted(ref EntityRef) *ReasoningStartedEvent {
	return &ReasoningStartedEvent{BaseEvent: newBase(EventReasoningStarted, ref)}
}

// ReasoningStepEvent carries one intermediate reasoning fragment.
type ReasoningStepEvent struct {
	BaseEvent
	Content string `json:"content,omitempty"`
}

// NewReasoningStep constructs a ReasoningStepEvent.
func NewReasoningStep(ref EntityRef, content string) *ReasoningStepEvent {
	return &ReasoningStepEvent{BaseEvent: newBase(EventReasoningStep, ref), Content: content}
}

// ReasoningCompletedEvent closes a reasoning phase with the aggregated
// reasoning content.
type ReasoningCompletedEvent struct {
	BaseEvent
	Content string `json:"content,omitempty"`
}

// NewReasoningCompleted constructs a ReasoningCompletedEvent.
func NewReasoningCompleted(ref EntityRef, content string) *ReasoningCompletedEvent {
	return &ReasoningCompletedEvent{BaseEvent: newBase(EventReasoningCompleted, ref), Content: content}
}

// MemoryUpdateStartedEvent marks the start of a memory update pass.
type MemoryUpdateStartedEvent struct {
	BaseEvent
}

// NewMemoryUpdateStarted constructs a MemoryUpdateStartedEvent.
func NewMemoryUpdateStarted(ref EntityRef) *MemoryUpdateStartedEvent {
	return &MemoryUpdateStartedEvent{BaseEvent: newBase(EventMemoryUpdateStarted, ref)}
}

// MemoryUpdateCompletedEvent closes a memory update pass.
type MemoryUpdateCompletedEvent struct {
	BaseEvent
}

// NewMemoryUpdateCompleted constructs a MemoryUpdateCompletedEvent.
func NewMemoryUpdateCompleted(ref EntityRef) *MemoryUpdateCompletedEvent {
	return &MemoryUpdateCompletedEvent{BaseEvent: newBase(EventMemoryUpdateCompleted, ref)}
}

// ParserModelResponseStartedEvent marks the start of the parser-model pass
// that reformats output into a structured schema.
type ParserModelResponseStartedEvent struct {
	BaseEvent
}

// NewParserModelResponseStarted constructs a ParserModelResponseStartedEvent.
func NewParserModelResponseStarted(ref EntityRef) *ParserModelResponseStartedEvent {
	return &ParserModelResponseStartedEvent{BaseEvent: newBase(EventParserModelResponseStarted, ref)}
}

// ParserModelResponseCompletedEvent closes the parser-model pass.
type ParserModelResponseCompletedEvent struct {
	BaseEvent
}

// NewParserModelResponseCompleted constructs a ParserModelResponseCompletedEvent.
func NewParserModelResponseCompleted(ref EntityRef) *ParserModelResponseCompletedEvent {
	return &ParserModelResponseCompletedEvent{BaseEvent: newBase(EventParserModelResponseCompleted, ref)}
}

// OutputModelResponseStartedEvent marks the start of the output-model pass.
type OutputModelResponseStartedEvent struct {
	BaseEvent
}

// NewOutputModelResponseStarted constructs an OutputModelResponseStartedEvent.
func NewOutputModelResponseStarted(ref EntityRef) *OutputModelResponseStartedEvent {
	return &OutputModelResponseStartedEvent{BaseEvent: newBase(EventOutputModelResponseStarted, ref)}
}

// OutputModelResponseCompletedEvent closes the output-model pass.
type OutputModelResponseCompletedEvent struct {
	BaseEvent
}

// NewOutputModelResponseCompleted constructs an OutputModelResponseCompletedEvent.
func NewOutputModelResponseCompleted(ref EntityRef) *OutputModelResponseCompletedEvent {
	return &OutputModelResponseCompletedEvent{BaseEvent: newBase(EventOutputModelResponseCompleted, ref)}
}

// CustomEventRecord lets tools and hooks publish application-defined events
// into the run stream without widening the core taxonomy.
type CustomEventRecord struct {
	BaseEvent
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewCustomEvent constructs a CustomEventRecord.
func NewCustomEvent(ref EntityRef, name string, data json.RawMessage) *CustomEventRecord {
	return &CustomEventRecord{BaseEvent: newBase(EventCustom, ref), Name: name, Data: data}
}
