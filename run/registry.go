package run

import (
	"encoding/json"
	"fmt"
)

// ErrUnknownEvent is wrapped by UnmarshalEvent when the discriminant is not
// part of the closed taxonomy. A corrupted or version-skewed event stream
// must fail decoding rather than be silently misinterpreted.
var ErrUnknownEvent = fmt.Errorf("unknown event discriminant")

// eventFactories maps each discriminant to a constructor for its concrete
// record shape. The map is never mutated after init, so concurrent reads are
// safe.
var eventFactories = map[EventType]func() Event{
	EventRunStarted:             func() Event { return &RunStartedEvent{} },
	EventRunContent:             func() Event { return &RunContentEvent{} },
	EventRunIntermediateContent: func() Event { return &RunIntermediateContentEvent{} },
	EventRunCompleted:           func() Event { return &RunCompletedEvent{} },
	EventRunError:               func() Event { return &RunErrorEvent{} },
	EventRunCancelled:           func() Event { return &RunCancelledEvent{} },
	EventRunPaused:              func() Event { return &RunPausedEvent{} },
	EventRunContinued:           func() Event { return &RunContinuedEvent{} },

	EventPreHookStarted:   func() Event { return &PreHookStartedEvent{} },
	EventPreHookCompleted: func() Event { return &PreHookCompletedEvent{} },

	EventToolCallStarted:   func() Event { return &ToolCallStartedEvent{} },
	EventToolCallCompleted: func() Event { return &ToolCallCompletedEvent{} },

	EventReasoningStarted:   func() Event { return &ReasoningStartedEvent{} },
	EventReasoningStep:      func() Event { return &ReasoningStepEvent{} },
	EventReasoningCompleted: func() Event { return &ReasoningCompletedEvent{} },

	EventMemoryUpdateStarted:   func() Event { return &MemoryUpdateStartedEvent{} },
	EventMemoryUpdateCompleted: func() Event { return &MemoryUpdateCompletedEvent{} },

	EventParserModelResponseStarted:   func() Event { return &ParserModelResponseStartedEvent{} },
	EventParserModelResponseCompleted: func() Event { return &ParserModelResponseCompletedEvent{} },
	EventOutputModelResponseStarted:   func() Event { return &OutputModelResponseStartedEvent{} },
	EventOutputModelResponseCompleted: func() Event { return &OutputModelResponseCompletedEvent{} },

	EventCustom: func() Event { return &CustomEventRecord{} },
}

// UnmarshalEvent decodes one event record, dispatching purely on the "event"
// discriminant to the matching concrete shape. Unknown discriminants fail
// closed with ErrUnknownEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Event EventType `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	factory, ok := eventFactories[head.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Event)
	}

	ev := factory()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.Event, err)
	}

	return ev, nil
}
