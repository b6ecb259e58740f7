package team

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentos/agent"
	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/session"
	"github.com/hupe1980/agentos/tool"
)

func collectEvents(t *testing.T, ch <-chan run.Event) []run.Event {
	t.Helper()
	var events []run.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []run.Event) []run.EventType {
	types := make([]run.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type())
	}
	return types
}

func delegateCall(id, memberID, task string) run.ToolCall {
	args, _ := json.Marshal(map[string]string{"member_id": memberID, "task": task})
	return run.ToolCall{ID: id, Name: "delegate_task_to_member", Arguments: args}
}

func newResearcher(response string) *agent.Agent {
	m := model.NewMockModel()
	m.EnqueueTurn(model.MockTurn{Content: response})
	return agent.New("Researcher", m, func(o *agent.Options) {
		o.Description = "Finds facts"
	})
}

func TestRunValidation(t *testing.T) {
	tm := New("Squad", model.NewMockModel(), func(o *Options) {
		o.Members = []Member{newResearcher("ok")}
	})
	_, err := tm.Run(context.Background(), "")
	require.Error(t, err)

	noModel := New("NoModel", nil)
	_, err = noModel.Run(context.Background(), "hi")
	require.Error(t, err)
}

func TestRunFailsWithoutMembers(t *testing.T) {
	tm := New("Empty", model.NewMockModel())

	out, err := tm.Run(context.Background(), "do something")
	require.NoError(t, err)
	assert.Equal(t, run.StatusError, out.Status)
}

func TestDelegation(t *testing.T) {
	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{delegateCall("call-1", "researcher", "find facts about Go")}},
		model.MockTurn{Content: "summary: facts found"},
	)

	tm := New("Squad", coordinator, func(o *Options) {
		o.Members = []Member{newResearcher("facts found")}
	})

	ch, err := tm.RunStream(context.Background(), "research Go")
	require.NoError(t, err)
	events := collectEvents(t, ch)

	types := eventTypes(events)
	assert.Equal(t, run.EventRunStarted, types[0])
	assert.Contains(t, types, run.EventToolCallStarted)
	assert.Contains(t, types, run.EventToolCallCompleted)
	assert.Contains(t, types, run.EventRunIntermediateContent)
	assert.Equal(t, run.EventRunCompleted, types[len(types)-1])

	var intermediate string
	for _, ev := range events {
		if ic, ok := ev.(*run.RunIntermediateContentEvent); ok {
			intermediate = ic.Content
		}
	}
	assert.Equal(t, "facts found", intermediate)
}

func TestDelegationAggregatesMemberOutput(t *testing.T) {
	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{delegateCall("call-1", "researcher", "find facts")}},
		model.MockTurn{Content: "done"},
	)

	researcher := newResearcher("facts found")
	tm := New("Squad", coordinator, func(o *Options) {
		o.Members = []Member{researcher}
	})

	out, err := tm.Run(context.Background(), "research")
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, out.Status)
	assert.Equal(t, "done", out.Content)

	require.Len(t, out.MemberOutputs, 1)
	assert.Equal(t, "researcher", out.MemberOutputs[0].AgentID)
	assert.Equal(t, "facts found", out.MemberOutputs[0].Content)
	// Member runs share the team session.
	assert.Equal(t, out.SessionID, out.MemberOutputs[0].SessionID)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "facts found", out.Tools[0].Result)

	// Member token usage rolls up into the team metrics.
	assert.GreaterOrEqual(t, out.Metrics.TotalTokens, out.MemberOutputs[0].Metrics.TotalTokens)
	assert.Equal(t, out.Metrics.InputTokens+out.Metrics.OutputTokens, out.Metrics.TotalTokens)
}

func TestParallelDelegation(t *testing.T) {
	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{
			delegateCall("call-1", "researcher", "find facts"),
			delegateCall("call-2", "analyst", "crunch numbers"),
		}},
		model.MockTurn{Content: "combined report"},
	)

	analystModel := model.NewMockModel()
	analystModel.EnqueueTurn(model.MockTurn{Content: "numbers crunched"})
	analyst := agent.New("Analyst", analystModel, func(o *agent.Options) {
		o.Description = "Crunches numbers"
	})

	tm := New("Squad", coordinator, func(o *Options) {
		o.Members = []Member{newResearcher("facts found"), analyst}
	})

	out, err := tm.Run(context.Background(), "full report")
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, out.Status)
	assert.Len(t, out.MemberOutputs, 2)
	assert.Len(t, out.Tools, 2)
}

func TestDelegationToUnknownMemberSelfCorrects(t *testing.T) {
	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{delegateCall("call-1", "nobody", "do it")}},
		model.MockTurn{Content: "recovered"},
	)

	tm := New("Squad", coordinator, func(o *Options) {
		o.Members = []Member{newResearcher("unused")}
	})

	out, err := tm.Run(context.Background(), "task")
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, out.Status)
	require.Len(t, out.Tools, 1)
	assert.Contains(t, out.Tools[0].Error, "unknown member")
	assert.Empty(t, out.MemberOutputs)
}

func TestMemberInfoTool(t *testing.T) {
	args, _ := json.Marshal(map[string]any{})
	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{{ID: "call-1", Name: "get_member_information", Arguments: args}}},
		model.MockTurn{Content: "roster listed"},
	)

	tm := New("Squad", coordinator, func(o *Options) {
		o.Members = []Member{newResearcher("unused")}
	})

	out, err := tm.Run(context.Background(), "who is on the team?")
	require.NoError(t, err)

	require.Len(t, out.Tools, 1)
	result, ok := out.Tools[0].Result.(string)
	require.True(t, ok)
	assert.Contains(t, result, `"id":"researcher"`)
	assert.Contains(t, result, "Finds facts")
}

func TestMemberPausePropagation(t *testing.T) {
	executed := 0
	sendEmail := tool.MustNew("send_email", "sends an email", func(tc *tool.Context, args map[string]any) (any, error) {
		executed++
		return "sent", nil
	}, func(o *tool.Options) {
		o.RequiresConfirmation = true
	})

	mailerModel := model.NewMockModel()
	mailerModel.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		{ID: "mc-1", Name: "send_email", Arguments: json.RawMessage(`{}`)},
	}})
	mailer := agent.New("Mailer", mailerModel, func(o *agent.Options) {
		o.Description = "Sends emails"
		o.Tools = []tool.Entry{sendEmail}
	})

	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		delegateCall("call-1", "mailer", "email alice"),
	}})

	tm := New("MailSquad", coordinator, func(o *Options) {
		o.Members = []Member{mailer}
	})

	out, err := tm.Run(context.Background(), "send the report to alice")
	require.NoError(t, err)

	require.Equal(t, run.StatusPaused, out.Status)
	require.Len(t, out.Requirements, 1)

	// The requirement points back at the exact member run that paused.
	req := out.Requirements[0]
	assert.Equal(t, run.RequirementConfirmation, req.Kind)
	assert.Equal(t, "mailer", req.MemberID)
	assert.NotEmpty(t, req.MemberRunID)
	assert.NotEqual(t, out.RunID, req.MemberRunID)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "mc-1", req.Tools[0].ToolCallID)

	assert.Equal(t, 0, executed)

	// Confirming the member's tool resumes the member and then the team.
	mailerModel.EnqueueTurn(model.MockTurn{Content: "email sent to alice"})
	coordinator.EnqueueTurn(model.MockTurn{Content: "all done"})

	ch, err := tm.ContinueStream(context.Background(), out.RunID, []*run.ToolExecution{
		{ToolCallID: "mc-1", Confirmed: true},
	})
	require.NoError(t, err)
	events := collectEvents(t, ch)

	types := eventTypes(events)
	assert.Equal(t, run.EventRunContinued, types[0])
	assert.Contains(t, types, run.EventRunIntermediateContent)
	assert.Equal(t, run.EventRunCompleted, types[len(types)-1])

	assert.Equal(t, 1, executed)
	assert.Equal(t, run.StatusCompleted, out.Status)
	assert.Equal(t, "all done", out.Content)

	require.Len(t, out.MemberOutputs, 1)
	assert.Equal(t, run.StatusCompleted, out.MemberOutputs[0].Status)

	// The delegate call settles with the member's final content.
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "email sent to alice", out.Tools[0].Result)
}

func TestMemberPauseEmitsSingleCompletion(t *testing.T) {
	sendEmail := tool.MustNew("send_email", "sends an email", func(tc *tool.Context, args map[string]any) (any, error) {
		return "sent", nil
	}, func(o *tool.Options) {
		o.RequiresConfirmation = true
	})

	mailerModel := model.NewMockModel()
	mailerModel.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		{ID: "mc-1", Name: "send_email", Arguments: json.RawMessage(`{}`)},
	}})
	mailer := agent.New("Mailer", mailerModel, func(o *agent.Options) {
		o.Tools = []tool.Entry{sendEmail}
	})

	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		delegateCall("call-1", "mailer", "email alice"),
	}})

	tm := New("MailSquad", coordinator, func(o *Options) {
		o.Members = []Member{mailer}
	})

	completionsFor := func(events []run.Event, callID string) int {
		n := 0
		for _, ev := range events {
			if tc, ok := ev.(*run.ToolCallCompletedEvent); ok && tc.Tool.ToolCallID == callID {
				n++
			}
		}
		return n
	}

	ch, err := tm.RunStream(context.Background(), "send the report to alice")
	require.NoError(t, err)
	events := collectEvents(t, ch)

	// The delegate call stays open across the pause: no completion event until
	// the member run settles.
	require.NotEmpty(t, events)
	assert.Equal(t, run.EventRunPaused, events[len(events)-1].Type())
	assert.Equal(t, 0, completionsFor(events, "call-1"))

	runID := events[len(events)-1].Base().RunID

	mailerModel.EnqueueTurn(model.MockTurn{Content: "email sent to alice"})
	coordinator.EnqueueTurn(model.MockTurn{Content: "all done"})

	ch, err = tm.ContinueStream(context.Background(), runID, []*run.ToolExecution{
		{ToolCallID: "mc-1", Confirmed: true},
	})
	require.NoError(t, err)
	events = collectEvents(t, ch)

	assert.Equal(t, 1, completionsFor(events, "call-1"))
	for _, ev := range events {
		if tc, ok := ev.(*run.ToolCallCompletedEvent); ok && tc.Tool.ToolCallID == "call-1" {
			assert.Equal(t, "email sent to alice", tc.Tool.Result)
		}
	}
}

func TestContinueUnknownRun(t *testing.T) {
	tm := New("Squad", model.NewMockModel(), func(o *Options) {
		o.Members = []Member{newResearcher("unused")}
	})
	_, err := tm.Continue(context.Background(), "no-such-run", nil)
	require.Error(t, err)
}

func TestCancelPausedRun(t *testing.T) {
	sendEmail := tool.MustNew("send_email", "sends an email", func(tc *tool.Context, args map[string]any) (any, error) {
		return "sent", nil
	}, func(o *tool.Options) {
		o.RequiresConfirmation = true
	})

	mailerModel := model.NewMockModel()
	mailerModel.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		{ID: "mc-1", Name: "send_email", Arguments: json.RawMessage(`{}`)},
	}})
	mailer := agent.New("Mailer", mailerModel, func(o *agent.Options) {
		o.Tools = []tool.Entry{sendEmail}
	})

	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		delegateCall("call-1", "mailer", "email alice"),
	}})

	store := session.NewInMemoryStore()
	tm := New("MailSquad", coordinator, func(o *Options) {
		o.Members = []Member{mailer}
		o.SessionStore = store
	})

	out, err := tm.Run(context.Background(), "send the report")
	require.NoError(t, err)
	require.Equal(t, run.StatusPaused, out.Status)

	assert.True(t, tm.Cancel(out.RunID))
	assert.Equal(t, run.StatusCancelled, out.Status)
	assert.False(t, tm.Cancel(out.RunID))

	history, err := store.History(context.Background(), out.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, run.StatusCancelled, history[0].Status)
}

func TestTaskTools(t *testing.T) {
	addArgs, _ := json.Marshal(map[string]string{"description": "write report"})
	listArgs, _ := json.Marshal(map[string]any{})

	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{{ID: "call-1", Name: "add_task", Arguments: addArgs}}},
		model.MockTurn{ToolCalls: []run.ToolCall{{ID: "call-2", Name: "list_tasks", Arguments: listArgs}}},
		model.MockTurn{Content: "plan recorded"},
	)

	tm := New("Planners", coordinator, func(o *Options) {
		o.Members = []Member{newResearcher("unused")}
		o.EnableTasks = true
	})

	out, err := tm.Run(context.Background(), "plan the work")
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, out.Status)
	require.Len(t, out.Tools, 2)

	added, ok := out.Tools[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "open", added["status"])
	assert.NotEmpty(t, added["id"])

	listed, ok := out.Tools[1].Result.(string)
	require.True(t, ok)
	assert.Contains(t, listed, "write report")
	assert.Contains(t, listed, `"status":"open"`)
}

func TestTasksModeReplacesDelegation(t *testing.T) {
	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{delegateCall("call-1", "researcher", "find facts")}},
		model.MockTurn{Content: "noted"},
	)

	tm := New("Planners", coordinator, func(o *Options) {
		o.Members = []Member{newResearcher("unused")}
		o.EnableTasks = true
	})

	out, err := tm.Run(context.Background(), "plan the work")
	require.NoError(t, err)

	// In tasks mode the task toolkit replaces delegation; a delegate call is
	// an unknown tool and never reaches a member.
	assert.Equal(t, run.StatusCompleted, out.Status)
	require.Len(t, out.Tools, 1)
	assert.Contains(t, out.Tools[0].Error, "unknown tool")
	assert.Empty(t, out.MemberOutputs)
}

func TestCancelActiveRunEmitsTerminalEvent(t *testing.T) {
	blocker := tool.MustNew("wait", "waits for cancellation", func(tc *tool.Context, args map[string]any) (any, error) {
		<-tc.Context().Done()
		return nil, tc.Context().Err()
	})

	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		{ID: "call-1", Name: "wait", Arguments: json.RawMessage(`{}`)},
	}})

	tm := New("Waiters", coordinator, func(o *Options) {
		o.Members = []Member{newResearcher("unused")}
		o.Tools = []tool.Entry{blocker}
		o.MaxIterations = 1
	})

	ch, err := tm.RunStream(context.Background(), "wait for me")
	require.NoError(t, err)

	var events []run.Event
	for ev := range ch {
		events = append(events, ev)
		if ev.Type() == run.EventToolCallStarted {
			require.True(t, tm.Cancel(ev.Base().RunID))
		}
	}

	// The stream always closes with a terminal event, even when the run
	// context is already cancelled at emit time.
	require.NotEmpty(t, events)
	cancelledEv, ok := events[len(events)-1].(*run.RunCancelledEvent)
	require.True(t, ok, "last event is %T", events[len(events)-1])
	assert.Equal(t, "cancelled by caller", cancelledEv.Reason)
}

func TestFindMemberNested(t *testing.T) {
	inner := newResearcher("unused")
	sub := New("SubSquad", model.NewMockModel(), func(o *Options) {
		o.Members = []Member{inner}
	})
	top := New("TopSquad", model.NewMockModel(), func(o *Options) {
		o.Members = []Member{sub}
	})

	// A nested match resolves to the direct sub-team containing it; each team
	// routes continuations one boundary at a time.
	found, ok := top.FindMember("researcher")
	require.True(t, ok)
	assert.Equal(t, sub, found)

	direct, ok := top.FindMember("subsquad")
	require.True(t, ok)
	assert.Equal(t, sub, direct)

	_, ok = top.FindMember("missing")
	assert.False(t, ok)
}
