package agentos

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentos/agent"
	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/team"
	"github.com/hupe1980/agentos/tool"
)

func TestRunDispatchesByID(t *testing.T) {
	agentModel := model.NewMockModel()
	agentModel.AddResponse("hello", "hi from the agent")

	memberModel := model.NewMockModel()
	memberModel.EnqueueTurn(model.MockTurn{Content: "facts found"})
	researcher := agent.New("Researcher", memberModel)

	args, _ := json.Marshal(map[string]string{"member_id": "researcher", "task": "find facts"})
	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{{ID: "call-1", Name: "delegate_task_to_member", Arguments: args}}},
		model.MockTurn{Content: "team report"},
	)

	app := New()
	app.RegisterAgent(agent.New("Assistant", agentModel))
	app.RegisterTeam(team.New("Squad", coordinator, func(o *team.Options) {
		o.Members = []team.Member{researcher}
	}))

	out, err := app.Run(context.Background(), "assistant", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi from the agent", out.Content)

	out, err = app.Run(context.Background(), "squad", "research")
	require.NoError(t, err)
	assert.Equal(t, "team report", out.Content)

	_, err = app.Run(context.Background(), "ghost", "hello")
	require.Error(t, err)
}

func TestLookups(t *testing.T) {
	app := New()
	app.RegisterAgent(agent.New("Assistant", model.NewMockModel()))

	_, ok := app.Agent("assistant")
	assert.True(t, ok)
	_, ok = app.Agent("missing")
	assert.False(t, ok)
	_, ok = app.Team("assistant")
	assert.False(t, ok)
}

func TestContinueAndCancelDispatch(t *testing.T) {
	sendEmail := tool.MustNew("send_email", "sends an email", func(tc *tool.Context, args map[string]any) (any, error) {
		return "sent", nil
	}, func(o *tool.Options) {
		o.RequiresConfirmation = true
	})

	m := model.NewMockModel()
	m.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		{ID: "call-1", Name: "send_email", Arguments: json.RawMessage(`{}`)},
	}})

	app := New()
	app.RegisterAgent(agent.New("Mailer", m, func(o *agent.Options) {
		o.Tools = []tool.Entry{sendEmail}
	}))

	out, err := app.Run(context.Background(), "mailer", "email alice")
	require.NoError(t, err)
	require.Equal(t, run.StatusPaused, out.Status)

	m.EnqueueTurn(model.MockTurn{Content: "email sent"})

	out, err = app.Continue(context.Background(), "mailer", out.RunID, []*run.ToolExecution{
		{ToolCallID: "call-1", Confirmed: true},
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, out.Status)

	_, err = app.Continue(context.Background(), "ghost", out.RunID, nil)
	require.Error(t, err)

	assert.False(t, app.Cancel("mailer", out.RunID), "terminal runs are not cancellable")
	assert.False(t, app.Cancel("ghost", "whatever"))
}
