package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentos/agent"
	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/team"
	"github.com/hupe1980/agentos/tool"
)

func newTestServer(t *testing.T, optFns ...func(o *Options)) (*Server, *model.MockModel) {
	t.Helper()
	m := model.NewMockModel()
	s := New(optFns...)
	s.RegisterAgent(agent.New("Assistant", m, func(o *agent.Options) {
		o.Description = "General helper"
	}))
	return s, m
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListAgents(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var infos []entityInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "assistant", infos[0].ID)
	assert.Equal(t, "General helper", infos[0].Description)
}

func TestBearerAuth(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) {
		o.APIKey = "secret"
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health and metrics stay open.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentRun(t *testing.T) {
	s, m := newTestServer(t)
	m.AddResponse("hello", "hi from the server")

	rec := postJSON(t, s.Handler(), "/v1/agents/assistant/runs", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out run.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, run.StatusCompleted, out.Status)
	assert.Equal(t, "hi from the server", out.Content)
	assert.NotEmpty(t, out.RunID)
}

func TestAgentRunNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/v1/agents/ghost/runs", map[string]any{"message": "hello"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentRunBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/assistant/runs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, s.Handler(), "/v1/agents/assistant/runs", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentRunStreamSSE(t *testing.T) {
	s, m := newTestServer(t)
	m.AddResponse("hello", "streamed reply")

	rec := postJSON(t, s.Handler(), "/v1/agents/assistant/runs", map[string]any{"message": "hello", "stream": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: RunStarted\n")
	assert.Contains(t, body, "event: RunContent\n")
	assert.Contains(t, body, "event: RunCompleted\n")

	// Each frame carries the event as decodable JSON.
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			_, err := run.UnmarshalEvent([]byte(data))
			require.NoError(t, err)
		}
	}
}

func TestAgentPauseContinueOverHTTP(t *testing.T) {
	executed := 0
	sendEmail := tool.MustNew("send_email", "sends an email", func(tc *tool.Context, args map[string]any) (any, error) {
		executed++
		return "sent", nil
	}, func(o *tool.Options) {
		o.RequiresConfirmation = true
	})

	m := model.NewMockModel()
	m.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		{ID: "call-1", Name: "send_email", Arguments: json.RawMessage(`{}`)},
	}})

	s := New()
	s.RegisterAgent(agent.New("Mailer", m, func(o *agent.Options) {
		o.Tools = []tool.Entry{sendEmail}
	}))

	rec := postJSON(t, s.Handler(), "/v1/agents/mailer/runs", map[string]any{"message": "email alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	var paused run.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	require.Equal(t, run.StatusPaused, paused.Status)
	require.Len(t, paused.Tools, 1)

	m.EnqueueTurn(model.MockTurn{Content: "email sent"})

	rec = postJSON(t, s.Handler(), "/v1/agents/mailer/runs/"+paused.RunID+"/continue", map[string]any{
		"updated_tools": []map[string]any{{"tool_call_id": "call-1", "confirmed": true}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var done run.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, run.StatusCompleted, done.Status)
	assert.Equal(t, "email sent", done.Content)
	assert.Equal(t, 1, executed)
}

func TestAgentContinueUnknownRun(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/v1/agents/assistant/runs/no-such-run/continue", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentCancel(t *testing.T) {
	sendEmail := tool.MustNew("send_email", "sends an email", func(tc *tool.Context, args map[string]any) (any, error) {
		return "sent", nil
	}, func(o *tool.Options) {
		o.RequiresConfirmation = true
	})

	m := model.NewMockModel()
	m.EnqueueTurn(model.MockTurn{ToolCalls: []run.ToolCall{
		{ID: "call-1", Name: "send_email", Arguments: json.RawMessage(`{}`)},
	}})

	s := New()
	s.RegisterAgent(agent.New("Mailer", m, func(o *agent.Options) {
		o.Tools = []tool.Entry{sendEmail}
	}))

	rec := postJSON(t, s.Handler(), "/v1/agents/mailer/runs", map[string]any{"message": "email alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	var paused run.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	require.Equal(t, run.StatusPaused, paused.Status)

	rec = postJSON(t, s.Handler(), "/v1/agents/mailer/runs/"+paused.RunID+"/cancel", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(run.StatusCancelled))

	rec = postJSON(t, s.Handler(), "/v1/agents/mailer/runs/"+paused.RunID+"/cancel", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTeamRun(t *testing.T) {
	memberModel := model.NewMockModel()
	memberModel.EnqueueTurn(model.MockTurn{Content: "facts found"})
	researcher := agent.New("Researcher", memberModel, func(o *agent.Options) {
		o.Description = "Finds facts"
	})

	args, _ := json.Marshal(map[string]string{"member_id": "researcher", "task": "find facts"})
	coordinator := model.NewMockModel()
	coordinator.EnqueueTurn(
		model.MockTurn{ToolCalls: []run.ToolCall{{ID: "call-1", Name: "delegate_task_to_member", Arguments: args}}},
		model.MockTurn{Content: "report ready"},
	)

	s := New()
	s.RegisterTeam(team.New("Squad", coordinator, func(o *team.Options) {
		o.Members = []team.Member{researcher}
	}))

	rec := postJSON(t, s.Handler(), "/v1/teams/squad/runs", map[string]any{"message": "research Go"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out run.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, run.StatusCompleted, out.Status)
	assert.Equal(t, "report ready", out.Content)
	require.Len(t, out.MemberOutputs, 1)
	assert.Equal(t, "facts found", out.MemberOutputs[0].Content)
}

func TestTeamNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/v1/teams/ghost/runs", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketStartWorkflow(t *testing.T) {
	s, m := newTestServer(t)
	m.AddResponse("hello", "hi over the socket")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "connected", ev.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "start-workflow",
		"payload": map[string]any{
			"entity_type": "agent",
			"entity_id":   "assistant",
			"message":     "hello",
		},
	}))

	var types []run.EventType
	for {
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, "run-event", ev.Type)
		decoded, err := run.UnmarshalEvent(ev.Data)
		require.NoError(t, err)
		types = append(types, decoded.Type())
		if decoded.Type().Terminal() {
			break
		}
	}

	assert.Equal(t, run.EventRunStarted, types[0])
	assert.Equal(t, run.EventRunCompleted, types[len(types)-1])
}

func TestWebSocketUnknownAction(t *testing.T) {
	s, _ := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "connected", ev.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "ping"}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "pong", ev.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "restart"}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "error", ev.Type)
}

func TestMetricsEndpoint(t *testing.T) {
	s, m := newTestServer(t)
	m.AddResponse("hello", "hi")

	rec := postJSON(t, s.Handler(), "/v1/agents/assistant/runs", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	s.Handler().ServeHTTP(mrec, req)

	require.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), "agentos_runs_total")
}
