package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentos/agent"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/team"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin in dev setups; auth happens at
	// the protocol level via the authenticate action.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is a client control message.
type wsMessage struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsEvent is a server-to-client message.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type wsStartPayload struct {
	APIKey       string               `json:"api_key,omitempty"`
	EntityType   string               `json:"entity_type"` // "agent" or "team"
	EntityID     string               `json:"entity_id"`
	Message      string               `json:"message,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	UserID       string               `json:"user_id,omitempty"`
	RunID        string               `json:"run_id,omitempty"`        // continue-workflow only
	UpdatedTools []*run.ToolExecution `json:"updated_tools,omitempty"` // continue-workflow only
}

// wsConn serializes writes; run streaming and control replies interleave.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(ev wsEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

// handleWebSocket speaks the control protocol: authenticate, ping,
// start-workflow and continue-workflow (with start-run/continue-run accepted
// as aliases). Run events stream back as run-event messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server.ws.upgrade_failed", "error", err.Error())
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn}
	authenticated := s.apiKey == ""

	_ = c.send(wsEvent{Type: "connected"})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Action {
		case "authenticate":
			var payload wsStartPayload
			_ = json.Unmarshal(msg.Payload, &payload)
			if s.apiKey != "" && payload.APIKey != s.apiKey {
				_ = c.send(wsEvent{Type: "auth_error", Data: "invalid api key"})
				continue
			}
			authenticated = true
			_ = c.send(wsEvent{Type: "authenticated"})

		case "ping":
			_ = c.send(wsEvent{Type: "pong"})

		case "start-workflow", "start-run", "continue-workflow", "continue-run":
			if !authenticated {
				_ = c.send(wsEvent{Type: "auth_required"})
				continue
			}
			var payload wsStartPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				_ = c.send(wsEvent{Type: "error", Data: "invalid payload"})
				continue
			}
			s.startWSRun(c, msg.Action, payload)

		default:
			_ = c.send(wsEvent{Type: "error", Data: "unknown action " + msg.Action})
		}
	}
}

func (s *Server) startWSRun(c *wsConn, action string, payload wsStartPayload) {
	continuation := action == "continue-workflow" || action == "continue-run"

	var (
		events <-chan run.Event
		err    error
	)

	switch payload.EntityType {
	case "agent":
		a, ok := s.agents[payload.EntityID]
		if !ok {
			_ = c.send(wsEvent{Type: "error", Data: "agent not found"})
			return
		}
		if continuation {
			events, err = a.ContinueStream(context.Background(), payload.RunID, payload.UpdatedTools)
		} else {
			events, err = a.RunStream(context.Background(), payload.Message, func(o *agent.RunOptions) {
				o.SessionID = payload.SessionID
				o.UserID = payload.UserID
			})
		}
	case "team":
		t, ok := s.teams[payload.EntityID]
		if !ok {
			_ = c.send(wsEvent{Type: "error", Data: "team not found"})
			return
		}
		if continuation {
			events, err = t.ContinueStream(context.Background(), payload.RunID, payload.UpdatedTools)
		} else {
			events, err = t.RunStream(context.Background(), payload.Message, func(o *team.RunOptions) {
				o.SessionID = payload.SessionID
				o.UserID = payload.UserID
			})
		}
	default:
		_ = c.send(wsEvent{Type: "error", Data: "unknown entity type"})
		return
	}
	if err != nil {
		_ = c.send(wsEvent{Type: "error", Data: err.Error()})
		return
	}

	go func() {
		for ev := range events {
			s.metrics.observeEvent(payload.EntityType, payload.EntityID, ev)
			if err := c.send(wsEvent{Type: "run-event", Data: ev}); err != nil {
				// Client gone: drain so the run finishes and persists.
				for range events {
					continue
				}
				return
			}
		}
	}()
}
