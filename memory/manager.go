package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentos/logging"
	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/run"
)

const managerSystemPrompt = `You curate long-term memories about a user.
Given the existing memories and the latest conversation, decide which facts
about the user are worth remembering across sessions (preferences, goals,
constraints, biographical facts). Respond with a JSON array of operations:

[{"action":"add","content":"...","topics":["..."]},
 {"action":"update","id":"<existing id>","content":"..."},
 {"action":"delete","id":"<existing id>"}]

Return [] when nothing should change. Respond with JSON only.`

// memoryOp is one model-proposed mutation.
type memoryOp struct {
	Action  string   `json:"action"`
	ID      string   `json:"id,omitempty"`
	Content string   `json:"content,omitempty"`
	Topics  []string `json:"topics,omitempty"`
}

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	// Logger receives per-operation diagnostics.
	Logger logging.Logger
}

// Manager drives agentic memory updates: after a run it asks a model which
// facts from the conversation to persist and applies the proposed
// add/update/delete operations against the store.
type Manager struct {
	store  Store
	model  model.Model
	logger logging.Logger
}

// NewManager constructs a Manager.
func NewManager(store Store, m model.Model, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{store: store, model: m, logger: opts.Logger}
}

// Store exposes the underlying store.
func (m *Manager) Store() Store { return m.store }

// Update extracts memory operations from the conversation and applies them.
// It returns the memories that were added or updated.
func (m *Manager) Update(ctx context.Context, userID string, messages []run.Message) ([]Memory, error) {
	existing, err := m.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	prompt, err := renderUpdatePrompt(existing, messages)
	if err != nil {
		return nil, err
	}

	respCh, errCh := m.model.Generate(ctx, model.Request{
		SystemPrompt: managerSystemPrompt,
		Messages:     []run.Message{{Role: "user", Content: prompt}},
	})

	var content string
	for resp := range respCh {
		if !resp.Partial {
			content = resp.Content
		}
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("memory model: %w", err)
	}

	ops, err := parseOps(content)
	if err != nil {
		return nil, err
	}

	var changed []Memory
	for _, op := range ops {
		switch op.Action {
		case "add":
			if op.Content == "" {
				continue
			}
			stored, err := m.store.Upsert(ctx, Memory{UserID: userID, Content: op.Content, Topics: op.Topics})
			if err != nil {
				return changed, err
			}
			changed = append(changed, *stored)
		case "update":
			if op.ID == "" || op.Content == "" {
				continue
			}
			stored, err := m.store.Upsert(ctx, Memory{ID: op.ID, UserID: userID, Content: op.Content, Topics: op.Topics})
			if err != nil {
				return changed, err
			}
			changed = append(changed, *stored)
		case "delete":
			if op.ID == "" {
				continue
			}
			if err := m.store.Delete(ctx, userID, op.ID); err != nil && err != ErrNotFound {
				return changed, err
			}
		default:
			m.logger.Warn("memory.manager.unknown_action", "action", op.Action)
		}
	}
	return changed, nil
}

// Search returns up to limit memories relevant to the query.
func (m *Manager) Search(ctx context.Context, userID, query string, limit int) ([]Memory, error) {
	return m.store.Search(ctx, userID, query, limit)
}

// RenderContext renders a user's memories as a prompt block, or "" when the
// user has none.
func (m *Manager) RenderContext(ctx context.Context, userID string) (string, error) {
	memories, err := m.store.List(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(memories) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("<user_memories>\n")
	for _, mem := range memories {
		sb.WriteString("- ")
		sb.WriteString(mem.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("</user_memories>")
	return sb.String(), nil
}

func renderUpdatePrompt(existing []Memory, messages []run.Message) (string, error) {
	var sb strings.Builder

	sb.WriteString("Existing memories:\n")
	if len(existing) == 0 {
		sb.WriteString("(none)\n")
	} else {
		raw, err := json.Marshal(existing)
		if err != nil {
			return "", err
		}
		sb.Write(raw)
		sb.WriteString("\n")
	}

	sb.WriteString("\nConversation:\n")
	for _, msg := range messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	return sb.String(), nil
}

// parseOps tolerates models that wrap the JSON array in a code fence.
func parseOps(content string) ([]memoryOp, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}

	var ops []memoryOp
	if err := json.Unmarshal([]byte(content), &ops); err != nil {
		return nil, fmt.Errorf("parse memory operations: %w", err)
	}
	return ops, nil
}
