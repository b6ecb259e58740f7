package agent

import (
	"fmt"
	"strings"

	"github.com/hupe1980/agentos/knowledge"
	"github.com/hupe1980/agentos/memory"
	"github.com/hupe1980/agentos/session"
	"github.com/hupe1980/agentos/tool"
)

// frameworkTools returns the built-in functions enabled by the agent's
// configuration, using the effective knowledge capability of this run.
func (a *Agent) frameworkTools(kn knowledge.Knowledge) []tool.Entry {
	var entries []tool.Entry

	if kn != nil && a.searchKnowledge {
		entries = append(entries, tool.NewKnowledgeSearchTool(kn, func(o *tool.KnowledgeSearchOptions) {
			o.Retriever = a.retriever
			o.AgenticFilters = a.agenticKnowledgeFilters
		}))
	}
	if a.updateKnowledge {
		if w, ok := kn.(knowledge.Writable); ok {
			entries = append(entries, tool.NewUpdateKnowledgeTool(w))
		} else {
			a.logger.Warn("agent.knowledge.not_writable", "agent", a.id)
		}
	}

	if a.agenticState {
		entries = append(entries, tool.NewSessionStateTool())
	}

	if a.agenticHistory && a.sessionStore != nil {
		entries = append(entries, tool.NewChatHistoryTool(a.historyProvider()))
	}

	if a.searchHistory && a.sessionStore != nil {
		if searcher, ok := a.sessionStore.(session.Searcher); ok {
			entries = append(entries, tool.NewHistorySearchTool(a.historySearchProvider(searcher)))
		} else {
			a.logger.Warn("agent.history.store_not_searchable", "agent", a.id)
		}
	}

	if a.agenticMemory && a.memoryManager != nil {
		entries = append(entries, newMemoryTool(a.memoryManager))
	}

	return entries
}

// historyProvider renders prior session runs for the chat-history tool.
func (a *Agent) historyProvider() tool.HistoryProvider {
	return func(tc *tool.Context, numRuns int) (string, error) {
		history, err := a.sessionStore.History(tc.Context(), tc.SessionID, numRuns)
		if err != nil {
			return "", err
		}

		var sb strings.Builder
		for _, prior := range history {
			if prior.RunID == tc.RunID {
				continue
			}
			for _, msg := range prior.Messages {
				if msg.Role != "user" && msg.Role != "assistant" {
					continue
				}
				fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
			}
		}
		if sb.Len() == 0 {
			return "No previous conversation history in this session.", nil
		}
		return sb.String(), nil
	}
}

// historySearchProvider renders matching runs from the user's other sessions
// for the cross-session history search tool.
func (a *Agent) historySearchProvider(searcher session.Searcher) tool.HistorySearchProvider {
	return func(tc *tool.Context, query string, limit int) (string, error) {
		if tc.UserID == "" {
			return "No user id on this run; cross-session search requires a user.", nil
		}
		outputs, err := searcher.SearchRuns(tc.Context(), tc.UserID, query, limit)
		if err != nil {
			return "", err
		}

		var sb strings.Builder
		for _, out := range outputs {
			if out.RunID == tc.RunID {
				continue
			}
			fmt.Fprintf(&sb, "[session %s]\n", out.SessionID)
			for _, msg := range out.Messages {
				if msg.Role != "user" && msg.Role != "assistant" {
					continue
				}
				fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
			}
		}
		if sb.Len() == 0 {
			return "No matching conversations found.", nil
		}
		return sb.String(), nil
	}
}

// newMemoryTool builds the agentic memory function: the model persists,
// updates and deletes user memories directly during the run.
func newMemoryTool(mgr *memory.Manager) *tool.Function {
	handler := func(tc *tool.Context, args map[string]any) (any, error) {
		if tc.UserID == "" {
			return nil, fmt.Errorf("no user id on this run; memories require a user")
		}

		action, _ := args["action"].(string)
		switch action {
		case "add", "update":
			content, _ := args["content"].(string)
			if content == "" {
				return nil, fmt.Errorf("missing required field 'content'")
			}
			id, _ := args["id"].(string)
			var topics []string
			if raw, ok := args["topics"].([]any); ok {
				for _, t := range raw {
					topics = append(topics, fmt.Sprintf("%v", t))
				}
			}
			stored, err := mgr.Store().Upsert(tc.Context(), memory.Memory{
				ID:      id,
				UserID:  tc.UserID,
				Content: content,
				Topics:  topics,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"stored": true, "id": stored.ID}, nil

		case "delete":
			id, _ := args["id"].(string)
			if id == "" {
				return nil, fmt.Errorf("missing required field 'id'")
			}
			if err := mgr.Store().Delete(tc.Context(), tc.UserID, id); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true, "id": id}, nil

		default:
			return nil, fmt.Errorf("unknown action %q", action)
		}
	}

	return tool.MustNew(
		"update_memory",
		"Add, update or delete a long-term memory about the user. Use this when the user shares durable facts, preferences or goals.",
		handler,
		func(o *tool.Options) {
			o.Parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":  map[string]any{"type": "string", "description": "One of add, update, delete"},
					"content": map[string]any{"type": "string", "description": "The memory content (add/update)"},
					"id":      map[string]any{"type": "string", "description": "Memory id (update/delete)"},
					"topics":  map[string]any{"type": "array", "description": "Optional topic tags"},
				},
				"required": []any{"action"},
			}
		},
	)
}
