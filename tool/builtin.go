package tool

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentos/knowledge"
)

// KnowledgeSearchOptions configures NewKnowledgeSearchTool.
type KnowledgeSearchOptions struct {
	// Retriever takes precedence over the generic knowledge search path
	// when set.
	Retriever knowledge.Retriever

	// AgenticFilters lets the model supply structured metadata filters.
	AgenticFilters bool

	// Limit caps returned documents (5 by default).
	Limit int
}

// NewKnowledgeSearchTool builds the framework knowledge-search function. All
// retrieval routes through a single path that prefers a custom retriever
// over the generic knowledge capability.
func NewKnowledgeSearchTool(k knowledge.Knowledge, optFns ...func(o *KnowledgeSearchOptions)) *Function {
	opts := KnowledgeSearchOptions{Limit: 5}
	for _, fn := range optFns {
		fn(&opts)
	}

	properties := map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "The search query to run against the knowledge base",
		},
	}
	if opts.AgenticFilters {
		properties["filters"] = map[string]any{
			"type":        "object",
			"description": "Optional metadata filters as exact-match key/value pairs",
		}
	}

	handler := func(tc *Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return nil, fmt.Errorf("missing required field 'query'")
		}

		var filters map[string]string
		if opts.AgenticFilters {
			if raw, ok := args["filters"].(map[string]any); ok {
				filters = make(map[string]string, len(raw))
				for key, value := range raw {
					filters[key] = fmt.Sprintf("%v", value)
				}
			}
		}

		var (
			docs []knowledge.Document
			err  error
		)
		if opts.Retriever != nil {
			docs, err = opts.Retriever(tc.Context(), query, opts.Limit, filters)
		} else {
			docs, err = k.Retrieve(tc.Context(), query, opts.Limit, filters)
		}
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(docs)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}

	return MustNew(
		"search_knowledge_base",
		"Search the knowledge base for documents relevant to a query. Use this to ground answers in stored knowledge.",
		handler,
		func(o *Options) {
			o.Parameters = map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   []any{"query"},
			}
		},
	)
}

// NewUpdateKnowledgeTool builds the framework knowledge-write function for
// entities with update-knowledge enabled.
func NewUpdateKnowledgeTool(w knowledge.Writable) *Function {
	handler := func(tc *Context, args map[string]any) (any, error) {
		content, _ := args["content"].(string)
		if content == "" {
			return nil, fmt.Errorf("missing required field 'content'")
		}
		id, _ := args["id"].(string)
		if id == "" {
			id = fmt.Sprintf("doc-%s-%s", tc.RunID, tc.CallID)
		}

		if err := w.Add(tc.Context(), knowledge.Document{ID: id, Content: content}); err != nil {
			return nil, err
		}
		return map[string]any{"stored": true, "id": id}, nil
	}

	return MustNew(
		"update_knowledge_base",
		"Store new information in the knowledge base for later retrieval.",
		handler,
		func(o *Options) {
			o.Parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{"type": "string", "description": "The information to store"},
					"id":      map[string]any{"type": "string", "description": "Optional stable document id"},
				},
				"required": []any{"content"},
			}
		},
	)
}

// NewSessionStateTool builds the framework session-state update function for
// entities with agentic state enabled. Mutations are visible to subsequent
// tool calls in the same run and merged into the session on completion.
func NewSessionStateTool() *Function {
	handler := func(tc *Context, args map[string]any) (any, error) {
		key, _ := args["key"].(string)
		if key == "" {
			return nil, fmt.Errorf("missing required field 'key'")
		}
		value, ok := args["value"]
		if !ok {
			return nil, fmt.Errorf("missing required field 'value'")
		}
		tc.SetState(key, value)
		return map[string]any{"updated": true, "key": key}, nil
	}

	return MustNew(
		"update_session_state",
		"Store a key/value pair in the shared session state.",
		handler,
		func(o *Options) {
			o.Parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":   map[string]any{"type": "string", "description": "State key"},
					"value": map[string]any{"description": "Value to store"},
				},
				"required": []any{"key"},
			}
		},
	)
}

// HistoryProvider renders recent conversation history for the model.
type HistoryProvider func(tc *Context, numRuns int) (string, error)

// HistorySearchProvider searches conversation history across the user's
// sessions and renders the matches for the model.
type HistorySearchProvider func(tc *Context, query string, limit int) (string, error)

// NewHistorySearchTool builds the framework cross-session history search
// function. Unlike get_chat_history it is not bound to the current session:
// it scans all sessions of the run's user.
func NewHistorySearchTool(provider HistorySearchProvider) *Function {
	handler := func(tc *Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return nil, fmt.Errorf("missing required field 'query'")
		}
		limit := 3
		if v, ok := args["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		return provider(tc, query, limit)
	}

	return MustNew(
		"search_session_history",
		"Search conversations from the user's earlier sessions for messages matching a query.",
		handler,
		func(o *Options) {
			o.Parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Text to search past conversations for"},
					"limit": map[string]any{"type": "integer", "description": "Maximum number of matching runs to return"},
				},
				"required": []any{"query"},
			}
		},
	)
}

// NewChatHistoryTool builds the framework history-lookup function backed by
// the entity's session store.
func NewChatHistoryTool(provider HistoryProvider) *Function {
	handler := func(tc *Context, args map[string]any) (any, error) {
		numRuns := 3
		if v, ok := args["num_runs"].(float64); ok && v > 0 {
			numRuns = int(v)
		}
		return provider(tc, numRuns)
	}

	return MustNew(
		"get_chat_history",
		"Retrieve messages from earlier runs in this session.",
		handler,
		func(o *Options) {
			o.Parameters = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"num_runs": map[string]any{"type": "integer", "description": "How many previous runs to include"},
				},
			}
		},
	)
}
