// Package knowledge defines the retrieval capability exposed to agents and
// teams: a ranked document search over some document/vector store, usable
// both directly and as a model-facing search tool.
package knowledge

import (
	"context"
	"fmt"
	"strings"
)

// Document is one ranked retrieval result.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score,omitempty"`
}

// Knowledge is the capability contract a knowledge source must satisfy.
// Implementations must be safe for concurrent use; one instance may serve
// many concurrent runs.
type Knowledge interface {
	// Name identifies the knowledge source in prompts and logs.
	Name() string

	// Retrieve returns up to limit documents ranked by relevance to query.
	// Filters restrict candidates by exact metadata match and may be nil.
	Retrieve(ctx context.Context, query string, limit int, filters map[string]string) ([]Document, error)
}

// Writable is implemented by knowledge sources that accept new documents at
// run time (the update-knowledge framework tool requires it).
type Writable interface {
	Knowledge
	Add(ctx context.Context, docs ...Document) error
}

// Retriever is a custom retrieval function. When an entity configures one it
// takes precedence over the generic knowledge search path.
type Retriever func(ctx context.Context, query string, limit int, filters map[string]string) ([]Document, error)

// BuildContext renders retrieved documents into a prompt context block. It is
// shared by the knowledge search tool and by entities that inject references
// into the system prompt.
func BuildContext(ctx context.Context, k Knowledge, query string, limit int) (string, error) {
	docs, err := k.Retrieve(ctx, query, limit, nil)
	if err != nil {
		return "", fmt.Errorf("retrieve references: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("<references>\n")
	for _, doc := range docs {
		b.WriteString("<reference")
		if doc.ID != "" {
			fmt.Fprintf(&b, " id=%q", doc.ID)
		}
		b.WriteString(">\n")
		b.WriteString(doc.Content)
		b.WriteString("\n</reference>\n")
	}
	b.WriteString("</references>")

	return b.String(), nil
}
