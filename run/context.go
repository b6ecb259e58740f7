package run

import (
	"github.com/google/uuid"

	"github.com/hupe1980/agentos/artifact"
	"github.com/hupe1980/agentos/knowledge"
)

// Member is the minimal view of a team member (an agent or a nested team)
// needed by the resolver and the run context. Concrete member behavior
// (running, continuation) lives with the owning entity.
type Member interface {
	ID() string
	Name() string
	Description() string
}

// Context is the per-invocation scratch state of one run. It is created at
// run start, mutated by the resolver and by tools during execution, and
// discarded at run end; only the derived Output is persisted.
//
// Tools, Knowledge and Members stay nil when the owning entity configured
// static values; callers fall back to the entity's static configuration in
// that case.
type Context struct {
	RunID     string
	SessionID string
	UserID    string

	// SessionState is a mutable key/value map shared across tool calls
	// within one run and merged back into the session on completion.
	SessionState map[string]any

	// Resolved dynamic resources (set by the resolver for factory-backed
	// entities only).
	Tools     []any
	Knowledge knowledge.Knowledge
	Members   []Member

	// Input media attached to the run, available to tools that declare a
	// media requirement.
	Images []artifact.Artifact
	Files  []artifact.Artifact
}

// NewContext creates a run context with a fresh run id. Empty sessionID gets
// a generated one so session state always has a home.
func NewContext(sessionID, userID string) *Context {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Context{
		RunID:        uuid.NewString(),
		SessionID:    sessionID,
		UserID:       userID,
		SessionState: map[string]any{},
	}
}
