// Package session persists conversation sessions: shared key/value state,
// the ordered run history and aggregated usage metrics.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/agentos/run"
)

// ErrNotFound is returned by Store methods requiring an existing session.
var ErrNotFound = fmt.Errorf("session not found")

// Session is one conversation: shared state plus the runs executed in it.
type Session struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	State     map[string]any `json:"state,omitempty"`
	Runs      []*run.Output  `json:"runs,omitempty"`
	Metrics   run.Metrics    `json:"metrics"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSession constructs an empty session.
func NewSession(id, userID string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		UserID:    userID,
		State:     make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep-enough copy: state map and run slice are copied, run
// outputs themselves are shared (they are immutable once persisted).
func (s *Session) Clone() *Session {
	c := *s
	c.State = make(map[string]any, len(s.State))
	for k, v := range s.State {
		c.State[k] = v
	}
	c.Runs = append([]*run.Output(nil), s.Runs...)
	return &c
}

// MergeState applies a key/value delta to the session state.
func (s *Session) MergeState(delta map[string]any) {
	if s.State == nil {
		s.State = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		s.State[k] = v
	}
	s.UpdatedAt = time.Now()
}

// Store persists sessions. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns an existing session or lazily creates an empty one.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Create forces creation (or reset) of a session.
	Create(ctx context.Context, sessionID, userID string) (*Session, error)

	// UpsertRun inserts or replaces a run output by run id, keeping the
	// history ordered by first insertion. Session metrics absorb the delta
	// between the old and new snapshot of the run.
	UpsertRun(ctx context.Context, sessionID string, output *run.Output) error

	// ApplyStateDelta merges a key/value delta into the session state.
	ApplyStateDelta(ctx context.Context, sessionID string, delta map[string]any) error

	// History returns the most recent numRuns run outputs in chronological
	// order; numRuns <= 0 returns the full history.
	History(ctx context.Context, sessionID string, numRuns int) ([]*run.Output, error)

	// Delete removes a session, returning ErrNotFound if absent.
	Delete(ctx context.Context, sessionID string) error
}

// Searcher is implemented by stores that can search run history across all
// sessions of one user. The cross-session history search tool requires it;
// entities fall back to same-session lookup when the store cannot search.
type Searcher interface {
	// SearchRuns returns up to limit runs owned by userID whose conversation
	// matches query, most recent first.
	SearchRuns(ctx context.Context, userID, query string, limit int) ([]*run.Output, error)
}
