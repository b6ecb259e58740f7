package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentos/run"
)

// InMemoryStore is a volatile Store keeping sessions in a process-local map.
// Safe for concurrent access; returned sessions are clones so callers cannot
// mutate internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// Get implements Store; missing sessions are created lazily.
func (s *InMemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(sessionID, "").Clone(), nil
}

// Create implements Store.
func (s *InMemoryStore) Create(_ context.Context, sessionID, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := NewSession(sessionID, userID)
	s.sessions[sessionID] = sess
	return sess.Clone(), nil
}

// UpsertRun implements Store.
func (s *InMemoryStore) UpsertRun(_ context.Context, sessionID string, output *run.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(sessionID, output.UserID)
	if sess.UserID == "" {
		sess.UserID = output.UserID
	}

	for i, existing := range sess.Runs {
		if existing.RunID == output.RunID {
			// Replace in place; metrics absorb the delta so pause/resume
			// cycles never double count.
			sess.Metrics.InputTokens += output.Metrics.InputTokens - existing.Metrics.InputTokens
			sess.Metrics.OutputTokens += output.Metrics.OutputTokens - existing.Metrics.OutputTokens
			sess.Metrics.TotalTokens = sess.Metrics.InputTokens + sess.Metrics.OutputTokens
			sess.Metrics.Duration += output.Metrics.Duration - existing.Metrics.Duration
			sess.Runs[i] = output
			sess.UpdatedAt = time.Now()
			return nil
		}
	}

	sess.Runs = append(sess.Runs, output)
	sess.Metrics.Merge(output.Metrics)
	sess.UpdatedAt = time.Now()
	return nil
}

// ApplyStateDelta implements Store.
func (s *InMemoryStore) ApplyStateDelta(_ context.Context, sessionID string, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(sessionID, "").MergeState(delta)
	return nil
}

// History implements Store.
func (s *InMemoryStore) History(_ context.Context, sessionID string, numRuns int) ([]*run.Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return []*run.Output{}, nil
	}
	runs := sess.Runs
	if numRuns > 0 && len(runs) > numRuns {
		runs = runs[len(runs)-numRuns:]
	}
	return append([]*run.Output(nil), runs...), nil
}

// SearchRuns implements Searcher with case-insensitive substring matching
// over the user and assistant messages of each run.
func (s *InMemoryStore) SearchRuns(_ context.Context, userID, query string, limit int) ([]*run.Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 3
	}
	needle := strings.ToLower(query)

	var matches []*run.Output
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		for _, out := range sess.Runs {
			for _, msg := range out.Messages {
				if msg.Role != "user" && msg.Role != "assistant" {
					continue
				}
				if strings.Contains(strings.ToLower(msg.Content), needle) {
					matches = append(matches, out)
					break
				}
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) getOrCreateLocked(sessionID, userID string) *Session {
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	sess := NewSession(sessionID, userID)
	s.sessions[sessionID] = sess
	return sess
}
