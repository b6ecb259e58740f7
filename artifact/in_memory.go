package artifact

import (
	"context"
	"sync"
)

// InMemoryStore is a volatile Store implementation keeping artifacts in a
// process-local map. It is safe for concurrent access and best suited for
// tests or ephemeral demo servers.
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string]Artifact // sessionID -> id -> artifact
	order     map[string][]string            // preserves insertion order per session
}

// NewInMemoryStore constructs an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		artifacts: make(map[string]map[string]Artifact),
		order:     make(map[string][]string),
	}
}

// Save stores (or overwrites) an artifact for a session.
func (s *InMemoryStore) Save(_ context.Context, sessionID string, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.artifacts[sessionID]
	if !ok {
		bucket = make(map[string]Artifact)
		s.artifacts[sessionID] = bucket
	}
	if _, exists := bucket[a.ID]; !exists {
		s.order[sessionID] = append(s.order[sessionID], a.ID)
	}
	bucket[a.ID] = a

	return nil
}

// Get retrieves an artifact by id.
func (s *InMemoryStore) Get(_ context.Context, sessionID, id string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.artifacts[sessionID][id]; ok {
		return a, nil
	}
	return Artifact{}, notFoundErr(sessionID, id)
}

// List returns all artifacts of a session in insertion order.
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[sessionID]
	result := make([]Artifact, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.artifacts[sessionID][id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// Delete removes an artifact. Deleting an unknown id is an error.
func (s *InMemoryStore) Delete(_ context.Context, sessionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.artifacts[sessionID]
	if !ok {
		return notFoundErr(sessionID, id)
	}
	if _, exists := bucket[id]; !exists {
		return notFoundErr(sessionID, id)
	}
	delete(bucket, id)

	ids := s.order[sessionID]
	for i, v := range ids {
		if v == id {
			s.order[sessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}
