package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a process-local Store. Search is a case-insensitive
// substring scan over content and topics; swap in a vector-backed store for
// semantic retrieval. Returned memories are copies so callers cannot mutate
// internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	memories map[string]map[string]Memory // userID -> memoryID -> memory
	order    map[string][]string          // userID -> insertion order
}

// NewInMemoryStore constructs an empty in-memory memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		memories: make(map[string]map[string]Memory),
		order:    make(map[string][]string),
	}
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, userID, memoryID string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[userID][memoryID]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneMemory(m)
	return &c, nil
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context, userID string) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[userID]
	result := make([]Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.memories[userID][id]; ok {
			result = append(result, cloneMemory(m))
		}
	}
	return result, nil
}

// Search implements Store.
func (s *InMemoryStore) Search(_ context.Context, userID, query string, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	results := make([]Memory, 0, limit)
	for _, id := range s.order[userID] {
		if limit > 0 && len(results) >= limit {
			break
		}
		m, ok := s.memories[userID][id]
		if !ok {
			continue
		}
		if needle == "" || matchesMemory(m, needle) {
			results = append(results, cloneMemory(m))
		}
	}
	return results, nil
}

// Upsert implements Store.
func (s *InMemoryStore) Upsert(_ context.Context, m Memory) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.memories[m.UserID] == nil {
		s.memories[m.UserID] = make(map[string]Memory)
	}

	now := time.Now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if existing, ok := s.memories[m.UserID][m.ID]; ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
		s.order[m.UserID] = append(s.order[m.UserID], m.ID)
	}
	m.UpdatedAt = now

	s.memories[m.UserID][m.ID] = cloneMemory(m)
	c := cloneMemory(m)
	return &c, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(_ context.Context, userID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[userID][memoryID]; !ok {
		return ErrNotFound
	}
	delete(s.memories[userID], memoryID)
	ids := s.order[userID]
	for i, id := range ids {
		if id == memoryID {
			s.order[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Clear implements Store.
func (s *InMemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, userID)
	delete(s.order, userID)
	return nil
}

func matchesMemory(m Memory, needle string) bool {
	if strings.Contains(strings.ToLower(m.Content), needle) {
		return true
	}
	for _, t := range m.Topics {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}

func cloneMemory(m Memory) Memory {
	c := m
	if m.Topics != nil {
		c.Topics = append([]string(nil), m.Topics...)
	}
	return c
}
