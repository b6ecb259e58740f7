// Package memory provides long-term user memory: durable facts extracted
// from conversations, keyed by user id and searchable at run time.
package memory

import (
	"context"
	"fmt"
	"time"
)

// ErrNotFound is returned when a memory id does not exist for the user.
var ErrNotFound = fmt.Errorf("memory not found")

// Memory is one durable fact about a user.
type Memory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Topics    []string  `json:"topics,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists user memories. Implementations must be safe for concurrent
// use.
type Store interface {
	// Get returns the memory with the given id, or ErrNotFound.
	Get(ctx context.Context, userID, memoryID string) (*Memory, error)

	// List returns all memories of a user in insertion order.
	List(ctx context.Context, userID string) ([]Memory, error)

	// Search returns up to limit memories matching the query.
	Search(ctx context.Context, userID, query string, limit int) ([]Memory, error)

	// Upsert inserts or replaces a memory. A missing ID is assigned by the
	// store; CreatedAt/UpdatedAt are maintained by the store.
	Upsert(ctx context.Context, m Memory) (*Memory, error)

	// Delete removes a memory, returning ErrNotFound if absent.
	Delete(ctx context.Context, userID, memoryID string) error

	// Clear removes all memories of a user.
	Clear(ctx context.Context, userID string) error
}
