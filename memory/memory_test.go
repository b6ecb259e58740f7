package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/run"
)

func TestInMemoryStoreUpsertAndGet(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	stored, err := store.Upsert(ctx, Memory{UserID: "alice", Content: "prefers dark mode", Topics: []string{"ui"}})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())

	got, err := store.Get(ctx, "alice", stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "prefers dark mode", got.Content)

	_, err = store.Get(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "bob", stored.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreUpdatePreservesCreatedAt(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	first, err := store.Upsert(ctx, Memory{UserID: "alice", Content: "v1"})
	require.NoError(t, err)

	second, err := store.Upsert(ctx, Memory{ID: first.ID, UserID: "alice", Content: "v2"})
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "v2", second.Content)

	list, err := store.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInMemoryStoreSearch(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_, err := store.Upsert(ctx, Memory{UserID: "alice", Content: "Works at ACME Corp", Topics: []string{"job"}})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, Memory{UserID: "alice", Content: "Allergic to peanuts", Topics: []string{"health"}})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, Memory{UserID: "alice", Content: "Enjoys hiking", Topics: []string{"hobby"}})
	require.NoError(t, err)

	byContent, err := store.Search(ctx, "alice", "acme", 10)
	require.NoError(t, err)
	require.Len(t, byContent, 1)
	assert.Equal(t, "Works at ACME Corp", byContent[0].Content)

	byTopic, err := store.Search(ctx, "alice", "health", 10)
	require.NoError(t, err)
	require.Len(t, byTopic, 1)

	limited, err := store.Search(ctx, "alice", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestInMemoryStoreDeleteAndClear(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	m, err := store.Upsert(ctx, Memory{UserID: "alice", Content: "temp"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "alice", m.ID))
	assert.ErrorIs(t, store.Delete(ctx, "alice", m.ID), ErrNotFound)

	_, err = store.Upsert(ctx, Memory{UserID: "alice", Content: "another"})
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx, "alice"))

	list, err := store.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManagerUpdateAppliesOperations(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	existing, err := store.Upsert(ctx, Memory{UserID: "alice", Content: "uses Go"})
	require.NoError(t, err)
	stale, err := store.Upsert(ctx, Memory{UserID: "alice", Content: "still on-call"})
	require.NoError(t, err)

	m := model.NewMockModel()
	m.EnqueueTurn(model.MockTurn{Content: "```json\n[" +
		`{"action":"add","content":"lives in Berlin","topics":["location"]},` +
		`{"action":"update","id":"` + existing.ID + `","content":"uses Go and Rust"},` +
		`{"action":"delete","id":"` + stale.ID + `"}` +
		"]\n```"})

	mgr := NewManager(store, m)
	changed, err := mgr.Update(ctx, "alice", []run.Message{
		{Role: "user", Content: "I moved to Berlin and started learning Rust."},
	})
	require.NoError(t, err)
	assert.Len(t, changed, 2)

	list, err := store.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "uses Go and Rust", list[0].Content)
	assert.Equal(t, "lives in Berlin", list[1].Content)
}

func TestManagerUpdateEmptyOps(t *testing.T) {
	m := model.NewMockModel()
	m.EnqueueTurn(model.MockTurn{Content: "[]"})

	mgr := NewManager(NewInMemoryStore(), m)
	changed, err := mgr.Update(context.Background(), "alice", []run.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestManagerRenderContext(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	mgr := NewManager(store, model.NewMockModel())

	block, err := mgr.RenderContext(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, block)

	_, err = store.Upsert(ctx, Memory{UserID: "alice", Content: "prefers short answers"})
	require.NoError(t, err)

	block, err = mgr.RenderContext(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, block, "<user_memories>")
	assert.Contains(t, block, "prefers short answers")
}
