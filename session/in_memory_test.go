package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentos/run"
)

func TestGetCreatesLazily(t *testing.T) {
	store := NewInMemoryStore()

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Empty(t, sess.Runs)
}

func TestGetReturnsClone(t *testing.T) {
	store := NewInMemoryStore()

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	sess.State["injected"] = true

	again, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.NotContains(t, again.State, "injected")
}

func TestUpsertRunAppendsAndMergesMetrics(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertRun(ctx, "sess-1", &run.Output{
		RunID:   "run-1",
		UserID:  "alice",
		Status:  run.StatusCompleted,
		Metrics: &run.Metrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}))
	require.NoError(t, store.UpsertRun(ctx, "sess-1", &run.Output{
		RunID:   "run-2",
		Status:  run.StatusCompleted,
		Metrics: &run.Metrics{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
	}))

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.UserID)
	assert.Len(t, sess.Runs, 2)
	assert.Equal(t, 11, sess.Metrics.InputTokens)
	assert.Equal(t, 6, sess.Metrics.OutputTokens)
	assert.Equal(t, 17, sess.Metrics.TotalTokens)
}

func TestUpsertRunAbsorbsMetricsDelta(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	// A pause/resume cycle persists the same run twice with growing metrics.
	require.NoError(t, store.UpsertRun(ctx, "sess-1", &run.Output{
		RunID:   "run-1",
		Status:  run.StatusPaused,
		Metrics: &run.Metrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}))
	require.NoError(t, store.UpsertRun(ctx, "sess-1", &run.Output{
		RunID:   "run-1",
		Status:  run.StatusCompleted,
		Metrics: &run.Metrics{InputTokens: 14, OutputTokens: 8, TotalTokens: 22},
	}))

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, sess.Runs, 1)
	assert.Equal(t, run.StatusCompleted, sess.Runs[0].Status)
	assert.Equal(t, 14, sess.Metrics.InputTokens)
	assert.Equal(t, 8, sess.Metrics.OutputTokens)
	assert.Equal(t, 22, sess.Metrics.TotalTokens)
}

func TestApplyStateDelta(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.ApplyStateDelta(ctx, "sess-1", map[string]any{"theme": "dark"}))
	require.NoError(t, store.ApplyStateDelta(ctx, "sess-1", map[string]any{"lang": "de"}))

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "dark", sess.State["theme"])
	assert.Equal(t, "de", sess.State["lang"])
}

func TestHistoryBounds(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, store.UpsertRun(ctx, "sess-1", &run.Output{
			RunID:   id,
			Status:  run.StatusCompleted,
			Metrics: &run.Metrics{},
		}))
	}

	last2, err := store.History(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "run-2", last2[0].RunID)
	assert.Equal(t, "run-3", last2[1].RunID)

	all, err := store.History(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.History(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchRuns(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	seed := func(sessionID, userID, content string) {
		require.NoError(t, store.UpsertRun(ctx, sessionID, &run.Output{
			RunID:     sessionID + "-run",
			SessionID: sessionID,
			UserID:    userID,
			Status:    run.StatusCompleted,
			Metrics:   &run.Metrics{},
			Messages: []run.Message{
				{Role: "user", Content: content},
				{Role: "assistant", Content: "noted"},
			},
		}))
	}

	seed("sess-1", "alice", "my favourite colour is Teal")
	seed("sess-2", "alice", "remind me about the budget meeting")
	seed("sess-3", "bob", "teal is my favourite too")

	// Matching is case-insensitive and scoped to the user.
	matches, err := store.SearchRuns(ctx, "alice", "teal", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "sess-1-run", matches[0].RunID)

	matches, err = store.SearchRuns(ctx, "alice", "", 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1, "limit bounds the result set")

	matches, err = store.SearchRuns(ctx, "carol", "teal", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDelete(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_, err := store.Create(ctx, "sess-1", "alice")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "sess-1"))
	assert.ErrorIs(t, store.Delete(ctx, "sess-1"), ErrNotFound)
}
