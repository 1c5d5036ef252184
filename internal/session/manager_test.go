package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlinehq/redline/internal/review"
)

func TestSaveDerivesStatus(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil)
	ctx := context.Background()

	s := review.NewState("t1")
	s.GraphRunID = "run_1"
	s.NextNode = review.NodeClauseAnalyze
	require.NoError(t, m.Save(ctx, s))
	row, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusReviewing, row.Status)
	assert.False(t, row.IsInterrupted)
	assert.Equal(t, "run_1", row.GraphRunID)

	s.NextNode = review.NodeHumanApproval
	s.CurrentClauseID = "14.2"
	require.NoError(t, m.Save(ctx, s))
	row, _ = store.Get(ctx, "t1")
	assert.Equal(t, StatusInterrupted, row.Status)
	assert.True(t, row.IsInterrupted)
	assert.Equal(t, "14.2", row.CurrentClauseID)

	s.IsComplete = true
	s.NextNode = review.NodeEnd
	require.NoError(t, m.Save(ctx, s))
	row, _ = store.Get(ctx, "t1")
	assert.Equal(t, StatusCompleted, row.Status)
	assert.True(t, row.IsComplete)

	s.Error = "graph blew up"
	require.NoError(t, m.Save(ctx, s))
	row, _ = store.Get(ctx, "t1")
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, "graph blew up", row.Error)
}

func TestLoadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil)
	ctx := context.Background()

	s := review.NewState("t2")
	s.NextNode = review.NodeHumanApproval
	s.CurrentClauseIndex = 1
	s.CurrentClauseID = "14.2"
	s.PendingDiffs = []review.Diff{{DiffID: "diff_1", ClauseID: "14.2", Status: review.DiffPending}}
	s.UserDecisions = map[string]string{}
	require.NoError(t, m.Save(ctx, s))

	got, resumable, err := m.Load(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, resumable)
	assert.Equal(t, "t2", got.TaskID)
	assert.Equal(t, review.NodeHumanApproval, got.NextNode)
	assert.Equal(t, 1, got.CurrentClauseIndex)
	require.Len(t, got.PendingDiffs, 1)
	assert.Equal(t, "diff_1", got.PendingDiffs[0].DiffID)
}

func TestLoadMissing(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	_, _, err := m.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadTruncatedSkeleton(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil)
	ctx := context.Background()

	skeleton, _ := json.Marshal(map[string]any{
		"__truncated__":    true,
		"task_id":          "t3",
		"next_node":        "human_approval",
		"review_checklist": []map[string]any{{"clause_id": "14.2", "priority": "medium"}},
	})
	require.NoError(t, store.Upsert(ctx, Row{TaskID: "t3", Status: StatusInterrupted, GraphState: skeleton}))

	got, resumable, err := m.Load(ctx, "t3")
	require.NoError(t, err)
	assert.True(t, resumable)
	assert.Equal(t, review.NodeHumanApproval, got.NextNode)

	// Without the checklist the resume must be abandoned.
	bare, _ := json.Marshal(map[string]any{"__truncated__": true, "task_id": "t4"})
	require.NoError(t, store.Upsert(ctx, Row{TaskID: "t4", Status: StatusInterrupted, GraphState: bare}))
	got, resumable, err = m.Load(ctx, "t4")
	require.NoError(t, err)
	assert.False(t, resumable)
	assert.Equal(t, "t4", got.TaskID)
}

func TestListActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	state, _ := json.Marshal(map[string]any{"task_id": "x"})
	for task, st := range map[string]Status{
		"a": StatusReviewing,
		"b": StatusInterrupted,
		"c": StatusCompleted,
		"d": StatusFailed,
	} {
		require.NoError(t, store.Upsert(ctx, Row{TaskID: task, Status: st, GraphState: state}))
	}

	active, err := NewManager(store, nil).ListActive(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, row := range active {
		ids[row.TaskID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, ids)
}

func TestMarkTerminal(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Row{TaskID: "t5", Status: StatusReviewing}))
	require.NoError(t, m.MarkCompleted(ctx, "t5"))
	row, _ := store.Get(ctx, "t5")
	assert.Equal(t, StatusCompleted, row.Status)
	assert.True(t, row.IsComplete)
	require.NotNil(t, row.CompletedAt)

	require.NoError(t, store.Upsert(ctx, Row{TaskID: "t6", Status: StatusReviewing}))
	require.NoError(t, m.MarkFailed(ctx, "t6", "ingestion interrupted"))
	row, _ = store.Get(ctx, "t6")
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, "ingestion interrupted", row.Error)

	assert.ErrorIs(t, m.MarkCompleted(ctx, "ghost"), ErrNotFound)
}
