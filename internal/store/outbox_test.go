package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fibersync/internal/record"
)

func insertTask(t *testing.T, s *Store, entity, key string, op Operation) int64 {
	t.Helper()
	id, err := s.InsertTask(t.Context(), Task{
		Entity:    entity,
		RecordKey: key,
		Op:        op,
		Payload:   record.Row{"id": key},
		CreatedAt: testNow,
	})
	require.NoError(t, err)
	return id
}

func TestInsertAndGetTask(t *testing.T) {
	s := createTestStore(t)

	id := insertTask(t, s, "nodes", "n1", OpInsert)
	task, err := s.GetTask(t.Context(), id)
	require.NoError(t, err)

	assert.Equal(t, id, task.ID)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, OpInsert, task.Op)
	assert.Equal(t, record.Row{"id": "n1"}, task.Payload)
	assert.Zero(t, task.Attempts)
	assert.True(t, task.LastAttemptAt.IsZero())
	assert.Equal(t, testNow, task.CreatedAt)

	_, err = s.GetTask(t.Context(), 999)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = s.InsertTask(t.Context(), Task{Entity: "nodes", RecordKey: "x", Op: "upsert"})
	assert.Error(t, err)
}

func TestReadyHeadsKeepsPerRecordOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	a1 := insertTask(t, s, "nodes", "a", OpInsert)
	b1 := insertTask(t, s, "nodes", "b", OpUpdate)
	a2 := insertTask(t, s, "nodes", "a", OpUpdate)
	c1 := insertTask(t, s, "rings", "a", OpUpdate)

	heads, err := s.ReadyHeads(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1, b1, c1}, taskIDs(heads), "same key in another entity is independent")

	// While a1 is processing, nothing else for record a is ready.
	require.NoError(t, s.MarkProcessing(ctx, a1, testNow))
	heads, err = s.ReadyHeads(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{b1, c1}, taskIDs(heads))

	require.NoError(t, s.CompleteTask(ctx, a1, MirrorChange{}, testNow))
	heads, err = s.ReadyHeads(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{b1, a2, c1}, taskIDs(heads))

	heads, err = s.ReadyHeads(ctx, testNow, 2)
	require.NoError(t, err)
	assert.Len(t, heads, 2)
}

func TestFailedHeadBlocksRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	a1 := insertTask(t, s, "nodes", "a", OpUpdate)
	a2 := insertTask(t, s, "nodes", "a", OpUpdate)

	require.NoError(t, s.MarkProcessing(ctx, a1, testNow))
	require.NoError(t, s.FailTask(ctx, a1, "409 conflict"))

	heads, err := s.ReadyHeads(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Empty(t, heads)

	require.NoError(t, s.DiscardTask(ctx, a1))
	heads, err = s.ReadyHeads(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{a2}, taskIDs(heads))

	err = s.DiscardTask(ctx, a2)
	assert.ErrorIs(t, err, ErrTaskState, "only failed tasks can be discarded")
}

func TestBackoffGatesReadiness(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	id := insertTask(t, s, "nodes", "a", OpUpdate)
	require.NoError(t, s.MarkProcessing(ctx, id, testNow))
	next := testNow.Add(4 * time.Second)
	require.NoError(t, s.RescheduleTask(ctx, id, "timeout", next))

	heads, err := s.ReadyHeads(ctx, testNow, 0)
	require.NoError(t, err)
	assert.Empty(t, heads)

	at, ok, err := s.NextAttemptAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next, at)

	counts, err := s.CountTasks(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, TaskCounts{Pending: 1, Waiting: 1}, counts)

	heads, err = s.ReadyHeads(ctx, next, 0)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, 1, heads[0].Attempts)
	assert.Equal(t, "timeout", heads[0].Error)
}

func TestTaskTransitionsRequireState(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	id := insertTask(t, s, "nodes", "a", OpUpdate)

	assert.ErrorIs(t, s.FailTask(ctx, id, "x"), ErrTaskState)
	assert.ErrorIs(t, s.CompleteTask(ctx, id, MirrorChange{}, testNow), ErrTaskState)

	require.NoError(t, s.MarkProcessing(ctx, id, testNow))
	assert.ErrorIs(t, s.MarkProcessing(ctx, id, testNow), ErrTaskState)
	require.NoError(t, s.CompleteTask(ctx, id, MirrorChange{}, testNow))

	// success never returns to pending
	assert.ErrorIs(t, s.RescheduleTask(ctx, id, "x", testNow), ErrTaskState)
	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, task.Status)
}

func TestCompleteTaskAppliesMirrorChange(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	ins := insertTask(t, s, "nodes", "n1", OpInsert)
	require.NoError(t, s.MarkProcessing(ctx, ins, testNow))
	serverRow := record.Row{"id": "n1", "name": "Alpha", "updated_at": "2025-03-01T12:00:00Z"}
	require.NoError(t, s.CompleteTask(ctx, ins, MirrorChange{Entity: "nodes", Upsert: serverRow}, testNow))

	got, ok, err := s.Get(ctx, "nodes", "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, serverRow, got)

	del := insertTask(t, s, "nodes", "n1", OpDelete)
	require.NoError(t, s.MarkProcessing(ctx, del, testNow))
	require.NoError(t, s.CompleteTask(ctx, del, MirrorChange{Entity: "nodes", DeleteKey: "n1"}, testNow))

	_, ok, err = s.Get(ctx, "nodes", "n1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteTaskRollsBackOnMirrorError(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	id := insertTask(t, s, "nodes", "n1", OpInsert)
	require.NoError(t, s.MarkProcessing(ctx, id, testNow))

	err := s.CompleteTask(ctx, id, MirrorChange{Entity: "nodes", Upsert: record.Row{"name": "no key"}}, testNow)
	require.Error(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, task.Status, "task stays processing when the mirror write fails")
}

func TestRecoverProcessing(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	id := insertTask(t, s, "nodes", "a", OpUpdate)
	require.NoError(t, s.MarkProcessing(ctx, id, testNow))

	n, err := s.RecoverProcessing(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
}

func TestPruneSucceeded(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	old := insertTask(t, s, "nodes", "a", OpUpdate)
	require.NoError(t, s.MarkProcessing(ctx, old, testNow))
	require.NoError(t, s.CompleteTask(ctx, old, MirrorChange{}, testNow))

	recent := insertTask(t, s, "nodes", "b", OpUpdate)
	require.NoError(t, s.MarkProcessing(ctx, recent, testNow.Add(2*time.Hour)))
	require.NoError(t, s.CompleteTask(ctx, recent, MirrorChange{}, testNow.Add(2*time.Hour)))

	pending := insertTask(t, s, "nodes", "c", OpUpdate)

	n, err := s.PruneSucceeded(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{recent, pending}, taskIDs(tasks))

	tasks, err = s.ListTasks(ctx, StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, []int64{recent}, taskIDs(tasks))
}

func TestRetryTaskKeepsReplayPosition(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	v2 := insertTask(t, s, "nodes", "a", OpUpdate)
	v3 := insertTask(t, s, "nodes", "a", OpUpdate)
	require.NoError(t, s.MarkProcessing(ctx, v2, testNow))
	require.NoError(t, s.FailTask(ctx, v2, "422"))

	_, err := s.RetryTask(ctx, v3, testNow)
	assert.ErrorIs(t, err, ErrTaskState, "only failed tasks can be retried")
	_, err = s.RetryTask(ctx, 999, testNow)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	retried, err := s.RetryTask(ctx, v2, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Greater(t, retried, v3)

	_, err = s.GetTask(ctx, v2)
	assert.ErrorIs(t, err, ErrTaskNotFound, "the failed task is replaced")

	task, err := s.GetTask(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Zero(t, task.Attempts)
	assert.Equal(t, v2, task.RetryOf)
	assert.Equal(t, v2, task.Seq)
	assert.Equal(t, testNow.Add(time.Minute), task.CreatedAt)

	heads, err := s.ReadyHeads(ctx, testNow.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{retried}, taskIDs(heads), "retry replays before the task queued behind the original")

	pending, err := s.PendingFor(ctx, "nodes")
	require.NoError(t, err)
	assert.Equal(t, []int64{retried, v3}, taskIDs(pending))
}

func TestPendingFor(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	a := insertTask(t, s, "nodes", "a", OpUpdate)
	insertTask(t, s, "rings", "r", OpUpdate)
	b := insertTask(t, s, "nodes", "b", OpInsert)
	require.NoError(t, s.MarkProcessing(ctx, b, testNow))
	c := insertTask(t, s, "nodes", "c", OpUpdate)
	require.NoError(t, s.MarkProcessing(ctx, c, testNow))
	require.NoError(t, s.FailTask(ctx, c, "bad"))

	tasks, err := s.PendingFor(ctx, "nodes")
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b}, taskIDs(tasks))
}

func taskIDs(tasks []Task) []int64 {
	out := make([]int64, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
