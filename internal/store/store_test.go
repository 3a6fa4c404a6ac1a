package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*Store, *TaskSink) {
	s := New(NewMemoryBackend())
	return s, s.TaskSink()
}

func TestApplyAssign_CreatesRecord(t *testing.T) {
	_, sink := newTestStore()

	err := sink.ApplyAssign("task-1", "node-a", "alpine", []string{"echo", "hi"}, 100, "op-1")
	require.NoError(t, err)

	rec, ok, err := sink.Get("task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Assigned, rec.Status)
	assert.Equal(t, "node-a", rec.AssignedNode)
}

func TestApplyStatus_ForwardTransitionAccepted(t *testing.T) {
	_, sink := newTestStore()
	require.NoError(t, sink.ApplyAssign("task-1", "node-a", "alpine", nil, 100, "op-1"))

	err := sink.ApplyStatus("task-1", Running, 200, "op-2")
	require.NoError(t, err)

	rec, _, _ := sink.Get("task-1")
	assert.Equal(t, Running, rec.Status)
}

func TestApplyStatus_BackwardTransitionRejected(t *testing.T) {
	_, sink := newTestStore()
	require.NoError(t, sink.ApplyAssign("task-1", "node-a", "alpine", nil, 100, "op-1"))
	require.NoError(t, sink.ApplyStatus("task-1", Completed, 200, "op-2"))

	err := sink.ApplyStatus("task-1", Running, 300, "op-3")
	require.NoError(t, err)

	rec, _, _ := sink.Get("task-1")
	assert.Equal(t, Completed, rec.Status, "a later-timestamped but logically-backward transition must not regress status")
}

func TestApplyDecided_TieBreakByTimestamp(t *testing.T) {
	_, sink := newTestStore()
	require.NoError(t, sink.ApplyAssign("task-1", "node-a", "alpine", nil, 100, "op-1"))

	err := sink.ApplyReassign("task-1", "node-b", 50, "op-0")
	require.NoError(t, err)

	rec, _, _ := sink.Get("task-1")
	assert.Equal(t, "node-a", rec.AssignedNode, "an earlier-timestamped write must lose to the existing later write")
}

func TestApplyDecided_TieBreakByOpIDOnEqualTimestamp(t *testing.T) {
	_, sink := newTestStore()
	require.NoError(t, sink.ApplyAssign("task-1", "node-a", "alpine", nil, 100, "op-aaa"))

	err := sink.ApplyReassign("task-1", "node-b", 100, "op-zzz")
	require.NoError(t, err)

	rec, _, _ := sink.Get("task-1")
	assert.Equal(t, "node-b", rec.AssignedNode, "on equal timestamps the lexicographically greater op_id must win")
}

func TestApplyDecided_LosingOpIDDoesNotOverwrite(t *testing.T) {
	_, sink := newTestStore()
	require.NoError(t, sink.ApplyAssign("task-1", "node-a", "alpine", nil, 100, "op-zzz"))

	err := sink.ApplyReassign("task-1", "node-b", 100, "op-aaa")
	require.NoError(t, err)

	rec, _, _ := sink.Get("task-1")
	assert.Equal(t, "node-a", rec.AssignedNode)
}

func TestRange_ReturnsSortedByTaskID(t *testing.T) {
	s, sink := newTestStore()
	require.NoError(t, sink.ApplyAssign("task-b", "node-a", "alpine", nil, 100, "op-1"))
	require.NoError(t, sink.ApplyAssign("task-a", "node-a", "alpine", nil, 100, "op-2"))

	records, err := s.Range()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "task-a", records[0].TaskID)
	assert.Equal(t, "task-b", records[1].TaskID)
}

func TestGet_UnknownTask(t *testing.T) {
	_, sink := newTestStore()
	_, ok, err := sink.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}
