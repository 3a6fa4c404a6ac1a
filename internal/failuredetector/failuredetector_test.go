package failuredetector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bftswarm/node/internal/registry"
	"github.com/bftswarm/node/internal/scheduling"
	"github.com/bftswarm/node/internal/store"
	"github.com/bftswarm/node/internal/wire"
)

type fakeProposer struct {
	mu  sync.Mutex
	ops []wire.Operation
}

func (p *fakeProposer) Propose(op wire.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
	return nil
}

func (p *fakeProposer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ops)
}

func (p *fakeProposer) first() wire.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ops[0]
}

func TestSweep_LiveToSuspectAfterTimeout(t *testing.T) {
	reg := registry.New()
	st := store.New(store.NewMemoryBackend())
	proposer := &fakeProposer{}

	now := time.Now()
	reg.UpsertOnHandshake("peer-1", "key", now.Add(-20*time.Second))

	d := New("self", reg, st, proposer, scheduling.AssignToSelf{}, 15*time.Second, 15*time.Second, time.Second, zap.NewNop())
	d.sweep()

	peer, _ := reg.Get("peer-1")
	assert.Equal(t, registry.Suspect, peer.Liveness)
	assert.Equal(t, 0, proposer.count(), "moving to Suspect alone must not yet propose FAIL_NODE")
}

func TestSweep_SuspectToDeadAfterGracePeriod(t *testing.T) {
	reg := registry.New()
	st := store.New(store.NewMemoryBackend())
	proposer := &fakeProposer{}

	now := time.Now()
	reg.UpsertOnHandshake("peer-1", "key", now)
	reg.MarkSuspect("peer-1", now.Add(-30*time.Second))

	require.NoError(t, st.TaskSink().ApplyAssign("t1", "peer-1", "alpine", []string{"echo"}, 100, "op-0"))

	d := New("self", reg, st, proposer, scheduling.AssignToSelf{}, 15*time.Second, 15*time.Second, time.Second, zap.NewNop())
	d.sweep()

	peer, _ := reg.Get("peer-1")
	assert.Equal(t, registry.Dead, peer.Liveness)
	require.Equal(t, 1, proposer.count())

	op := proposer.first()
	assert.Equal(t, wire.FailNode, op.Type)
	assert.Equal(t, "peer-1", op.Details.FailedNodeID)
	require.Len(t, op.Details.Reassignments, 1)
	assert.Equal(t, "t1", op.Details.Reassignments[0].TaskID)
	assert.Equal(t, "self", op.Details.Reassignments[0].NewOwner)
}

func TestSweep_DeadPeerIsIdempotent(t *testing.T) {
	reg := registry.New()
	st := store.New(store.NewMemoryBackend())
	proposer := &fakeProposer{}

	now := time.Now()
	reg.UpsertOnHandshake("peer-1", "key", now)
	reg.MarkSuspect("peer-1", now.Add(-30*time.Second))

	d := New("self", reg, st, proposer, scheduling.AssignToSelf{}, 15*time.Second, 15*time.Second, time.Second, zap.NewNop())
	d.sweep()
	d.sweep()
	d.sweep()

	assert.Equal(t, 1, proposer.count(), "a node already proposed dead must not be proposed again on subsequent sweeps")
}

func TestSweep_CompletedAndFailedTasksAreNotReassigned(t *testing.T) {
	reg := registry.New()
	st := store.New(store.NewMemoryBackend())
	proposer := &fakeProposer{}

	now := time.Now()
	reg.UpsertOnHandshake("peer-1", "key", now)
	reg.MarkSuspect("peer-1", now.Add(-30*time.Second))

	require.NoError(t, st.TaskSink().ApplyAssign("t-done", "peer-1", "alpine", []string{"echo"}, 100, "op-0"))
	require.NoError(t, st.TaskSink().ApplyStatus("t-done", store.Completed, 101, "op-1"))
	require.NoError(t, st.TaskSink().ApplyAssign("t-failed", "peer-1", "alpine", []string{"echo"}, 100, "op-2"))
	require.NoError(t, st.TaskSink().ApplyStatus("t-failed", store.Failed, 101, "op-3"))
	require.NoError(t, st.TaskSink().ApplyAssign("t-running", "peer-1", "alpine", []string{"echo"}, 100, "op-4"))

	d := New("self", reg, st, proposer, scheduling.AssignToSelf{}, 15*time.Second, 15*time.Second, time.Second, zap.NewNop())
	d.sweep()

	require.Equal(t, 1, proposer.count())
	op := proposer.first()
	require.Len(t, op.Details.Reassignments, 1, "completed and failed tasks under the dead node must not be taken over")
	assert.Equal(t, "t-running", op.Details.Reassignments[0].TaskID)
}

func TestSweep_RecentlySeenPeerStaysLive(t *testing.T) {
	reg := registry.New()
	st := store.New(store.NewMemoryBackend())
	proposer := &fakeProposer{}

	reg.UpsertOnHandshake("peer-1", "key", time.Now())

	d := New("self", reg, st, proposer, scheduling.AssignToSelf{}, 15*time.Second, 15*time.Second, time.Second, zap.NewNop())
	d.sweep()

	peer, _ := reg.Get("peer-1")
	assert.Equal(t, registry.Live, peer.Liveness)
	assert.Equal(t, 0, proposer.count())
}
