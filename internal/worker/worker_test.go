package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bftswarm/node/internal/containerrt"
	"github.com/bftswarm/node/internal/store"
	"github.com/bftswarm/node/internal/wire"
)

type fakeHandle struct {
	exitErr  error
	waitCh   chan struct{}
	stopped  bool
}

func newFakeHandle(exitErr error) *fakeHandle {
	return &fakeHandle{exitErr: exitErr, waitCh: make(chan struct{})}
}

func (h *fakeHandle) finish() { close(h.waitCh) }

func (h *fakeHandle) Wait() error {
	<-h.waitCh
	return h.exitErr
}

func (h *fakeHandle) Stop() error {
	h.stopped = true
	h.finish()
	return nil
}

type fakeRuntime struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{handles: make(map[string]*fakeHandle)}
}

func (r *fakeRuntime) Run(ctx context.Context, taskID, image string, cmd []string, stdout, stderr io.Writer) (containerrt.Handle, error) {
	h := newFakeHandle(nil)
	r.mu.Lock()
	r.handles[taskID] = h
	r.mu.Unlock()
	return h, nil
}

func (r *fakeRuntime) finish(taskID string, err error) {
	r.mu.Lock()
	h := r.handles[taskID]
	r.mu.Unlock()
	h.exitErr = err
	h.finish()
}

type fakeProposer struct {
	mu   sync.Mutex
	ops  []wire.Operation
}

func (p *fakeProposer) Propose(op wire.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
	return nil
}

func (p *fakeProposer) last() (wire.Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ops) == 0 {
		return wire.Operation{}, false
	}
	return p.ops[len(p.ops)-1], true
}

func newTestStoreSink() *store.TaskSink {
	return store.New(store.NewMemoryBackend()).TaskSink()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandleDecision_IgnoresAssignmentToOtherNode(t *testing.T) {
	rt := newFakeRuntime()
	sink := newTestStoreSink()
	sup := New("n1", rt, sink, &fakeProposer{}, ModeDirect, zap.NewNop())

	op := wire.Operation{Type: wire.AssignTask, Details: wire.OpDetails{TaskID: "t1", AssignedNode: "n2"}}
	sup.HandleDecision(context.Background(), op)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.handles)
}

func TestHandleDecision_DirectMode_ReportsRunningThenCompleted(t *testing.T) {
	rt := newFakeRuntime()
	sink := newTestStoreSink()
	sup := New("n1", rt, sink, &fakeProposer{}, ModeDirect, zap.NewNop())

	require.NoError(t, sink.ApplyAssign("t1", "n1", "alpine", []string{"echo", "hi"}, 100, "op-0"))

	op := wire.Operation{Type: wire.AssignTask, Details: wire.OpDetails{TaskID: "t1", AssignedNode: "n1", Image: "alpine", Cmd: []string{"echo", "hi"}}}
	sup.HandleDecision(context.Background(), op)

	waitFor(t, func() bool {
		rec, ok, _ := sink.Get("t1")
		return ok && rec.Status == store.Running
	})

	rt.finish("t1", nil)
	sup.Stop()

	rec, ok, err := sink.Get("t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.Completed, rec.Status)
}

func TestHandleDecision_DirectMode_ReportsFailedOnNonZeroExit(t *testing.T) {
	rt := newFakeRuntime()
	sink := newTestStoreSink()
	sup := New("n1", rt, sink, &fakeProposer{}, ModeDirect, zap.NewNop())

	op := wire.Operation{Type: wire.AssignTask, Details: wire.OpDetails{TaskID: "t1", AssignedNode: "n1", Image: "alpine", Cmd: []string{"false"}}}
	sup.HandleDecision(context.Background(), op)

	waitFor(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		_, ok := rt.handles["t1"]
		return ok
	})
	rt.finish("t1", errors.New("exit status 1"))
	sup.Stop()

	rec, ok, err := sink.Get("t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.Failed, rec.Status)
}

func TestHandleDecision_ConsensusMode_ProposesInsteadOfWritingDirectly(t *testing.T) {
	rt := newFakeRuntime()
	sink := newTestStoreSink()
	proposer := &fakeProposer{}
	sup := New("n1", rt, sink, proposer, ModeConsensus, zap.NewNop())

	op := wire.Operation{Type: wire.AssignTask, Details: wire.OpDetails{TaskID: "t1", AssignedNode: "n1", Image: "alpine", Cmd: []string{"echo", "hi"}}}
	sup.HandleDecision(context.Background(), op)

	waitFor(t, func() bool {
		last, ok := proposer.last()
		return ok && last.Details.StatusUpdate != nil && last.Details.StatusUpdate.Status == string(store.Running)
	})

	rt.finish("t1", nil)
	sup.Stop()

	last, ok := proposer.last()
	require.True(t, ok)
	assert.Equal(t, string(store.Completed), last.Details.StatusUpdate.Status)

	_, written, _ := sink.Get("t1")
	assert.False(t, written, "under ModeConsensus the supervisor must not write the store directly")
}

func TestHandleDecision_DeduplicatesConcurrentStart(t *testing.T) {
	rt := newFakeRuntime()
	sink := newTestStoreSink()
	sup := New("n1", rt, sink, &fakeProposer{}, ModeDirect, zap.NewNop())

	op := wire.Operation{Type: wire.AssignTask, Details: wire.OpDetails{TaskID: "t1", AssignedNode: "n1", Image: "alpine", Cmd: []string{"sleep", "1"}}}
	sup.HandleDecision(context.Background(), op)
	sup.HandleDecision(context.Background(), op) // duplicate decision delivery

	waitFor(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.handles) == 1
	})

	rt.finish("t1", nil)
	sup.Stop()
}

func TestHandleDecision_FailNodeReassignmentStartsTaskForNewOwner(t *testing.T) {
	rt := newFakeRuntime()
	sink := newTestStoreSink()
	sup := New("n2", rt, sink, &fakeProposer{}, ModeDirect, zap.NewNop())

	require.NoError(t, sink.ApplyAssign("t1", "n1", "alpine", []string{"echo", "hi"}, 100, "op-0"))

	op := wire.Operation{Type: wire.FailNode, Details: wire.OpDetails{FailedNodeID: "n1", Reassignments: []wire.Reassignment{{TaskID: "t1", NewOwner: "n2"}}}}
	sup.HandleDecision(context.Background(), op)

	waitFor(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		_, ok := rt.handles["t1"]
		return ok
	})

	rt.finish("t1", nil)
	sup.Stop()
}
