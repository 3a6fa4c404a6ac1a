// Package worker supervises locally-assigned task workloads: it watches
// DECIDED ASSIGN_TASK operations for this node, starts the workload via
// containerrt, streams its stdout/stderr lines to the node's log tagged
// with the task ID, and reports completion back either
// directly to the store or through a re-proposed consensus operation
// depending on configuration. Grounded on the reference repo's queue
// consumer lifecycle (internal/queue/consumers.go, cmd/worker/main.go):
// context-cancellable worker goroutines tracked by a WaitGroup.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/bftswarm/node/internal/containerrt"
	"github.com/bftswarm/node/internal/store"
	"github.com/bftswarm/node/internal/wire"
)

// CompletionMode controls how a finished task's status reaches the
// store: WORKER_COMPLETION_MODE=direct (default) writes through the
// local TaskSink immediately; =consensus re-proposes the completion
// as an operation and waits for it to be DECIDED like any other write.
type CompletionMode string

const (
	ModeDirect    CompletionMode = "direct"
	ModeConsensus CompletionMode = "consensus"
)

// Proposer is the subset of the consensus engine the supervisor needs to
// report completion under ModeConsensus.
type Proposer interface {
	Propose(op wire.Operation) error
}

// Supervisor runs at most one workload per task ID concurrently and
// reports completion once the workload exits.
type Supervisor struct {
	nodeID   string
	runtime  containerrt.Runtime
	sink     *store.TaskSink
	proposer Proposer
	mode     CompletionMode
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]containerrt.Handle

	wg sync.WaitGroup
}

// New constructs a Supervisor. sink is the store's write path, used
// directly under ModeDirect and bypassed in favor of proposer under
// ModeConsensus.
func New(nodeID string, runtime containerrt.Runtime, sink *store.TaskSink, proposer Proposer, mode CompletionMode, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		nodeID:   nodeID,
		runtime:  runtime,
		sink:     sink,
		proposer: proposer,
		mode:     mode,
		logger:   logger,
		running:  make(map[string]containerrt.Handle),
	}
}

// HandleDecision inspects a DECIDED operation and, if it assigns a task
// to this node, starts the workload. Operations assigned elsewhere, or
// that aren't ASSIGN_TASK, are ignored; FAIL_NODE reassignments land
// here too and are handled the same way for the task's new owner.
func (s *Supervisor) HandleDecision(ctx context.Context, op wire.Operation) {
	switch op.Type {
	case wire.AssignTask:
		// A StatusUpdate op is a completion report for a task already
		// started here, not a new assignment.
		if op.Details.AssignedNode != s.nodeID || op.Details.StatusUpdate != nil {
			return
		}
		s.start(ctx, op.Details.TaskID, op.Details.Image, op.Details.Cmd)
	case wire.FailNode:
		for _, r := range op.Details.Reassignments {
			if r.NewOwner != s.nodeID {
				continue
			}
			rec, ok, err := s.sink.Get(r.TaskID)
			if err != nil || !ok {
				s.logger.Warn("reassigned task has no known record", zap.String("task_id", r.TaskID))
				continue
			}
			s.start(ctx, r.TaskID, rec.Image, rec.Cmd)
		}
	}
}

func (s *Supervisor) start(ctx context.Context, taskID, image string, cmd []string) {
	s.mu.Lock()
	if _, already := s.running[taskID]; already {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.reportRunning(taskID)

	runCtx, cancel := context.WithCancel(ctx)
	taskLog := s.logger.With(zap.String("task_id", taskID))
	stdout := &zapio.Writer{Log: taskLog.With(zap.String("stream", "stdout")), Level: zap.InfoLevel}
	stderr := &zapio.Writer{Log: taskLog.With(zap.String("stream", "stderr")), Level: zap.InfoLevel}
	handle, err := s.runtime.Run(runCtx, taskID, image, cmd, stdout, stderr)
	if err != nil {
		cancel()
		s.logger.Error("failed to start task workload", zap.String("task_id", taskID), zap.Error(err))
		s.reportFailed(taskID)
		return
	}

	s.mu.Lock()
	s.running[taskID] = handle
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		runErr := handle.Wait()
		_ = stdout.Close()
		_ = stderr.Close()

		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()

		if runErr != nil {
			s.logger.Warn("task workload exited with error", zap.String("task_id", taskID), zap.Error(runErr))
			s.reportFailed(taskID)
			return
		}
		s.logger.Info("task workload completed", zap.String("task_id", taskID))
		s.reportCompleted(taskID)
	}()
}

// Stop terminates every locally-running workload and waits for their
// goroutines to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for taskID, h := range s.running {
		if err := h.Stop(); err != nil {
			s.logger.Warn("failed to stop task workload", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) reportRunning(taskID string)   { s.report(taskID, store.Running) }
func (s *Supervisor) reportCompleted(taskID string) { s.report(taskID, store.Completed) }
func (s *Supervisor) reportFailed(taskID string)    { s.report(taskID, store.Failed) }

func (s *Supervisor) report(taskID string, status store.Status) {
	switch s.mode {
	case ModeConsensus:
		op := wire.Operation{
			OpID:      wire.NewOpID(),
			Type:      wire.AssignTask,
			Proposer:  s.nodeID,
			Timestamp: time.Now().UnixMilli(),
			Details: wire.OpDetails{
				TaskID:       taskID,
				AssignedNode: s.nodeID,
				StatusUpdate: &wire.StatusUpdate{Status: string(status)},
			},
		}
		if err := s.proposer.Propose(op); err != nil {
			s.logger.Error("failed to propose completion status", zap.String("task_id", taskID), zap.Error(err))
		}
	default:
		// Stamp the write after the record's current one, so a report made
		// within the same millisecond as the previous one cannot lose the
		// store's (timestamp, op_id) tie-break to a random op_id.
		ts := time.Now().UnixMilli()
		if rec, ok, err := s.sink.Get(taskID); err == nil && ok && rec.WriteTimestamp >= ts {
			ts = rec.WriteTimestamp + 1
		}
		if err := s.sink.ApplyStatus(taskID, status, ts, wire.NewOpID()); err != nil {
			s.logger.Error("failed to record completion status", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}
