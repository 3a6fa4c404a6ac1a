// Package store implements the replicated task store: an ordered
// key-value mapping that accepts writes only from the consensus decision
// path, reconciled last-writer-wins by (operation timestamp, op_id).
package store

import (
	"sort"
	"strings"
	"sync"
)

// Status is a task record's lifecycle stage. Transitions must follow
// Assigned -> Running -> Completed|Failed; backward transitions are
// ignored by Store.applyDecided.
type Status string

const (
	Assigned Status = "assigned"
	Running  Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
)

var statusRank = map[Status]int{
	Assigned:  0,
	Running:   1,
	Completed: 2,
	Failed:    2,
}

// TaskRecord is the value stored at key "tasks/<task_id>".
type TaskRecord struct {
	TaskID      string   `json:"task_id"`
	Status      Status   `json:"status"`
	AssignedNode string  `json:"assigned_node"`
	Image       string   `json:"image"`
	Cmd         []string `json:"cmd"`
	CreatedAt   int64    `json:"created_at"`   // unix millis
	CompletedAt int64    `json:"completed_at"` // unix millis, 0 if unset

	// WriteTimestamp/WriteOpID are the (timestamp, op_id) tuple that
	// produced the current value, used to resolve concurrent DECIDED
	// writes deterministically. Persisted so the ordering survives a
	// backend restart; only store.applyDecided (reachable solely via
	// TaskSink) ever sets them.
	WriteTimestamp int64  `json:"write_timestamp"`
	WriteOpID      string `json:"write_op_id"`
}

// Backend is the pluggable persistence seam behind the Store. The
// reference backend is in-memory; file/redis/postgres backends
// implement the same interface so the replicated store's semantics
// never depend on where bytes ultimately land.
type Backend interface {
	// Load returns the current value for key, if any.
	Load(key string) (TaskRecord, bool, error)
	// Save writes value at key unconditionally; ordering/tie-break is
	// enforced by Store before Save is ever called.
	Save(key string, value TaskRecord) error
	// Range returns the records of all keys with the given prefix. The
	// order is backend-specific; Store.Range sorts the result.
	Range(prefix string) ([]TaskRecord, error)
	// Close releases backend resources.
	Close() error
}

// Store is the replicated task store. It has no write method of its own:
// every write goes through the TaskSink handle returned by TaskSink, which
// the node hands to the consensus decision handler and to the worker
// supervisor.
type Store struct {
	mu      sync.RWMutex
	backend Backend
}

// New wraps a Backend in the ordering/invariant-enforcing Store.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Close releases the underlying backend's resources.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Get reads a single task's record by task ID, consistent with the last
// applied decision.
func (s *Store) Get(taskID string) (TaskRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Load(key(taskID))
}

// Range returns every task record, in lexicographic task ID order.
func (s *Store) Range() ([]TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.backend.Range("tasks/")
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].TaskID < records[j].TaskID
	})
	return records, nil
}

// TaskSink is the only way to mutate the Store: it translates DECIDED
// operations and worker status reports into TaskRecord writes, gated by
// the ordering invariant in applyDecided. Handed to the consensus
// engine's decision handler and the worker supervisor at wiring time
// instead of exposing a Put method on Store's public read API.
type TaskSink struct {
	store *Store
}

// TaskSink returns this Store's write handle.
func (s *Store) TaskSink() *TaskSink { return &TaskSink{store: s} }

// ApplyAssign records a freshly-decided ASSIGN_TASK operation.
func (t *TaskSink) ApplyAssign(taskID, assignedNode, image string, cmd []string, opTimestamp int64, opID string) error {
	rec := TaskRecord{
		TaskID:       taskID,
		Status:       Assigned,
		AssignedNode: assignedNode,
		Image:        image,
		Cmd:          cmd,
		CreatedAt:    opTimestamp,
	}
	return t.store.applyDecided(taskID, rec, opTimestamp, opID)
}

// ApplyStatus records a task's lifecycle transition (running, completed,
// failed), preserving its existing assignment fields. If the task is
// unknown yet (a status report racing its own ASSIGN_TASK decision) a
// bare record carrying just the status is written and reconciled by the
// next ASSIGN_TASK decision's tie-break, since ASSIGN_TASK's CreatedAt
// timestamp always sorts ahead of a completion that could only happen
// after assignment.
func (t *TaskSink) ApplyStatus(taskID string, status Status, opTimestamp int64, opID string) error {
	existing, ok, err := t.store.Get(taskID)
	if err != nil {
		return err
	}
	if !ok {
		existing = TaskRecord{TaskID: taskID}
	}
	existing.Status = status
	if status == Completed || status == Failed {
		existing.CompletedAt = opTimestamp
	}
	return t.store.applyDecided(taskID, existing, opTimestamp, opID)
}

// ApplyReassign updates a task's assigned node following a decided
// FAIL_NODE reassignment, preserving its image, command, and status.
func (t *TaskSink) ApplyReassign(taskID, newOwner string, opTimestamp int64, opID string) error {
	existing, ok, err := t.store.Get(taskID)
	if err != nil {
		return err
	}
	if !ok {
		existing = TaskRecord{TaskID: taskID, Status: Assigned}
	}
	existing.AssignedNode = newOwner
	return t.store.applyDecided(taskID, existing, opTimestamp, opID)
}

// Get reads a single task record by task ID.
func (t *TaskSink) Get(taskID string) (TaskRecord, bool, error) {
	return t.store.Get(taskID)
}

func key(taskID string) string { return "tasks/" + taskID }

// applyDecided applies a DECIDED operation's resulting task value,
// gated by the last-writer-wins (timestamp, op_id) tie-break and by the
// forward-only status-transition invariant. A write that loses the
// tie-break or attempts a backward status transition is silently
// ignored — the decided order already serialized the legitimate
// sequence, so a losing write represents a reordering artifact, not an
// error.
func (s *Store) applyDecided(taskID string, value TaskRecord, opTimestamp int64, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(taskID)
	existing, ok, err := s.backend.Load(k)
	if err != nil {
		return err
	}

	if ok {
		if !happensAfter(opTimestamp, opID, existing.WriteTimestamp, existing.WriteOpID) {
			return nil
		}
		if statusRank[value.Status] < statusRank[existing.Status] {
			return nil
		}
	}

	value.WriteTimestamp = opTimestamp
	value.WriteOpID = opID
	return s.backend.Save(k, value)
}

// happensAfter reports whether (ts, id) sorts after (otherTS, otherID)
// under the spec's tie-break: timestamp ascending, op_id ascending on
// ties.
func happensAfter(ts int64, id string, otherTS int64, otherID string) bool {
	if ts != otherTS {
		return ts > otherTS
	}
	return strings.Compare(id, otherID) > 0
}
