// Package consensus implements the leaderless PBFT-lite engine: any node
// may propose an operation, and an operation is DECIDED once a node knows
// the operation and has observed matching PREPARE and COMMIT votes from a
// quorum (Q = 2f+1) of the swarm. Generalizes the teacher's primary/
// backup PBFT (internal/consensus/bft in the reference repo) by dropping
// the pre-prepare/primary asymmetry: every node runs the propose step for
// its own operations and the prepare/commit steps for everyone's.
package consensus

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bftswarm/node/internal/identity"
	"github.com/bftswarm/node/internal/wire"
)

// Broadcaster is the subset of the transport the engine needs to emit
// votes; kept narrow so tests can fake it trivially.
type Broadcaster interface {
	Broadcast(data []byte)
}

// DecisionHandler is invoked exactly once per op_id, when quorum commit is
// reached. Handlers are expected to be idempotent regardless, since the
// engine only guards against redundant invocation within one process
// lifetime, not across restarts.
type DecisionHandler func(op wire.Operation)

// QuorumSize computes Q = 2f+1 for a fault tolerance of f.
func QuorumSize(faultTolerance int) int {
	return 2*faultTolerance + 1
}

// record tracks one operation's progress through propose/prepare/commit.
type record struct {
	op             wire.Operation
	haveOp         bool
	prepareVotes   map[string]struct{}
	commitVotes    map[string]struct{}
	sentPrepare    bool
	sentCommit     bool
	decided        bool
}

// Engine is the per-node PBFT-lite state machine. One Engine instance
// participates in deciding every operation proposed anywhere in the
// swarm; there is no leader election and no view changes, since any node
// proposing is itself the mechanism by which the cluster makes forward
// progress with no single point of coordination.
type Engine struct {
	nodeID         string
	identity       *identity.Identity
	transport      Broadcaster
	faultTolerance int
	logger         *zap.Logger

	mu      sync.Mutex
	records map[string]*record

	onDecide DecisionHandler
}

// New constructs an Engine. faultTolerance is f in Q = 2f+1; the caller
// is responsible for keeping it consistent with cluster size (the spec
// leaves enforcing f < N/3 to the deployer, same as classical PBFT).
func New(nodeID string, id *identity.Identity, transport Broadcaster, faultTolerance int, logger *zap.Logger) *Engine {
	return &Engine{
		nodeID:         nodeID,
		identity:       id,
		transport:      transport,
		faultTolerance: faultTolerance,
		logger:         logger,
		records:        make(map[string]*record),
	}
}

// OnDecide registers the handler invoked when an operation reaches quorum
// commit. Must be set before Propose/HandlePropose/HandlePrepare/
// HandleCommit are called from more than one goroutine context.
func (e *Engine) OnDecide(h DecisionHandler) { e.onDecide = h }

func (e *Engine) quorum() int { return QuorumSize(e.faultTolerance) }

func (e *Engine) get(opID string) *record {
	r, ok := e.records[opID]
	if !ok {
		r = &record{
			prepareVotes: make(map[string]struct{}),
			commitVotes:  make(map[string]struct{}),
		}
		e.records[opID] = r
	}
	return r
}

// Propose broadcasts a new candidate operation and applies it locally the
// same way an observed PROPOSE from a peer would be applied, so the
// proposer's own PREPARE vote is cast without waiting for its message to
// round-trip back over the transport.
func (e *Engine) Propose(op wire.Operation) error {
	payload := wire.ProposePayload{Type: wire.PBFTPropose, Op: op}
	env, err := wire.Sign(e.nodeID, e.identity, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	e.transport.Broadcast(data)
	e.HandlePropose(e.nodeID, mustMarshal(payload))
	return nil
}

// HandlePropose records a newly-seen operation and casts this node's
// PREPARE vote for it, broadcast to the swarm. Safe to call for the
// node's own proposal (the caller should loop its own PROPOSE back
// through here rather than special-casing self-votes).
func (e *Engine) HandlePropose(fromNodeID string, raw json.RawMessage) {
	var p wire.ProposePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		e.logger.Warn("dropping malformed propose", zap.String("peer", fromNodeID))
		return
	}

	e.mu.Lock()
	r := e.get(p.Op.OpID)
	if r.haveOp {
		e.mu.Unlock()
		return
	}
	r.op = p.Op
	r.haveOp = true
	alreadyPrepared := r.sentPrepare
	r.sentPrepare = true

	// COMMIT and PREPARE votes may have already reached quorum while this
	// node was still waiting to learn the op itself (out-of-order
	// delivery); now that the op is known, re-evaluate rather than waiting
	// on a commit vote that may never be resent.
	reachedCommitQuorum := len(r.commitVotes) >= e.quorum() && len(r.prepareVotes) >= e.quorum()
	shouldDecide := reachedCommitQuorum && !r.decided
	if shouldDecide {
		r.decided = true
	}
	op := r.op
	e.mu.Unlock()

	if shouldDecide && e.onDecide != nil {
		e.onDecide(op)
	}

	if alreadyPrepared {
		return
	}
	e.broadcastPrepare(p.Op.OpID)
}

// HandlePrepare tallies a PREPARE vote and, on reaching quorum while the
// op itself is known, casts this node's own COMMIT vote.
func (e *Engine) HandlePrepare(fromNodeID string, raw json.RawMessage) {
	var p wire.PreparePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		e.logger.Warn("dropping malformed prepare", zap.String("peer", fromNodeID))
		return
	}

	e.mu.Lock()
	r := e.get(p.OpID)
	r.prepareVotes[p.VoterNodeID] = struct{}{}
	reachedQuorum := len(r.prepareVotes) >= e.quorum() && r.haveOp
	shouldCommit := reachedQuorum && !r.sentCommit
	if shouldCommit {
		r.sentCommit = true
	}
	e.mu.Unlock()

	if shouldCommit {
		e.broadcastCommit(p.OpID)
	}
}

// HandleCommit tallies a COMMIT vote and, once both the COMMIT and PREPARE
// tallies have reached quorum, fires the decision handler exactly once for
// this op_id.
func (e *Engine) HandleCommit(fromNodeID string, raw json.RawMessage) {
	var p wire.CommitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		e.logger.Warn("dropping malformed commit", zap.String("peer", fromNodeID))
		return
	}

	e.mu.Lock()
	r := e.get(p.OpID)
	r.commitVotes[p.VoterNodeID] = struct{}{}
	reachedQuorum := len(r.commitVotes) >= e.quorum() && len(r.prepareVotes) >= e.quorum() && r.haveOp
	shouldDecide := reachedQuorum && !r.decided
	if shouldDecide {
		r.decided = true
	}
	op := r.op
	e.mu.Unlock()

	if shouldDecide && e.onDecide != nil {
		e.onDecide(op)
	}
}

func (e *Engine) broadcastPrepare(opID string) {
	payload := wire.PreparePayload{
		Type:        wire.PBFTPrepare,
		OpID:        opID,
		VoterNodeID: e.nodeID,
		Timestamp:   time.Now().UnixMilli(),
	}
	env, err := wire.Sign(e.nodeID, e.identity, payload)
	if err != nil {
		e.logger.Error("sign prepare vote", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("marshal prepare envelope", zap.Error(err))
		return
	}
	e.transport.Broadcast(data)
	e.HandlePrepare(e.nodeID, mustMarshal(payload))
}

func (e *Engine) broadcastCommit(opID string) {
	payload := wire.CommitPayload{
		Type:        wire.PBFTCommit,
		OpID:        opID,
		VoterNodeID: e.nodeID,
		Timestamp:   time.Now().UnixMilli(),
	}
	env, err := wire.Sign(e.nodeID, e.identity, payload)
	if err != nil {
		e.logger.Error("sign commit vote", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("marshal commit envelope", zap.Error(err))
		return
	}
	e.transport.Broadcast(data)

	e.HandleCommit(e.nodeID, mustMarshal(payload))
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
