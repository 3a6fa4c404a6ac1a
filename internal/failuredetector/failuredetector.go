// Package failuredetector implements the gossip-style liveness sweep: a
// peer with no heartbeat for SuspectTimeout is marked Suspect, and a peer
// still silent after a further grace period is marked Dead and proposed
// into consensus as a FAIL_NODE operation reassigning its tasks.
package failuredetector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bftswarm/node/internal/registry"
	"github.com/bftswarm/node/internal/scheduling"
	"github.com/bftswarm/node/internal/store"
	"github.com/bftswarm/node/internal/wire"
)

// Proposer is the subset of the consensus engine the detector needs to
// submit a FAIL_NODE operation.
type Proposer interface {
	Propose(op wire.Operation) error
}

// Detector periodically sweeps the peer registry for stale peers.
type Detector struct {
	nodeID         string
	registry       *registry.Registry
	store          *store.Store
	proposer       Proposer
	policy         scheduling.Policy
	suspectTimeout time.Duration
	deadGrace      time.Duration
	sweepInterval  time.Duration
	logger         *zap.Logger

	proposedDead map[string]struct{}
}

// New constructs a Detector. suspectTimeout is how long since LastSeen
// before a peer is marked Suspect; deadGrace is the further interval a
// peer must remain Suspect before it is marked Dead and proposed as
// failed.
func New(nodeID string, reg *registry.Registry, st *store.Store, proposer Proposer, policy scheduling.Policy, suspectTimeout, deadGrace, sweepInterval time.Duration, logger *zap.Logger) *Detector {
	return &Detector{
		nodeID:         nodeID,
		registry:       reg,
		store:          st,
		proposer:       proposer,
		policy:         policy,
		suspectTimeout: suspectTimeout,
		deadGrace:      deadGrace,
		sweepInterval:  sweepInterval,
		logger:         logger,
		proposedDead:   make(map[string]struct{}),
	}
}

// Run sweeps on sweepInterval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Detector) sweep() {
	now := time.Now()

	for _, peer := range d.registry.All() {
		switch peer.Liveness {
		case registry.Dead:
			continue
		case registry.Suspect:
			if now.Sub(peer.SuspectedAt) >= d.deadGrace {
				d.registry.MarkDead(peer.NodeID)
				d.proposeFailure(peer.NodeID)
			}
		default:
			if now.Sub(peer.LastSeen) >= d.suspectTimeout {
				d.registry.MarkSuspect(peer.NodeID, now)
			}
		}
	}
}

func (d *Detector) proposeFailure(deadNodeID string) {
	if _, already := d.proposedDead[deadNodeID]; already {
		return
	}
	d.proposedDead[deadNodeID] = struct{}{}

	records, err := d.store.Range()
	if err != nil {
		d.logger.Error("failed to range store for failure reassignment", zap.Error(err))
		return
	}

	live := liveNodeIDs(d.registry.IterLive(), d.nodeID)

	var reassignments []wire.Reassignment
	for _, rec := range records {
		if rec.AssignedNode != deadNodeID {
			continue
		}
		if rec.Status == store.Completed || rec.Status == store.Failed {
			continue // already finished under the dead node, nothing to take over
		}
		newOwner, ok := d.policy.Assign(rec.TaskID, live, d.nodeID)
		if !ok {
			d.logger.Warn("no live node available to take over task", zap.String("task_id", rec.TaskID), zap.String("dead_node", deadNodeID))
			continue
		}
		reassignments = append(reassignments, wire.Reassignment{TaskID: rec.TaskID, NewOwner: newOwner})
	}

	op := wire.Operation{
		OpID:      wire.NewOpID(),
		Type:      wire.FailNode,
		Proposer:  d.nodeID,
		Timestamp: time.Now().UnixMilli(),
		Details: wire.OpDetails{
			FailedNodeID:  deadNodeID,
			Reassignments: reassignments,
		},
	}

	d.logger.Warn("proposing FAIL_NODE", zap.String("node_id", deadNodeID), zap.Int("reassignments", len(reassignments)))
	if err := d.proposer.Propose(op); err != nil {
		d.logger.Error("failed to propose FAIL_NODE", zap.String("node_id", deadNodeID), zap.Error(err))
	}
}

func liveNodeIDs(peers []registry.Peer, selfNodeID string) []string {
	ids := make([]string, 0, len(peers)+1)
	ids = append(ids, selfNodeID)
	for _, p := range peers {
		ids = append(ids, p.NodeID)
	}
	return ids
}
