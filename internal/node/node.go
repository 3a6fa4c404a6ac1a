// Package node wires every component into one running process: identity,
// transport, registry, router, consensus engine, replicated store,
// worker supervisor, failure detector, and the ambient ops surface
// (metrics, health, optional event stream). Grounded on the reference
// repo's cmd/worker/main.go wiring shape: load config, construct
// components, start background goroutines under a cancellable context,
// wait for a shutdown signal, drain gracefully.
package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bftswarm/node/internal/config"
	"github.com/bftswarm/node/internal/consensus"
	"github.com/bftswarm/node/internal/containerrt"
	"github.com/bftswarm/node/internal/eventstream"
	"github.com/bftswarm/node/internal/failuredetector"
	"github.com/bftswarm/node/internal/httpapi"
	"github.com/bftswarm/node/internal/identity"
	"github.com/bftswarm/node/internal/metrics"
	"github.com/bftswarm/node/internal/nodeerrors"
	"github.com/bftswarm/node/internal/registry"
	"github.com/bftswarm/node/internal/router"
	"github.com/bftswarm/node/internal/scheduling"
	"github.com/bftswarm/node/internal/store"
	"github.com/bftswarm/node/internal/transport"
	"github.com/bftswarm/node/internal/wire"
	"github.com/bftswarm/node/internal/worker"
)

// Node holds every wired component for one running process.
type Node struct {
	cfg      *config.Config
	identity *identity.Identity
	logger   *zap.Logger

	registry   *registry.Registry
	transport  *transport.Transport
	router     *router.Router
	engine     *consensus.Engine
	taskStore  *store.Store
	supervisor *worker.Supervisor
	detector   *failuredetector.Detector
	metrics    *metrics.Metrics
	httpSrv    *httpapi.Server
	events     *eventstream.Publisher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Node from cfg, loading or generating its identity
// under cfg.StoragePath and wiring every component. Returns an error
// wrapped with nodeerrors.ErrFatalInit on any construction failure, per
// the node's documented fatal-init error kind.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	id, err := identity.LoadOrGenerate(cfg.StoragePath)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.ErrFatalInit, "load or generate identity: %v", err)
	}

	reg := registry.New()
	topicHex := clusterTopic(cfg.SwarmName)
	wsAddr := fmt.Sprintf(":%d", cfg.WSPort)
	tp := transport.New(cfg.NodeID, wsAddr, topicHex, cfg.Peers, logger)

	rt := router.New(reg, logger)

	engine := consensus.New(cfg.NodeID, id, tp, cfg.FaultTolerance, logger)

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.ErrFatalInit, "construct store backend: %v", err)
	}
	taskStore := store.New(backend)

	mode := worker.ModeDirect
	if cfg.WorkerCompletionMode == string(worker.ModeConsensus) {
		mode = worker.ModeConsensus
	}
	supervisor := worker.New(cfg.NodeID, containerrt.NewProcessRuntime(), taskStore.TaskSink(), engine, mode, logger)

	policy := scheduling.Policy(scheduling.AssignToSelf{})
	detector := failuredetector.New(cfg.NodeID, reg, taskStore, engine, policy,
		cfg.SuspectTimeout, cfg.SuspectTimeout, cfg.FailureSweepInterval, logger)

	m := metrics.New()
	httpSrv := httpapi.New(cfg.NodeID, fmt.Sprintf(":%d", cfg.HTTPPort), reg, logger)

	var events *eventstream.Publisher
	if cfg.NATSURL != "" {
		events, err = eventstream.Connect(cfg.NATSURL, cfg.SwarmName, logger)
		if err != nil {
			logger.Warn("event stream unavailable, continuing without decision audit", zap.Error(err))
			events = nil
		}
	}

	n := &Node{
		cfg:        cfg,
		identity:   id,
		logger:     logger,
		registry:   reg,
		transport:  tp,
		router:     rt,
		engine:     engine,
		taskStore:  taskStore,
		supervisor: supervisor,
		detector:   detector,
		metrics:    m,
		httpSrv:    httpSrv,
		events:     events,
	}

	n.wireRouter()
	n.wireConsensus()

	return n, nil
}

func newBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case "file":
		return store.NewFileBackend(cfg.StoragePath)
	case "redis":
		return store.NewRedisBackend(context.Background(), cfg.RedisAddr)
	case "postgres":
		return store.NewPostgresBackend(cfg.DBDSN)
	default:
		return store.NewMemoryBackend(), nil
	}
}

// clusterTopic derives the overlay topic hex digest from the swarm name.
func clusterTopic(swarmName string) string {
	sum := sha256.Sum256([]byte(swarmName))
	return hex.EncodeToString(sum[:])
}

func (n *Node) wireRouter() {
	n.router.OnHandshake(func(fromNodeID string, hs wire.HandshakePayload) {
		n.registry.UpsertOnHandshake(hs.NodeID, hs.PublicKey, time.Now())
	})
	n.router.OnHeartbeat(func(fromNodeID string, hb wire.HeartbeatPayload) {
		n.registry.Touch(hb.NodeID, time.UnixMilli(hb.Timestamp))
	})
	n.router.OnConsensus(func(fromNodeID string, payloadType wire.PayloadType, raw json.RawMessage) {
		switch payloadType {
		case wire.PBFTPropose:
			n.engine.HandlePropose(fromNodeID, raw)
		case wire.PBFTPrepare:
			n.engine.HandlePrepare(fromNodeID, raw)
		case wire.PBFTCommit:
			n.engine.HandleCommit(fromNodeID, raw)
		}
	})
}

func (n *Node) wireConsensus() {
	n.engine.OnDecide(func(op wire.Operation) {
		n.metrics.RecordDecided(string(op.Type))
		sink := n.taskStore.TaskSink()

		switch op.Type {
		case wire.AssignTask:
			var err error
			if op.Details.StatusUpdate != nil {
				err = sink.ApplyStatus(op.Details.TaskID, store.Status(op.Details.StatusUpdate.Status), op.Timestamp, op.OpID)
			} else {
				err = sink.ApplyAssign(op.Details.TaskID, op.Details.AssignedNode, op.Details.Image, op.Details.Cmd, op.Timestamp, op.OpID)
			}
			if err != nil {
				n.logger.Error("failed to apply decided ASSIGN_TASK", zap.String("op_id", op.OpID), zap.Error(err))
			}
		case wire.FailNode:
			for _, r := range op.Details.Reassignments {
				if err := sink.ApplyReassign(r.TaskID, r.NewOwner, op.Timestamp, op.OpID); err != nil {
					n.logger.Error("failed to apply decided reassignment", zap.String("op_id", op.OpID), zap.String("task_id", r.TaskID), zap.Error(err))
				}
			}
		}

		n.supervisor.HandleDecision(context.Background(), op)
		n.events.PublishDecision(op)
	})
}

// Run starts every background goroutine and blocks until ctx is
// cancelled, then drains them gracefully.
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.transport.Start(); err != nil {
		return nodeerrors.Wrap(nodeerrors.ErrFatalInit, "start transport: %v", err)
	}
	n.httpSrv.Start()

	n.wg.Add(1)
	go n.inboundLoop(runCtx)

	n.wg.Add(1)
	go n.announceLoop(runCtx)

	n.wg.Add(1)
	go n.heartbeatLoop(runCtx)

	n.wg.Add(1)
	go n.proposeLoop(runCtx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.detector.Run(runCtx)
	}()

	<-runCtx.Done()
	n.shutdown()
	return nil
}

// Stop cancels the node's run loop; Run returns once draining completes.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}

func (n *Node) shutdown() {
	n.logger.Info("shutting down")
	n.supervisor.Stop()
	n.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.httpSrv.Shutdown(shutdownCtx); err != nil {
		n.logger.Warn("http api shutdown error", zap.Error(err))
	}
	if err := n.transport.Shutdown(); err != nil {
		n.logger.Warn("transport shutdown error", zap.Error(err))
	}
	if err := n.taskStore.Close(); err != nil {
		n.logger.Warn("store backend close error", zap.Error(err))
	}
	n.events.Close()
	n.logger.Info("shutdown complete")
}

func (n *Node) inboundLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-n.transport.Receive():
			if !ok {
				return
			}
			n.router.Dispatch(in.FromNodeID, in.Data)
		}
	}
}

// announceLoop broadcasts this node's signed HANDSHAKE, introducing its
// public key to peers both on startup and periodically thereafter so
// peers dialed after this node started still learn it.
func (n *Node) announceLoop(ctx context.Context) {
	defer n.wg.Done()

	n.broadcastHandshake()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval * 6)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broadcastHandshake()
		}
	}
}

func (n *Node) broadcastHandshake() {
	env, err := wire.Sign(n.cfg.NodeID, n.identity, wire.HandshakePayload{
		Type:       wire.Handshake,
		NodeID:     n.cfg.NodeID,
		PublicKey:  n.identity.PublicKeyHex(),
		SwarmTopic: clusterTopic(n.cfg.SwarmName),
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		n.logger.Error("failed to sign handshake", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		n.logger.Error("failed to marshal handshake envelope", zap.Error(err))
		return
	}
	n.transport.Broadcast(data)
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broadcastHeartbeat()
			live, suspect, dead := n.registry.Counts()
			n.metrics.SetPeerCounts(live, suspect, dead)
		}
	}
}

func (n *Node) broadcastHeartbeat() {
	env, err := wire.Sign(n.cfg.NodeID, n.identity, wire.HeartbeatPayload{
		Type:      wire.Heartbeat,
		NodeID:    n.cfg.NodeID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		n.logger.Error("failed to sign heartbeat", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		n.logger.Error("failed to marshal heartbeat envelope", zap.Error(err))
		return
	}
	n.transport.Broadcast(data)
}

// proposeLoop stands in for the absent external client API (task
// submission is a Non-goal): it periodically proposes assigning a
// trivial demonstration task to this node, exercising the full
// propose/prepare/commit/decide/execute path the same way a real
// scheduler's submissions would.
func (n *Node) proposeLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.ProposeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			op := wire.Operation{
				OpID:      wire.NewOpID(),
				Type:      wire.AssignTask,
				Proposer:  n.cfg.NodeID,
				Timestamp: time.Now().UnixMilli(),
				Details: wire.OpDetails{
					TaskID:       wire.NewOpID(),
					Image:        "alpine",
					Cmd:          []string{"echo", "hi"},
					AssignedNode: n.cfg.NodeID,
				},
			}
			n.metrics.RecordProposed(string(op.Type))
			if err := n.engine.Propose(op); err != nil {
				n.logger.Error("failed to propose task assignment", zap.Error(err))
			}
		}
	}
}
