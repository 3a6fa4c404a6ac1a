// Package router authenticates and dispatches inbound wire envelopes: it
// sits between the transport's raw byte stream and the registry/consensus
// engine/failure detector, applying per-peer rate limiting and signature
// verification before anything downstream sees a message.
package router

import (
	"encoding/hex"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bftswarm/node/internal/identity"
	"github.com/bftswarm/node/internal/nodeerrors"
	"github.com/bftswarm/node/internal/registry"
	"github.com/bftswarm/node/internal/wire"
)

// HandshakeHandler is invoked once a peer's handshake has authenticated
// (or on first sight, before its public key is known to the registry).
type HandshakeHandler func(fromNodeID string, payload wire.HandshakePayload)

// HeartbeatHandler is invoked on an authenticated heartbeat from a peer
// already known to the registry.
type HeartbeatHandler func(fromNodeID string, payload wire.HeartbeatPayload)

// ConsensusHandler is invoked on an authenticated PBFT-lite message.
type ConsensusHandler func(fromNodeID string, payloadType wire.PayloadType, raw json.RawMessage)

// Router authenticates inbound envelopes and dispatches them by payload
// type. Handshakes are accepted without a known public key (the envelope
// carries the claimed sender's identity for first contact); every other
// payload type requires the sender to already be registered, since only
// then is a public key on file to verify against.
type Router struct {
	registry *registry.Registry
	logger   *zap.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	authFailuresMu sync.Mutex
	authFailures   map[string]int

	onHandshake HandshakeHandler
	onHeartbeat HeartbeatHandler
	onConsensus ConsensusHandler
}

// New constructs a Router. Each peer gets its own token bucket of 50
// envelopes per second with a burst of 100; frames beyond that are dropped.
func New(reg *registry.Registry, logger *zap.Logger) *Router {
	return &Router{
		registry:     reg,
		logger:       logger,
		limiters:     make(map[string]*rate.Limiter),
		authFailures: make(map[string]int),
	}
}

// OnHandshake registers the handler invoked for HandshakePayload envelopes.
func (r *Router) OnHandshake(h HandshakeHandler) { r.onHandshake = h }

// OnHeartbeat registers the handler invoked for HeartbeatPayload envelopes.
func (r *Router) OnHeartbeat(h HeartbeatHandler) { r.onHeartbeat = h }

// OnConsensus registers the handler invoked for PBFT propose/prepare/commit
// envelopes; the handler receives the raw payload so the consensus engine
// can decode directly into its own message structs.
func (r *Router) OnConsensus(h ConsensusHandler) { r.onConsensus = h }

// Dispatch authenticates and routes a single inbound frame. It never
// returns an error for a malformed or unauthenticated frame: those are
// logged and dropped, since a misbehaving or Byzantine peer must not be
// able to disrupt a well-behaved node by sending garbage.
func (r *Router) Dispatch(fromNodeID string, data []byte) {
	if !r.allow(fromNodeID) {
		r.logger.Warn("peer exceeded rate limit, dropping frame", zap.String("peer", fromNodeID))
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("dropping malformed envelope", zap.String("peer", fromNodeID), zap.Error(nodeerrors.Wrap(nodeerrors.ErrMalformedInput, "unmarshal envelope: %v", err)))
		return
	}

	payloadType, err := wire.PayloadTypeOf(env.Payload)
	if err != nil {
		r.logger.Warn("dropping envelope with unreadable payload type", zap.String("peer", fromNodeID))
		return
	}

	if payloadType == wire.Handshake {
		r.dispatchHandshake(fromNodeID, env)
		return
	}

	peer, known := r.registry.Get(env.Sender)
	if !known {
		r.logger.Debug("dropping non-handshake envelope from unregistered peer", zap.String("peer", env.Sender))
		return
	}

	if !identity.Verify(env.Payload, decodeSig(env.Signature), peer.PublicKey) {
		r.recordAuthFailure(env.Sender)
		return
	}

	switch payloadType {
	case wire.Heartbeat:
		var hb wire.HeartbeatPayload
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			r.logger.Warn("dropping malformed heartbeat", zap.String("peer", env.Sender))
			return
		}
		if r.onHeartbeat != nil {
			r.onHeartbeat(env.Sender, hb)
		}
	case wire.PBFTPropose, wire.PBFTPrepare, wire.PBFTCommit:
		if r.onConsensus != nil {
			r.onConsensus(env.Sender, payloadType, env.Payload)
		}
	default:
		r.logger.Debug("dropping envelope with unknown payload type", zap.String("peer", env.Sender), zap.String("type", string(payloadType)))
	}
}

func (r *Router) dispatchHandshake(fromNodeID string, env wire.Envelope) {
	var hs wire.HandshakePayload
	if err := json.Unmarshal(env.Payload, &hs); err != nil {
		r.logger.Warn("dropping malformed handshake", zap.String("peer", fromNodeID))
		return
	}

	// A handshake is self-certifying: it carries the only public key
	// there is to verify against, since the registry doesn't have one on
	// file yet. Verify against that carried key before trusting anything
	// in the payload, otherwise a forged handshake could overwrite an
	// already-registered peer's key and hijack its identity.
	if !identity.Verify(env.Payload, decodeSig(env.Signature), hs.PublicKey) {
		r.recordAuthFailure(env.Sender)
		return
	}

	if r.onHandshake != nil {
		r.onHandshake(env.Sender, hs)
	}
}

func decodeSig(hexSig string) []byte {
	b, err := hex.DecodeString(hexSig)
	if err != nil {
		return nil
	}
	return b
}

func (r *Router) allow(nodeID string) bool {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()

	l, ok := r.limiters[nodeID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(50), 100)
		r.limiters[nodeID] = l
	}
	return l.Allow()
}

// recordAuthFailure tracks per-peer signature verification failures,
// readable through AuthFailureCount. Nothing else in the node acts on the
// count: no peer is banned or marked dead because of it.
func (r *Router) recordAuthFailure(nodeID string) {
	r.authFailuresMu.Lock()
	defer r.authFailuresMu.Unlock()
	r.authFailures[nodeID]++
	r.logger.Warn("signature verification failed", zap.String("peer", nodeID), zap.Int("count", r.authFailures[nodeID]))
}

// AuthFailureCount returns the number of signature verification failures
// recorded for nodeID since startup.
func (r *Router) AuthFailureCount(nodeID string) int {
	r.authFailuresMu.Lock()
	defer r.authFailuresMu.Unlock()
	return r.authFailures[nodeID]
}
