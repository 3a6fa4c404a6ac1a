// Package registry tracks known peers: last-seen timestamps and
// liveness, generalizing the alive/suspicion maps from the teacher's
// gossip protocol into a dedicated single-writer component keyed by
// node_id.
package registry

import (
	"sync"
	"time"
)

// Liveness is a peer's failure-detector state.
type Liveness int

const (
	Live Liveness = iota
	Suspect
	Dead
)

// Peer is one entry in the registry.
type Peer struct {
	NodeID      string
	PublicKey   string // hex
	LastSeen    time.Time
	Liveness    Liveness
	SuspectedAt time.Time // zero unless Liveness == Suspect
}

// Registry is a single-writer structure; every mutation goes through one
// of its methods, each of which briefly holds the mutex.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// UpsertOnHandshake creates or refreshes a peer record. At most one
// record per node_id; re-handshaking the same node_id replaces the stored
// public key with the one carried, refreshes LastSeen and clears any
// suspicion.
func (r *Registry) UpsertOnHandshake(nodeID, publicKey string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, exists := r.peers[nodeID]
	if !exists {
		r.peers[nodeID] = &Peer{
			NodeID:    nodeID,
			PublicKey: publicKey,
			LastSeen:  now,
			Liveness:  Live,
		}
		return
	}
	peer.PublicKey = publicKey
	peer.LastSeen = now
	peer.Liveness = Live
	peer.SuspectedAt = time.Time{}
}

// Touch refreshes last_seen for a node_id on HEARTBEAT receipt. No-op if
// the peer hasn't handshaken yet (heartbeats from unknown nodes are
// dropped by the router before they ever reach the registry).
func (r *Registry) Touch(nodeID string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[nodeID]
	if !ok {
		return
	}
	if ts.After(peer.LastSeen) {
		peer.LastSeen = ts
	}
	peer.Liveness = Live
	peer.SuspectedAt = time.Time{}
}

// MarkSuspect transitions a peer to Suspect, recording when suspicion
// began so the failure detector can apply its grace window.
func (r *Registry) MarkSuspect(nodeID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[nodeID]
	if !ok || peer.Liveness == Suspect || peer.Liveness == Dead {
		return
	}
	peer.Liveness = Suspect
	peer.SuspectedAt = at
}

// MarkDead transitions a peer to Dead.
func (r *Registry) MarkDead(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, ok := r.peers[nodeID]; ok {
		peer.Liveness = Dead
	}
}

// Remove deletes a peer record outright (explicit removal or
// eventual-consistency cleanup).
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, nodeID)
}

// Get returns a copy of a peer record, if known.
func (r *Registry) Get(nodeID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

// IterLive returns a snapshot of all peers currently considered live.
func (r *Registry) IterLive() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Liveness == Live {
			live = append(live, *p)
		}
	}
	return live
}

// All returns a snapshot of every known peer, any liveness.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		all = append(all, *p)
	}
	return all
}

// Counts returns the number of peers in each liveness state, used by the
// metrics surface.
func (r *Registry) Counts() (live, suspect, dead int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.peers {
		switch p.Liveness {
		case Live:
			live++
		case Suspect:
			suspect++
		case Dead:
			dead++
		}
	}
	return
}
