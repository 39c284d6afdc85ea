package cluster

import (
	"math/rand"
	"sync"

	"github.com/ironfish/clusterd/internal/model"
)

// Peer is one entry in the cluster network's peer table: an address to
// gossip with and a health flag (spec §4.4 "health model").
type Peer struct {
	ID         model.NodeID
	GossipAddr string // host:port for the dedicated gossip listener (local_port+100)
	Healthy    bool
}

// PeerTable is the reader-writer-locked peer map shared by the gossip
// transport, the raft core, and the bully elector (spec §5 "Peer map").
type PeerTable struct {
	mu    sync.RWMutex
	peers map[model.NodeID]*Peer
}

// NewPeerTable constructs an empty peer table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[model.NodeID]*Peer)}
}

// Upsert adds or updates a peer's address, defaulting new entries to
// healthy.
func (t *PeerTable) Upsert(id model.NodeID, gossipAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.GossipAddr = gossipAddr
		return
	}
	t.peers[id] = &Peer{ID: id, GossipAddr: gossipAddr, Healthy: true}
}

// Remove drops a peer entirely (spec §4.3 leave protocol).
func (t *PeerTable) Remove(id model.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// MarkUnhealthy flips a peer unhealthy on send failure. It stays unhealthy
// until an explicit MarkHealthy transition (spec §4.4).
func (t *PeerTable) MarkUnhealthy(id model.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Healthy = false
	}
}

// MarkHealthy flips a peer healthy again, sent on successful ping response
// or successful sync.
func (t *PeerTable) MarkHealthy(id model.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Healthy = true
	}
}

// Get returns a copy of the peer entry, if present.
func (t *PeerTable) Get(id model.NodeID) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Healthy returns a snapshot of all currently-healthy peers. Unhealthy
// peers are skipped by broadcasts but retained in the table.
func (t *PeerTable) Healthy() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.Healthy {
			out = append(out, *p)
		}
	}
	return out
}

// All returns a snapshot of every peer, healthy or not.
func (t *PeerTable) All() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// RandomHealthy picks one healthy peer uniformly at random (spec §4.4
// "gossip sync tick: pick one healthy peer at random"), or false if none.
func (t *PeerTable) RandomHealthy() (Peer, bool) {
	healthy := t.Healthy()
	if len(healthy) == 0 {
		return Peer{}, false
	}
	return healthy[rand.Intn(len(healthy))], true
}
