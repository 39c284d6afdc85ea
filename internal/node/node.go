// Package node holds per-node identity, role state, and cluster membership
// bookkeeping (spec §4.3). It implements only the async-RWMutex variant
// named as the semantic reference in spec §9's Open Questions — no
// sync-locked duplicate.
package node

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironfish/clusterd/internal/model"
)

// TransitionObserver is notified after a role/leader transition commits.
// Wired to the session manager's "cluster" topic broadcast in
// cmd/ironfishd so WebSocket clients see cluster_event messages (spec §4.5,
// producer named in SPEC_FULL.md); nil by default (e.g. in tests).
type TransitionObserver func(state model.NodeState, leader *model.NodeID, term uint64)

// Node holds identity, role state, term, leader hint, and current metrics.
// Term is an atomic and never guarded by the state lock (spec §5); state
// and leader share a reader-writer lock.
type Node struct {
	info model.NodeInfo

	term atomic.Uint64

	mu       sync.RWMutex
	state    model.NodeState
	leader   *model.NodeID
	observer TransitionObserver

	metricsMu sync.RWMutex
	metrics   model.NodeMetrics
}

// New constructs a Node starting in State=Starting, term 0.
func New(info model.NodeInfo) *Node {
	return &Node{
		info:  info,
		state: model.StateStarting,
	}
}

// SetTransitionObserver registers the callback fired after every
// SetState/SetLeader/SetStateAndLeader commits. Not safe to call
// concurrently with itself; call once during wiring before Run starts.
func (n *Node) SetTransitionObserver(o TransitionObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observer = o
}

// notify invokes the observer, if any, outside of n.mu so the callback
// (which may itself call back into Node, e.g. via State()/Leader()) can
// never deadlock against the transition that triggered it.
func (n *Node) notify() {
	n.mu.RLock()
	observer := n.observer
	state := n.state
	leader := n.leader
	n.mu.RUnlock()

	if observer != nil {
		observer(state, leader, n.term.Load())
	}
}

// Info returns the node's static identity.
func (n *Node) Info() model.NodeInfo { return n.info }

// ID is a convenience accessor for Info().ID.
func (n *Node) ID() model.NodeID { return n.info.ID }

// Term reads the current term (atomic, hot-read path).
func (n *Node) Term() uint64 { return n.term.Load() }

// IncrementTerm atomically bumps the term and returns the new value (spec §4.3).
func (n *Node) IncrementTerm() uint64 { return n.term.Add(1) }

// AdoptTerm sets the term to newTerm if newTerm is larger than the current
// value. Term never decreases (spec §8).
func (n *Node) AdoptTerm(newTerm uint64) {
	for {
		cur := n.term.Load()
		if newTerm <= cur {
			return
		}
		if n.term.CompareAndSwap(cur, newTerm) {
			return
		}
	}
}

// State returns the current role.
func (n *Node) State() model.NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetState transitions the node's role.
func (n *Node) SetState(s model.NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
	n.notify()
}

// Leader returns the current leader hint, or nil if unknown.
func (n *Node) Leader() *model.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leader
}

// SetLeader sets the leader hint.
func (n *Node) SetLeader(id model.NodeID) {
	n.mu.Lock()
	n.leader = &id
	n.mu.Unlock()
	n.notify()
}

// ClearLeader clears the leader hint (e.g. on becoming Candidate).
func (n *Node) ClearLeader() {
	n.mu.Lock()
	n.leader = nil
	n.mu.Unlock()
	n.notify()
}

// SetStateAndLeader sets both under a single write-lock acquisition, useful
// for AppendEntries handling which always transitions to Follower and sets
// the leader together.
func (n *Node) SetStateAndLeader(s model.NodeState, leader model.NodeID) {
	n.mu.Lock()
	n.state = s
	n.leader = &leader
	n.mu.Unlock()
	n.notify()
}

// Metrics returns a copy of the current metrics snapshot.
func (n *Node) Metrics() model.NodeMetrics {
	n.metricsMu.RLock()
	defer n.metricsMu.RUnlock()
	return n.metrics
}

// SetMetrics replaces the metrics snapshot.
func (n *Node) SetMetrics(m model.NodeMetrics) {
	n.metricsMu.Lock()
	defer n.metricsMu.Unlock()
	n.metrics = m
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration { return time.Since(n.info.StartedAt) }
