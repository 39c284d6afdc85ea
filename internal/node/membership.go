package node

import (
	"sync"

	"github.com/ironfish/clusterd/internal/model"
)

// MembershipObserver is notified after a peer is added or removed. Wired to
// the session manager's "cluster" topic broadcast in cmd/ironfishd so
// WebSocket clients see cluster_event messages (spec §4.5, producer named
// in SPEC_FULL.md); nil by default (e.g. in tests).
type MembershipObserver func(joined bool, info model.NodeInfo)

// Membership tracks known peers, excluding self (spec §4.3).
type Membership struct {
	self model.NodeID

	mu       sync.RWMutex
	members  map[model.NodeID]model.NodeInfo
	observer MembershipObserver
}

// NewMembership constructs an empty Membership for the given self id.
func NewMembership(self model.NodeID) *Membership {
	return &Membership{self: self, members: make(map[model.NodeID]model.NodeInfo)}
}

// SetObserver registers the callback fired after Add/Remove commits. Not
// safe to call concurrently with itself; call once during wiring.
func (m *Membership) SetObserver(o MembershipObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// IsMember reports whether id is self or a known peer.
func (m *Membership) IsMember(id model.NodeID) bool {
	if id == m.self {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[id]
	return ok
}

// Add inserts or replaces a peer, idempotent on duplicate id.
func (m *Membership) Add(info model.NodeInfo) {
	if info.ID == m.self {
		return
	}
	m.mu.Lock()
	m.members[info.ID] = info
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(true, info)
	}
}

// Remove deletes a peer unconditionally (spec §4.3 Leave protocol: "any
// node can record a leave locally").
func (m *Membership) Remove(id model.NodeID) {
	m.mu.Lock()
	info, found := m.members[id]
	delete(m.members, id)
	observer := m.observer
	m.mu.Unlock()

	if observer != nil && found {
		observer(false, info)
	}
}

// Get returns a peer's info.
func (m *Membership) Get(id model.NodeID) (model.NodeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.members[id]
	return info, ok
}

// All returns a snapshot slice of known peers (excludes self).
func (m *Membership) All() []model.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.NodeInfo, 0, len(m.members))
	for _, info := range m.members {
		out = append(out, info)
	}
	return out
}

// Count returns the number of known peers (excludes self).
func (m *Membership) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// JoinResponse is returned to a join request (spec §4.3).
type JoinResponse struct {
	Accepted    bool             `json:"accepted"`
	LeaderHint  *model.NodeID    `json:"leader_hint,omitempty"`
	Members     []model.NodeInfo `json:"members"`
	CurrentTerm uint64           `json:"current_term"`
}

// HandleJoin implements spec §4.3's join protocol: a non-leader responds
// with accepted=false, a leader hint, no members, and the current term so
// the caller retries against the leader. The leader accepts, inserts the
// member (idempotent), and returns full membership.
func HandleJoin(n *Node, m *Membership, candidate model.NodeInfo) JoinResponse {
	if n.State() != model.StateLeader {
		return JoinResponse{
			Accepted:    false,
			LeaderHint:  n.Leader(),
			Members:     nil,
			CurrentTerm: n.Term(),
		}
	}

	m.Add(candidate)
	return JoinResponse{
		Accepted:    true,
		Members:     m.All(),
		CurrentTerm: n.Term(),
	}
}

// ClusterStatus is the snapshot returned by cluster_status() (spec §4.3).
type ClusterStatus struct {
	SelfID   model.NodeID                  `json:"self_id"`
	Leader   *model.NodeID                 `json:"leader_id"`
	Term     uint64                        `json:"term"`
	State    model.NodeState               `json:"state"`
	Healthy  bool                          `json:"healthy"`
	Members  map[model.NodeID]model.NodeState `json:"members"`
}

// Status builds a ClusterStatus from a Node. peerStates maps known peer ids
// to their last-observed state (maintained by the cluster package's health
// tracker); nil is treated as empty.
func Status(n *Node, m *Membership, peerStates map[model.NodeID]model.NodeState) ClusterStatus {
	members := make(map[model.NodeID]model.NodeState, len(peerStates)+1)
	for id, st := range peerStates {
		members[id] = st
	}
	members[n.ID()] = n.State()

	return ClusterStatus{
		SelfID:  n.ID(),
		Leader:  n.Leader(),
		Term:    n.Term(),
		State:   n.State(),
		Healthy: n.State() != model.StateDead,
		Members: members,
	}
}
