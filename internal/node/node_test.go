package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/model"
)

func newTestNode(id string, priority uint32) *Node {
	return New(model.NodeInfo{
		ID:        model.NodeID(id),
		Address:   "127.0.0.1:9000",
		Priority:  priority,
		StartedAt: time.Now(),
		Version:   "test",
	})
}

func TestTermNeverDecreases(t *testing.T) {
	n := newTestNode("a", 1)
	require.EqualValues(t, 1, n.IncrementTerm())
	require.EqualValues(t, 2, n.IncrementTerm())

	n.AdoptTerm(1) // lower, ignored
	assert.EqualValues(t, 2, n.Term())

	n.AdoptTerm(5)
	assert.EqualValues(t, 5, n.Term())
}

func TestStateAndLeader(t *testing.T) {
	n := newTestNode("a", 1)
	assert.Equal(t, model.StateStarting, n.State())

	n.SetStateAndLeader(model.StateFollower, model.NodeID("b"))
	assert.Equal(t, model.StateFollower, n.State())
	require.NotNil(t, n.Leader())
	assert.Equal(t, model.NodeID("b"), *n.Leader())
}

func TestMembershipIsMember(t *testing.T) {
	m := NewMembership("self")
	assert.True(t, m.IsMember("self"))
	assert.False(t, m.IsMember("other"))

	m.Add(model.NodeInfo{ID: "other"})
	assert.True(t, m.IsMember("other"))

	m.Remove("other")
	assert.False(t, m.IsMember("other"))
}

func TestMembershipAddIsIdempotent(t *testing.T) {
	m := NewMembership("self")
	m.Add(model.NodeInfo{ID: "a", Address: "1.2.3.4:1"})
	m.Add(model.NodeInfo{ID: "a", Address: "1.2.3.4:2"})
	assert.Equal(t, 1, m.Count())
	info, _ := m.Get("a")
	assert.Equal(t, "1.2.3.4:2", info.Address)
}

func TestHandleJoin_NonLeaderRejects(t *testing.T) {
	n := newTestNode("leader", 1)
	n.SetState(model.StateFollower)
	n.SetLeader("leader-elsewhere")
	m := NewMembership(n.ID())

	resp := HandleJoin(n, m, model.NodeInfo{ID: "candidate"})
	assert.False(t, resp.Accepted)
	require.NotNil(t, resp.LeaderHint)
	assert.Equal(t, model.NodeID("leader-elsewhere"), *resp.LeaderHint)
	assert.Empty(t, resp.Members)
}

func TestHandleJoin_LeaderAccepts(t *testing.T) {
	n := newTestNode("leader", 1)
	n.SetState(model.StateLeader)
	m := NewMembership(n.ID())

	resp := HandleJoin(n, m, model.NodeInfo{ID: "candidate", Address: "10.0.0.1:1"})
	assert.True(t, resp.Accepted)
	require.Len(t, resp.Members, 1)
	assert.True(t, m.IsMember("candidate"))

	// Idempotent on duplicate join.
	resp2 := HandleJoin(n, m, model.NodeInfo{ID: "candidate", Address: "10.0.0.1:2"})
	assert.True(t, resp2.Accepted)
	assert.Len(t, resp2.Members, 1)
}
