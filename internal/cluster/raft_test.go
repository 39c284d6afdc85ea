package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
	"github.com/ironfish/clusterd/internal/node"
)

func newTestRaftNode(id string, priority uint32) *node.Node {
	return node.New(model.NodeInfo{ID: model.NodeID(id), Priority: priority, StartedAt: time.Now()})
}

func TestRaftCore_VotePolicy_RejectsStaleTerm(t *testing.T) {
	n := newTestRaftNode("a", 1)
	n.AdoptTerm(5)
	r := NewRaftCore(n, NewPeerTable(), logging.Nop())

	resp := r.HandleVoteRequest(VoteRequest{Term: 3, CandidateID: "b"})
	assert.False(t, resp.Granted)
	assert.EqualValues(t, 5, resp.Term)
}

func TestRaftCore_VotePolicy_AdoptsNewerTermAndGrants(t *testing.T) {
	n := newTestRaftNode("a", 1)
	r := NewRaftCore(n, NewPeerTable(), logging.Nop())

	resp := r.HandleVoteRequest(VoteRequest{Term: 7, CandidateID: "b"})
	assert.True(t, resp.Granted)
	assert.EqualValues(t, 7, n.Term())
	assert.Equal(t, model.StateFollower, n.State())
}

func TestRaftCore_VotePolicy_RejectsSecondCandidateSameTerm(t *testing.T) {
	n := newTestRaftNode("a", 1)
	r := NewRaftCore(n, NewPeerTable(), logging.Nop())

	first := r.HandleVoteRequest(VoteRequest{Term: 1, CandidateID: "b"})
	require.True(t, first.Granted)

	second := r.HandleVoteRequest(VoteRequest{Term: 1, CandidateID: "c"})
	assert.False(t, second.Granted)

	// Duplicate request from the same already-voted-for candidate still
	// grants (idempotent).
	dup := r.HandleVoteRequest(VoteRequest{Term: 1, CandidateID: "b"})
	assert.True(t, dup.Granted)
}

func TestRaftCore_AppendEntries_RejectsStaleTerm(t *testing.T) {
	n := newTestRaftNode("a", 1)
	n.AdoptTerm(5)
	r := NewRaftCore(n, NewPeerTable(), logging.Nop())

	resp := r.HandleAppendEntries(AppendEntriesRequest{Term: 3, LeaderID: "b"})
	assert.False(t, resp.Success)
}

func TestRaftCore_AppendEntries_AdvancesTermAndBecomesFollower(t *testing.T) {
	n := newTestRaftNode("a", 1)
	n.SetState(model.StateCandidate)
	r := NewRaftCore(n, NewPeerTable(), logging.Nop())

	resp := r.HandleAppendEntries(AppendEntriesRequest{Term: 9, LeaderID: "leader-x", CommitIndex: 2})
	assert.True(t, resp.Success)
	assert.EqualValues(t, 9, n.Term())
	assert.Equal(t, model.StateFollower, n.State())
	require.NotNil(t, n.Leader())
	assert.Equal(t, model.NodeID("leader-x"), *n.Leader())
}

func TestRaftCore_AppendEntries_MonotonicCommitIndex(t *testing.T) {
	n := newTestRaftNode("a", 1)
	r := NewRaftCore(n, NewPeerTable(), logging.Nop())

	r.HandleAppendEntries(AppendEntriesRequest{Term: 1, LeaderID: "leader-x", CommitIndex: 5})
	r.HandleAppendEntries(AppendEntriesRequest{Term: 1, LeaderID: "leader-x", CommitIndex: 2})
	assert.EqualValues(t, 5, r.commitIndex)
}

func TestRaftCore_StartElection_NoPeersBecomesLeaderImmediately(t *testing.T) {
	n := newTestRaftNode("a", 1)
	r := NewRaftCore(n, NewPeerTable(), logging.Nop())

	r.StartElection(nil)
	assert.Equal(t, model.StateLeader, n.State())
}
