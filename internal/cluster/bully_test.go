package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
)

func TestBullyElector_NoHigherPriorityDeclaresVictoryImmediately(t *testing.T) {
	n := newTestRaftNode("high", 200)
	raft := NewRaftCore(n, NewPeerTable(), logging.Nop())
	b := NewBullyElector(n, raft, NewPeerTable(), logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b.StartElection(ctx, model.NodeInfo{ID: "low", Priority: 50})
	assert.Equal(t, model.StateLeader, n.State())
	if assert.NotNil(t, n.Leader()) {
		assert.Equal(t, n.ID(), *n.Leader())
	}
}

func TestBullyElector_HigherPriorityPeerStandsDownOnCoordinator(t *testing.T) {
	n := newTestRaftNode("mid", 100)
	raft := NewRaftCore(n, NewPeerTable(), logging.Nop())
	b := NewBullyElector(n, raft, NewPeerTable(), logging.Nop())
	b.electionTimeout = 200 * time.Millisecond

	termBefore := n.Term()

	go func() {
		time.Sleep(20 * time.Millisecond)
		raft.HandleAppendEntries(AppendEntriesRequest{Term: termBefore + 1, LeaderID: "high"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.StartElection(ctx, model.NodeInfo{ID: "high", Priority: 200})

	assert.Equal(t, model.StateFollower, n.State())
	assert.Equal(t, model.NodeID("high"), *n.Leader())
}

func TestBullyElector_TimesOutToVictoryWithoutCoordinator(t *testing.T) {
	n := newTestRaftNode("mid", 100)
	raft := NewRaftCore(n, NewPeerTable(), logging.Nop())
	b := NewBullyElector(n, raft, NewPeerTable(), logging.Nop())
	b.electionTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.StartElection(ctx, model.NodeInfo{ID: "high", Priority: 200})

	assert.Equal(t, model.StateLeader, n.State())
}
