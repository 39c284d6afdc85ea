package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
	"github.com/ironfish/clusterd/internal/node"
)

// DefaultHeartbeatInterval is the leader's AppendEntries cadence (spec
// §4.4).
const DefaultHeartbeatInterval = time.Second

// MissedHeartbeatsLimit triggers an election once this many consecutive
// heartbeat ticks elapse without an AppendEntries from a leader.
const MissedHeartbeatsLimit = 3

// VoteRequest is the raft RequestVote RPC payload, extended with the
// candidate's priority so a receiver can detect a bully override
// condition (spec §4.4 "When a vote request arrives whose priority >
// self.priority").
type VoteRequest struct {
	Term        uint64
	CandidateID model.NodeID
	Priority    uint32
}

// VoteResponse is the RequestVote reply.
type VoteResponse struct {
	Term    uint64
	Granted bool
}

// AppendEntriesRequest is the raft heartbeat RPC payload. This system
// replicates no log entries proper — CommitIndex stands in for "leader
// progress", advanced monotonically on every heartbeat (spec §4.4
// AppendEntries policy: "advance commit_index if the incoming value is
// larger").
type AppendEntriesRequest struct {
	Term        uint64
	LeaderID    model.NodeID
	CommitIndex uint64
}

// AppendEntriesResponse is the AppendEntries reply, carrying the
// responder's current metrics per spec §4.4.
type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	Metrics model.NodeMetrics
}

// RaftCore implements the heartbeat-driven raft-style leader election from
// spec §4.4, sharing the underlying *node.Node with the bully elector.
type RaftCore struct {
	n     *node.Node
	bully *BullyElector

	mu               sync.Mutex
	votedFor         *model.NodeID
	votedTerm        uint64
	missedHeartbeats int
	commitIndex      uint64

	peers *PeerTable
	log   *zap.SugaredLogger
}

// NewRaftCore constructs a RaftCore bound to n and the shared peer table.
func NewRaftCore(n *node.Node, peers *PeerTable, log *zap.SugaredLogger) *RaftCore {
	return &RaftCore{
		n:     n,
		peers: peers,
		log:   logging.Component(log, "raft"),
	}
}

// SetBullyElector wires the bully elector invoked on a higher-priority vote
// request (breaks the RaftCore/BullyElector construction cycle).
func (r *RaftCore) SetBullyElector(b *BullyElector) { r.bully = b }

// OnHeartbeatTick is called once per heartbeat interval by a follower; it
// increments the missed-heartbeat counter and starts an election once the
// limit is reached. ResetMissedHeartbeats is called whenever a valid
// AppendEntries arrives.
func (r *RaftCore) OnHeartbeatTick(ctx context.Context) {
	if r.n.State() == model.StateLeader {
		return
	}

	r.mu.Lock()
	r.missedHeartbeats++
	missed := r.missedHeartbeats
	r.mu.Unlock()

	if missed >= MissedHeartbeatsLimit {
		r.StartElection(ctx)
	}
}

// ResetMissedHeartbeats clears the counter.
func (r *RaftCore) ResetMissedHeartbeats() {
	r.mu.Lock()
	r.missedHeartbeats = 0
	r.mu.Unlock()
}

// StartElection increments the term, becomes Candidate, votes for self, and
// requests votes from every healthy peer over the gossip transport.
// Transitions to Leader on simple majority (spec §4.4).
func (r *RaftCore) StartElection(ctx context.Context) {
	term := r.n.IncrementTerm()
	r.n.SetState(model.StateCandidate)
	r.n.ClearLeader()
	self := r.n.ID()

	r.mu.Lock()
	r.votedFor = &self
	r.votedTerm = term
	r.mu.Unlock()

	peers := r.peers.Healthy()
	votes := 1 // vote for self
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			resp, ok := r.requestVote(ctx, p, VoteRequest{
				Term:        term,
				CandidateID: self,
				Priority:    r.n.Info().Priority,
			})
			if !ok {
				return
			}
			if resp.Term > term {
				r.n.AdoptTerm(resp.Term)
				r.n.SetState(model.StateFollower)
				return
			}
			if resp.Granted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	majority := ceilDiv(len(peers)+1, 2)
	if r.n.State() == model.StateCandidate && votes >= majority {
		r.becomeLeader()
	}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func (r *RaftCore) becomeLeader() {
	r.n.SetStateAndLeader(model.StateLeader, r.n.ID())
	r.log.Infow("became leader", "term", r.n.Term())
}

func (r *RaftCore) requestVote(ctx context.Context, p Peer, req VoteRequest) (VoteResponse, bool) {
	reply, err := SendAndClose(ctx, p.GossipAddr, NetworkMessage{Kind: MsgVoteRequest, Vote: &req}, true)
	if err != nil || reply == nil || reply.VoteResult == nil {
		r.peers.MarkUnhealthy(p.ID)
		return VoteResponse{}, false
	}
	r.peers.MarkHealthy(p.ID)
	return *reply.VoteResult, true
}

// HandleVoteRequest implements the vote policy from spec §4.4. If the
// request carries a priority higher than self's, it additionally triggers
// the bully elector rather than granting/denying via raft rules alone.
func (r *RaftCore) HandleVoteRequest(req VoteRequest) VoteResponse {
	if req.Priority > r.n.Info().Priority && r.bully != nil {
		candidate := model.NodeInfo{ID: req.CandidateID, Priority: req.Priority}
		go r.bully.StartElection(context.Background(), candidate)
	}

	current := r.n.Term()
	if req.Term < current {
		return VoteResponse{Term: current, Granted: false}
	}

	if req.Term > current {
		r.n.AdoptTerm(req.Term)
		r.n.SetState(model.StateFollower)
		r.mu.Lock()
		r.votedFor = nil
		r.votedTerm = req.Term
		r.mu.Unlock()
		current = req.Term
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	grant := r.votedFor == nil || r.votedTerm != req.Term || *r.votedFor == req.CandidateID
	if grant {
		r.votedFor = &req.CandidateID
		r.votedTerm = req.Term
	}
	return VoteResponse{Term: current, Granted: grant}
}

// HandleAppendEntries implements the AppendEntries policy from spec §4.4:
// reject stale terms, adopt newer ones, always become Follower and record
// the leader, and advance commit_index monotonically.
func (r *RaftCore) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	current := r.n.Term()
	if req.Term < current {
		return AppendEntriesResponse{Term: current, Success: false, Metrics: r.n.Metrics()}
	}

	if req.Term > current {
		r.n.AdoptTerm(req.Term)
		current = req.Term
	}

	r.n.SetStateAndLeader(model.StateFollower, req.LeaderID)
	r.ResetMissedHeartbeats()

	r.mu.Lock()
	if req.CommitIndex > r.commitIndex {
		r.commitIndex = req.CommitIndex
	}
	r.mu.Unlock()

	return AppendEntriesResponse{Term: current, Success: true, Metrics: r.n.Metrics()}
}

// SendHeartbeats is called by the leader at DefaultHeartbeatInterval to
// assert leadership over every healthy peer. A send failure on one peer
// marks it unhealthy but does not abort delivery to the others.
func (r *RaftCore) SendHeartbeats(ctx context.Context) {
	if r.n.State() != model.StateLeader {
		return
	}

	r.mu.Lock()
	r.commitIndex++
	idx := r.commitIndex
	r.mu.Unlock()

	req := AppendEntriesRequest{Term: r.n.Term(), LeaderID: r.n.ID(), CommitIndex: idx}
	for _, p := range r.peers.Healthy() {
		go func(p Peer) {
			reply, err := SendAndClose(ctx, p.GossipAddr, NetworkMessage{Kind: MsgAppendEntries, Append: &req}, true)
			if err != nil || reply == nil || reply.AppendResult == nil {
				r.peers.MarkUnhealthy(p.ID)
				return
			}
			r.peers.MarkHealthy(p.ID)
			if reply.AppendResult.Term > req.Term {
				r.n.AdoptTerm(reply.AppendResult.Term)
				r.n.SetState(model.StateFollower)
			}
		}(p)
	}
}
