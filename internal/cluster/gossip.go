package cluster

import (
	"bufio"
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
)

// TokenApplier is the subset of token.Service the gossip processor calls
// into when applying replicated mutations. Declared locally to avoid an
// import cycle between cluster and token.
type TokenApplier interface {
	ApplyGossipTokenCreated(*model.ApiToken) error
	ApplyGossipTokenUpdated(*model.ApiToken) error
	ApplyGossipTokenRevoked(model.TokenID) error
}

// MembershipObserver is notified of informational NodeJoined/NodeLeft/
// NodeMetrics gossip messages (spec §4.4: "informational; membership layer
// may observe").
type MembershipObserver interface {
	ObserveNodeJoined(model.NodeInfo)
	ObserveNodeLeft(model.NodeID)
	ObserveNodeMetrics(model.NodeID, model.NodeMetrics)
}

// Gossiper owns the peer table and drives incoming-envelope application,
// forwarding, and outbound broadcast (spec §4.4).
type Gossiper struct {
	self   model.NodeID
	peers  *PeerTable
	tokens TokenApplier
	memb   MembershipObserver
	log    *zap.SugaredLogger

	version *versionClock

	// recorder, if set, is called for every envelope this node originates
	// or applies, feeding the sync log a peer's SyncRequest draws from.
	recorder func(model.GossipEnvelope)

	// incoming is the bounded, blocking envelope queue that provides
	// backpressure from the processor to the network accept loop
	// (spec §5, capacity 1024).
	incoming chan model.GossipEnvelope
}

// SetRecorder wires a callback invoked for every originated or applied
// envelope (runtime.go feeds this into the sync-request log).
func (g *Gossiper) SetRecorder(f func(model.GossipEnvelope)) { g.recorder = f }

func (g *Gossiper) record(env model.GossipEnvelope) {
	if g.recorder != nil {
		g.recorder(env)
	}
}

const incomingQueueCapacity = 1024

// NewGossiper constructs a Gossiper. memb may be nil if no observer cares
// about informational membership events.
func NewGossiper(self model.NodeID, peers *PeerTable, tokens TokenApplier, memb MembershipObserver, log *zap.SugaredLogger) *Gossiper {
	return &Gossiper{
		self:     self,
		peers:    peers,
		tokens:   tokens,
		memb:     memb,
		log:      logging.Component(log, "gossip"),
		version:  newVersionClock(),
		incoming: make(chan model.GossipEnvelope, incomingQueueCapacity),
	}
}

// versionClock produces strictly-increasing millisecond wall-clock
// versions for locally-originated envelopes (spec §3 "logical timestamp,
// millisecond-resolution wall clock").
type versionClock struct {
	last uint64
}

func newVersionClock() *versionClock { return &versionClock{} }

func (c *versionClock) Next() uint64 {
	now := uint64(time.Now().UnixMilli())
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// wrap builds an envelope originated by self at hops=0.
func (g *Gossiper) wrap(msg model.GossipMessage) model.GossipEnvelope {
	env := model.GossipEnvelope{
		Message: msg,
		Origin:  g.self,
		Version: g.version.Next(),
		Hops:    0,
	}
	g.record(env)
	return env
}

// PublishTokenCreated implements token.GossipPublisher.
func (g *Gossiper) PublishTokenCreated(t *model.ApiToken) {
	env := g.wrap(model.GossipMessage{Kind: model.GossipTokenCreated, Token: t})
	g.Broadcast(env)
}

// PublishTokenRevoked implements token.GossipPublisher.
func (g *Gossiper) PublishTokenRevoked(id model.TokenID) {
	env := g.wrap(model.GossipMessage{Kind: model.GossipTokenRevoked, TokenID: id})
	g.Broadcast(env)
}

// PublishTokenUpdated broadcasts a TokenUpdated envelope.
func (g *Gossiper) PublishTokenUpdated(t *model.ApiToken) {
	env := g.wrap(model.GossipMessage{Kind: model.GossipTokenUpdated, Token: t})
	g.Broadcast(env)
}

// PublishNodeJoined broadcasts an informational NodeJoined envelope.
func (g *Gossiper) PublishNodeJoined(info model.NodeInfo) {
	g.Broadcast(g.wrap(model.GossipMessage{Kind: model.GossipNodeJoined, Node: &info}))
}

// PublishNodeLeft broadcasts an informational NodeLeft envelope.
func (g *Gossiper) PublishNodeLeft(id model.NodeID) {
	g.Broadcast(g.wrap(model.GossipMessage{Kind: model.GossipNodeLeft, NodeID: id}))
}

// Broadcast sends env to every healthy peer. A send failure on one peer
// marks it unhealthy but does not abort delivery to the others (spec §4.4
// "Failure semantics").
func (g *Gossiper) Broadcast(env model.GossipEnvelope) {
	for _, p := range g.peers.Healthy() {
		go g.sendTo(p, env)
	}
}

func (g *Gossiper) sendTo(p Peer, env model.GossipEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), RPCTimeout)
	defer cancel()

	if _, err := SendAndClose(ctx, p.GossipAddr, NetworkMessage{Kind: MsgGossip, Gossip: &env}, false); err != nil {
		g.log.Debugw("gossip send failed, marking peer unhealthy", "peer", p.ID, "error", err)
		g.peers.MarkUnhealthy(p.ID)
		return
	}
	g.peers.MarkHealthy(p.ID)
}

// HandleIncoming implements the receive-side protocol from spec §4.4: drop
// self-originated envelopes, apply the payload, and — if hops < 3 —
// re-broadcast a copy with hops incremented.
func (g *Gossiper) HandleIncoming(env model.GossipEnvelope) {
	if env.Origin == g.self {
		return
	}

	if err := g.apply(env.Message); err != nil {
		g.log.Debugw("failed to apply gossip message", "kind", env.Message.Kind, "error", err)
	}
	g.record(env)

	if env.Hops < model.MaxGossipHops {
		forwarded := env
		forwarded.Hops = env.Hops + 1
		g.Broadcast(forwarded)
	}
}

func (g *Gossiper) apply(msg model.GossipMessage) error {
	switch msg.Kind {
	case model.GossipTokenCreated:
		if g.tokens == nil || msg.Token == nil {
			return nil
		}
		return g.tokens.ApplyGossipTokenCreated(msg.Token)
	case model.GossipTokenUpdated:
		if g.tokens == nil || msg.Token == nil {
			return nil
		}
		return g.tokens.ApplyGossipTokenUpdated(msg.Token)
	case model.GossipTokenRevoked:
		if g.tokens == nil {
			return nil
		}
		return g.tokens.ApplyGossipTokenRevoked(msg.TokenID)
	case model.GossipNodeJoined:
		if g.memb != nil && msg.Node != nil {
			g.memb.ObserveNodeJoined(*msg.Node)
		}
		return nil
	case model.GossipNodeLeft:
		if g.memb != nil {
			g.memb.ObserveNodeLeft(msg.NodeID)
		}
		return nil
	case model.GossipNodeMetrics:
		if g.memb != nil && msg.NodeMetrics != nil {
			g.memb.ObserveNodeMetrics(msg.NodeID, *msg.NodeMetrics)
		}
		return nil
	default:
		return nil // unknown variants are ignored, spec §4.4
	}
}

// Enqueue pushes a freshly-received envelope onto the bounded incoming
// queue, blocking if full (spec §5 backpressure).
func (g *Gossiper) Enqueue(env model.GossipEnvelope) {
	g.incoming <- env
}

// RunReceiveLoop drains the incoming queue and applies+forwards each
// envelope until ctx is cancelled (spec §4.4 "gossip receive loop").
func (g *Gossiper) RunReceiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-g.incoming:
			g.HandleIncoming(env)
		}
	}
}

// RaftHandler is the subset of RaftCore the gossip listener dispatches
// consensus RPCs to, kept as a local interface to avoid a dependency cycle
// with raft.go's own imports.
type RaftHandler interface {
	HandleVoteRequest(VoteRequest) VoteResponse
	HandleAppendEntries(AppendEntriesRequest) AppendEntriesResponse
}

// ServeConn handles one inbound gossip connection: reads framed messages
// until EOF or a protocol error, dispatching each by kind. A Gossip message
// is enqueued for the receive loop; SyncRequest, Ping, and the consensus
// RPCs are answered inline.
func (g *Gossiper) ServeConn(conn net.Conn, sync SyncResponder, raft RaftHandler) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		msg, err := ReadMessage(r)
		if err != nil {
			return
		}

		switch msg.Kind {
		case MsgGossip:
			if msg.Gossip != nil {
				g.Enqueue(*msg.Gossip)
			}
		case MsgSyncRequest:
			if sync == nil {
				continue
			}
			entries := sync.EntriesSince(msg.FromVersion)
			_ = WriteMessage(conn, NetworkMessage{Kind: MsgSyncResponse, Entries: entries})
		case MsgPing:
			_ = WriteMessage(conn, NetworkMessage{Kind: MsgPong})
		case MsgVoteRequest:
			if raft == nil || msg.Vote == nil {
				continue
			}
			resp := raft.HandleVoteRequest(*msg.Vote)
			_ = WriteMessage(conn, NetworkMessage{Kind: MsgVoteResponse, VoteResult: &resp})
		case MsgAppendEntries:
			if raft == nil || msg.Append == nil {
				continue
			}
			resp := raft.HandleAppendEntries(*msg.Append)
			_ = WriteMessage(conn, NetworkMessage{Kind: MsgAppendEntriesResult, AppendResult: &resp})
		default:
			// unknown / not handled inline by the gossip listener
		}
	}
}

// SyncResponder answers a SyncRequest with the envelopes generated at or
// after fromVersion (spec §4.4 gossip sync tick).
type SyncResponder interface {
	EntriesSince(fromVersion uint64) []model.GossipEnvelope
}

// SyncWithRandomPeer implements the gossip-sync tick: pick one healthy peer
// at random, request its entries since version 0, and apply each.
func (g *Gossiper) SyncWithRandomPeer(ctx context.Context) {
	peer, ok := g.peers.RandomHealthy()
	if !ok {
		return
	}

	reply, err := SendAndClose(ctx, peer.GossipAddr, NetworkMessage{Kind: MsgSyncRequest, FromVersion: 0}, true)
	if err != nil {
		g.log.Debugw("gossip sync failed, retrying next tick", "peer", peer.ID, "error", err)
		g.peers.MarkUnhealthy(peer.ID)
		return
	}
	g.peers.MarkHealthy(peer.ID)

	if reply == nil || reply.Kind != MsgSyncResponse {
		return
	}
	for _, env := range reply.Entries {
		g.HandleIncoming(env)
	}
}
