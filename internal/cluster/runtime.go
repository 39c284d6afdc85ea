package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/config"
	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
	"github.com/ironfish/clusterd/internal/node"
	"github.com/ironfish/clusterd/internal/token"
)

// BalancerUpdater is the subset of *balancer.Balancer the cluster runtime
// feeds gossiped peer metrics into (spec §4.6), declared locally so this
// package doesn't need to import balancer's full surface.
type BalancerUpdater interface {
	UpdateMetrics(id model.NodeID, m model.NodeMetrics)
}

// Runtime wires discovery, the gossip transport, and the hybrid raft+bully
// consensus loops around a shared *node.Node (spec §4.4 "Periodic loops").
// Every loop observes ctx as its shared shutdown signal.
type Runtime struct {
	Node       *node.Node
	Membership *node.Membership
	Peers      *PeerTable
	Gossiper   *Gossiper
	Raft       *RaftCore
	Bully      *BullyElector
	Discovery  *Manager
	Multicast  *MulticastDiscoverer

	listener   *GossipListener
	versions   *envelopeLog
	autoJoin   bool
	cfg        config.ClusterConfig
	gossipPort int
	balancer   *BalancerUpdater // boxed: NewRuntime wires the adapter before the balancer exists; SetBalancer fills the box in later
	log        *zap.SugaredLogger
}

// SetBalancer registers bal to receive gossiped NodeMetrics via
// ObserveNodeMetrics (spec §4.6). The balancer is constructed by the caller
// after NewRuntime returns, so this completes the wiring; call once before
// Run starts.
func (r *Runtime) SetBalancer(bal BalancerUpdater) {
	*r.balancer = bal
}

// NewRuntime assembles a cluster Runtime. tokens is the token.Service this
// node replicates gossip mutations into. bindAddr is the node's host:port
// bind address; the gossip listener runs on its port+100.
func NewRuntime(n *node.Node, bindAddr string, cfg config.ClusterConfig, providers []Provider, tokens *token.Service, autoJoin bool, log *zap.SugaredLogger) (*Runtime, error) {
	membership := node.NewMembership(n.ID())
	peers := NewPeerTable()

	gossipAddr, gossipPort, err := gossipListenAddr(bindAddr)
	if err != nil {
		return nil, err
	}

	versions := newEnvelopeLog()
	balancerSlot := new(BalancerUpdater)
	r := &Runtime{
		Node:       n,
		Membership: membership,
		Peers:      peers,
		Discovery:  NewManager(providers...),
		versions:   versions,
		autoJoin:   autoJoin,
		cfg:        cfg,
		gossipPort: gossipPort,
		balancer:   balancerSlot,
		log:        logging.Component(log, "cluster-runtime"),
	}

	var tokenApplier TokenApplier
	if tokens != nil {
		tokenApplier = tokens
	}
	gossiper := NewGossiper(n.ID(), peers, tokenApplier, membershipObserverAdapter{membership, balancerSlot}, log)
	gossiper.SetRecorder(versions.Record)
	r.Gossiper = gossiper

	raft := NewRaftCore(n, peers, log)
	bully := NewBullyElector(n, raft, peers, log)
	raft.SetBullyElector(bully)
	r.Raft = raft
	r.Bully = bully

	ln, err := ListenGossip(gossipAddr)
	if err != nil {
		return nil, err
	}
	r.listener = ln

	if cfg.MulticastGroup != "" {
		mc, err := NewMulticastDiscoverer(cfg.MulticastGroup)
		if err == nil {
			r.Multicast = mc
		} else {
			r.log.Warnw("multicast discoverer unavailable, continuing without it", "error", err)
		}
	}

	return r, nil
}

func gossipListenAddr(bindAddr string) (addr string, port int, err error) {
	host, portStr, err := splitHostPort(bindAddr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	gp := p + 100
	return fmt.Sprintf("%s:%d", host, gp), gp, nil
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("invalid bind address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

// membershipObserverAdapter adapts node.Membership to the cluster
// package's MembershipObserver interface for informational gossip events,
// and forwards gossiped peer load into the load balancer (spec §4.6).
// bal is a pointer to Runtime's balancer box: nil until SetBalancer fills
// it in, after which every copy of this adapter sees it (it's the same
// underlying box).
type membershipObserverAdapter struct {
	m   *node.Membership
	bal *BalancerUpdater
}

func (a membershipObserverAdapter) ObserveNodeJoined(info model.NodeInfo) { a.m.Add(info) }
func (a membershipObserverAdapter) ObserveNodeLeft(id model.NodeID)       { a.m.Remove(id) }
func (a membershipObserverAdapter) ObserveNodeMetrics(id model.NodeID, m model.NodeMetrics) {
	if a.bal != nil && *a.bal != nil {
		(*a.bal).UpdateMetrics(id, m)
	}
}

// Run starts every periodic loop and the gossip accept loop; it blocks
// until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) {
	go r.acceptLoop(ctx)
	go r.Gossiper.RunReceiveLoop(ctx)
	go r.discoveryLoop(ctx)
	go r.announcementLoop(ctx)
	go r.gossipSyncLoop(ctx)
	go r.heartbeatLoop(ctx)

	<-ctx.Done()
	_ = r.listener.Close()
	if r.Multicast != nil {
		_ = r.Multicast.Close()
	}
}

func (r *Runtime) acceptLoop(ctx context.Context) {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				r.log.Debugw("gossip accept error", "error", err)
				return
			}
		}
		go r.Gossiper.ServeConn(conn, r.versions, r.Raft)
	}
}

// discoveryLoop implements spec §4.4's discovery tick (default 10s).
func (r *Runtime) discoveryLoop(ctx context.Context) {
	interval := r.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runDiscoveryTick()
		}
	}
}

func (r *Runtime) runDiscoveryTick() {
	found := r.Discovery.Discover(context.Background())
	var withdrawn []model.NodeID
	if r.Multicast != nil {
		mcFound, mcWithdrawn, err := r.Multicast.Discover(context.Background())
		if err == nil {
			found = append(found, mcFound...)
			withdrawn = mcWithdrawn
		}
	}

	for _, info := range found {
		if info.ID == r.Node.ID() {
			continue
		}
		gossipAddr, _, err := gossipListenAddr(info.Address)
		if err == nil {
			r.Peers.Upsert(info.ID, gossipAddr)
		}
		if r.autoJoin && !r.Membership.IsMember(info.ID) {
			r.Membership.Add(info)
		}
	}

	for _, id := range withdrawn {
		if id == r.Node.ID() {
			continue
		}
		r.Membership.Remove(id)
	}
}

// announcementLoop implements spec §4.4's announcement tick: announce self
// via multicast on the same period as discovery.
func (r *Runtime) announcementLoop(ctx context.Context) {
	if r.Multicast == nil {
		return
	}
	interval := r.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Multicast.Announce(r.Node.Info())
		}
	}
}

// gossipSyncLoop implements spec §4.4's gossip sync tick (default 5s).
func (r *Runtime) gossipSyncLoop(ctx context.Context) {
	interval := r.cfg.GossipSyncInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Gossiper.SyncWithRandomPeer(ctx)
		}
	}
}

// heartbeatLoop drives the raft core: leaders send heartbeats, followers
// count missed ticks toward an election (spec §4.4, default 1s).
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Node.State() == model.StateLeader {
				r.Raft.SendHeartbeats(ctx)
			} else {
				r.Raft.OnHeartbeatTick(ctx)
			}
		}
	}
}

// envelopeLog retains locally-originated and applied envelopes in the order
// they were recorded so SyncResponder can answer a SyncRequest (spec §4.4). Bounded to a
// reasonable in-memory window since tokens fit comfortably and the KV store
// remains the source of truth for token records themselves.
//
// Record is called from Gossiper.wrap (arbitrary HTTP-handler goroutines via
// PublishTokenCreated/Revoked/Updated/PublishNodeJoined/Left) and from
// HandleIncoming (both the RunReceiveLoop goroutine and gossipSyncLoop's
// SyncWithRandomPeer), while EntriesSince runs on a fresh goroutine per
// inbound peer connection — entries needs its own lock, independent of any
// caller's synchronization.
type envelopeLog struct {
	mu      sync.Mutex
	entries []model.GossipEnvelope
}

func newEnvelopeLog() *envelopeLog { return &envelopeLog{} }

// Record appends an envelope, called whenever one is locally originated or
// received from a peer and applied (including when applying it failed).
func (l *envelopeLog) Record(env model.GossipEnvelope) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, env)
	const maxRetained = 4096
	if len(l.entries) > maxRetained {
		l.entries = l.entries[len(l.entries)-maxRetained:]
	}
}

// EntriesSince implements SyncResponder.
func (l *envelopeLog) EntriesSince(fromVersion uint64) []model.GossipEnvelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.GossipEnvelope, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out
}
