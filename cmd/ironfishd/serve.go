package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironfish/clusterd/internal/balancer"
	"github.com/ironfish/clusterd/internal/cluster"
	"github.com/ironfish/clusterd/internal/config"
	"github.com/ironfish/clusterd/internal/engine"
	"github.com/ironfish/clusterd/internal/httpapi"
	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
	"github.com/ironfish/clusterd/internal/node"
	"github.com/ironfish/clusterd/internal/rpcserver"
	"github.com/ironfish/clusterd/internal/session"
	"github.com/ironfish/clusterd/internal/token"
)

var serveDevMode bool

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the clusterd node (REST/WebSocket + gRPC + cluster membership)",
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDevMode, "dev", false, "human-readable console logging instead of JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := "info"
	log, err := logging.New(!serveDevMode, level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	nodeID := model.NodeID(cfg.NodeID)
	if nodeID == "" {
		nodeID = model.NewNodeID()
	}
	n := node.New(model.NodeInfo{
		ID:        nodeID,
		Address:   cfg.BindAddress,
		Priority:  cfg.Cluster.Priority,
		StartedAt: time.Now(),
		Version:   "dev",
	})
	log.Infow("starting node", "node_id", n.ID(), "bind_address", cfg.BindAddress)

	pool, err := engine.NewPool(ctx, cfg.EnginePoolSize, cfg.StockfishPath, log)
	if err != nil {
		return fmt.Errorf("failed to start engine pool: %w", err)
	}
	analyzer := &engine.SessionAnalyzer{Pool: pool, Driver: engine.NewDriver(log)}

	store, err := token.OpenStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer store.Close()

	tokens := token.NewService(store, []byte(cfg.TokenSecret), n.ID(), cfg.Token.DefaultTTLDays, nil, log)

	providers := buildDiscoveryProviders(cfg)
	runtime, err := cluster.NewRuntime(n, cfg.BindAddress, cfg.Cluster, providers, tokens, true, log)
	if err != nil {
		return fmt.Errorf("failed to start cluster runtime: %w", err)
	}
	tokens.SetGossip(runtime.Gossiper)

	bal := balancer.New(balancer.Weights{
		CPU:     cfg.Balancer.CPUWeight,
		Queue:   cfg.Balancer.QueueWeight,
		Latency: cfg.Balancer.LatencyWeight,
	})
	runtime.SetBalancer(bal)
	go sampleMetricsLoop(ctx, n, pool, bal, log)

	sessions := session.NewManager(cfg.Session.GlobalConnectionCap, log)
	sessionCfg := session.Config{
		AuthWindow:    cfg.Session.AuthWindow,
		PingInterval:  cfg.Session.PingInterval,
		MaxConcurrent: cfg.Session.MaxConcurrentPerConn,
		MaxFrameBytes: cfg.Session.MaxFrameBytes,
	}

	// Publish membership/leadership transitions as cluster_event messages
	// (spec §4.5 wire table). Registered before Run starts so no transition
	// is missed.
	n.SetTransitionObserver(func(state model.NodeState, leader *model.NodeID, term uint64) {
		var leaderID model.NodeID
		if leader != nil {
			leaderID = *leader
		}
		sessions.Broadcast("cluster", session.NewClusterEvent(session.ClusterEventLeaderChanged, n.ID(), leaderID, term))
	})
	runtime.Membership.SetObserver(func(joined bool, info model.NodeInfo) {
		kind := session.ClusterEventNodeLeft
		if joined {
			kind = session.ClusterEventNodeJoined
		}
		var leaderID model.NodeID
		if l := n.Leader(); l != nil {
			leaderID = *l
		}
		sessions.Broadcast("cluster", session.NewClusterEvent(kind, info.ID, leaderID, n.Term()))
	})

	go runtime.Run(ctx)

	api := httpapi.New(log)
	api.NodeID = n.ID()
	api.AdminKey = cfg.AdminKey
	api.SessionCfg = sessionCfg
	api.Tokens = tokens
	api.Analyzer = analyzer
	api.Sessions = sessions
	api.ClusterNode = n
	api.Membership = runtime.Membership
	api.Balancer = bal
	api.Gossiper = runtime.Gossiper

	httpServer := &http.Server{Addr: cfg.BindAddress, Handler: api.Mux()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server stopped", "error", err)
		}
	}()

	grpcAddr := grpcListenAddr(cfg.BindAddress)
	rpc := rpcserver.New(log)
	rpc.SetServing("clusterd", true)
	go func() {
		if err := rpc.Serve(ctx, grpcAddr); err != nil {
			log.Errorw("grpc server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	rpc.Stop()

	return nil
}

// buildDiscoveryProviders wires the static list (IRONFISH_CLUSTER_PEERS) and
// a TCP-probe seed list over the same addresses. Multicast discovery is not
// built here: cluster.NewRuntime opens it from the cluster config. No DNS
// provider is wired.
func buildDiscoveryProviders(cfg *config.Config) []cluster.Provider {
	var providers []cluster.Provider

	var peers []string
	for _, addr := range strings.Split(cfg.ClusterPeers, ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			peers = append(peers, addr)
		}
	}
	if len(peers) > 0 {
		providers = append(providers, cluster.NewStaticProvider(peers))
		providers = append(providers, cluster.NewSeedProvider(peers, 2*time.Second))
	}

	return providers
}

// grpcListenAddr derives the gRPC listen address from the REST bind
// address, offsetting the port by 1 the way gossipListenAddr offsets by
// 100 for the gossip listener.
func grpcListenAddr(bindAddr string) string {
	host, port := splitHostPort(bindAddr)
	return fmt.Sprintf("%s:%d", host, port+1)
}

func splitHostPort(addr string) (string, int) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, 8080
	}
	host := addr[:idx]
	var port int
	fmt.Sscanf(addr[idx+1:], "%d", &port)
	return host, port
}

// sampleMetricsLoop periodically samples host load and feeds it into the
// balancer for this node's own entry, the way a peer's gossiped NodeMetrics
// would for a remote one (spec §4.3/§4.6).
func sampleMetricsLoop(ctx context.Context, n *node.Node, pool *engine.Pool, bal *balancer.Balancer, log interface {
	Debugw(string, ...interface{})
}) {
	sampler := node.NewSampler()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuUsage, memUsage, err := sampler.Sample(ctx)
			if err != nil {
				log.Debugw("metrics sample failed", "error", err)
				continue
			}
			metrics := node.Merge(cpuUsage, memUsage, pool.Active(), 0, 0, 0, pool.Size()-pool.Active(), pool.Size())
			bal.UpdateMetrics(n.ID(), metrics)
		}
	}
}
