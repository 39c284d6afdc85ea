// Package config loads clusterd's runtime configuration, the way am/ loads
// QNTX's — a struct bound via viper, defaults set in code, environment
// overrides taking precedence over file values. Parsing a config *file*
// format is out of spec scope (spec §1 Non-goals: configuration file
// parsing is external glue); this package only owns defaulting and env
// binding for the IRONFISH_* variables spec §6 names.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/util"
)

// DevelopmentTokenSecret is the well-known placeholder secret. Release
// builds must refuse to start with it (spec §6/§9).
const DevelopmentTokenSecret = "dev-insecure-token-secret-change-me"

// Config is the full set of runtime knobs, bound to IRONFISH_* env vars.
type Config struct {
	NodeID       string `mapstructure:"node_id"`
	BindAddress  string `mapstructure:"bind_address"`
	AdminKey     string `mapstructure:"admin_key"`
	TokenSecret  string `mapstructure:"token_secret"`
	ClusterPeers string `mapstructure:"cluster_peers"`
	StockfishPath string `mapstructure:"stockfish_path"`
	DataDir      string `mapstructure:"data_dir"`

	EnginePoolSize int `mapstructure:"engine_pool_size"`

	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Token    TokenConfig    `mapstructure:"token"`
	Session  SessionConfig  `mapstructure:"session"`
	Balancer BalancerConfig `mapstructure:"balancer"`

	Release bool `mapstructure:"release"`
}

// ClusterConfig configures discovery, gossip, and consensus timing.
type ClusterConfig struct {
	Priority              uint32        `mapstructure:"priority"`
	DiscoveryInterval     time.Duration `mapstructure:"discovery_interval"`
	GossipSyncInterval    time.Duration `mapstructure:"gossip_sync_interval"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	MissedHeartbeatsLimit int           `mapstructure:"missed_heartbeats_limit"`
	BullyElectionTimeout  time.Duration `mapstructure:"bully_election_timeout"`
	MulticastGroup        string        `mapstructure:"multicast_group"`
	MulticastPort         int           `mapstructure:"multicast_port"`
	MaxGossipHops         uint8         `mapstructure:"max_gossip_hops"`
	MaxMessageBytes       int           `mapstructure:"max_message_bytes"`
	RPCTimeout            time.Duration `mapstructure:"rpc_timeout"`
}

// TokenConfig configures the token subsystem.
type TokenConfig struct {
	DefaultTTLDays int `mapstructure:"default_ttl_days"`
}

// SessionConfig configures the WebSocket session engine.
type SessionConfig struct {
	AuthWindow          time.Duration `mapstructure:"auth_window"`
	MaxConcurrentPerConn int          `mapstructure:"max_concurrent_per_conn"`
	GlobalConnectionCap int           `mapstructure:"global_connection_cap"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	MaxFrameBytes       int64         `mapstructure:"max_frame_bytes"`
	ProgressBufferSize  int           `mapstructure:"progress_buffer_size"`
	WriterBufferSize    int           `mapstructure:"writer_buffer_size"`
}

// BalancerConfig configures load-balancer scoring weights.
type BalancerConfig struct {
	CPUWeight     float64 `mapstructure:"cpu_weight"`
	QueueWeight   float64 `mapstructure:"queue_weight"`
	LatencyWeight float64 `mapstructure:"latency_weight"`
}

// Load builds a Config from defaults overridden by IRONFISH_* environment
// variables, mirroring am.SetDefaults + viper.AutomaticEnv.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IRONFISH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "node_id", "IRONFISH_NODE_ID")
	bindEnv(v, "bind_address", "IRONFISH_BIND_ADDRESS")
	bindEnv(v, "admin_key", "IRONFISH_ADMIN_KEY")
	bindEnv(v, "token_secret", "IRONFISH_TOKEN_SECRET")
	bindEnv(v, "cluster_peers", "IRONFISH_CLUSTER_PEERS")
	bindEnv(v, "stockfish_path", "STOCKFISH_PATH")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, ierrors.WithKind(ierrors.Wrap(err, "failed to unmarshal config"), ierrors.KindConfig)
	}

	cfg.BindAddress = stripSchemePrefix(cfg.BindAddress)

	if cfg.Release && cfg.TokenSecret == DevelopmentTokenSecret {
		panic("clusterd: refusing to start a release build with the development default token secret")
	}

	return cfg, nil
}

// stripSchemePrefix drops an accidentally-pasted "tcp://" or "http://"
// prefix from a host:port value — operators copy addresses from dashboards
// and log lines that carry one.
func stripSchemePrefix(addr string) string {
	for _, scheme := range []string{"tcp://", "http://", "https://"} {
		if util.HasPrefixOrSuffix(addr, scheme) {
			return strings.TrimPrefix(addr, scheme)
		}
	}
	return addr
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_address", "0.0.0.0:8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("token_secret", DevelopmentTokenSecret)
	v.SetDefault("engine_pool_size", 4)
	v.SetDefault("release", false)

	v.SetDefault("cluster.priority", 100)
	v.SetDefault("cluster.discovery_interval", 10*time.Second)
	v.SetDefault("cluster.gossip_sync_interval", 5*time.Second)
	v.SetDefault("cluster.heartbeat_interval", 1*time.Second)
	v.SetDefault("cluster.missed_heartbeats_limit", 3)
	v.SetDefault("cluster.bully_election_timeout", 5*time.Second)
	v.SetDefault("cluster.multicast_group", "239.255.42.98:7878")
	v.SetDefault("cluster.multicast_port", 7878)
	v.SetDefault("cluster.max_gossip_hops", 3)
	v.SetDefault("cluster.max_message_bytes", 1<<20)
	v.SetDefault("cluster.rpc_timeout", 5*time.Second)

	v.SetDefault("token.default_ttl_days", 365)

	v.SetDefault("session.auth_window", 5*time.Second)
	v.SetDefault("session.max_concurrent_per_conn", 4)
	v.SetDefault("session.global_connection_cap", 256)
	v.SetDefault("session.ping_interval", 30*time.Second)
	v.SetDefault("session.max_frame_bytes", 64*1024)
	v.SetDefault("session.progress_buffer_size", 32)
	v.SetDefault("session.writer_buffer_size", 64)

	v.SetDefault("balancer.cpu_weight", 0.4)
	v.SetDefault("balancer.queue_weight", 0.3)
	v.SetDefault("balancer.latency_weight", 0.3)
}
