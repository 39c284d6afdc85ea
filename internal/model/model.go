// Package model holds the data types shared across clusterd's components:
// chess analysis requests/results, tokens, node/cluster state, and the
// gossip wire types. It has no dependencies on engine, cluster, or session
// internals — everything here is a plain value type.
package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// NodeID identifies a cluster node. Opaque string, UUID-generated by
// default but callers may supply arbitrary values (spec §3).
type NodeID string

// NewNodeID generates a fresh UUID-based NodeID.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// AnalysisID identifies one analysis request.
type AnalysisID string

// NewAnalysisID generates a fresh UUID-based AnalysisID.
func NewAnalysisID() AnalysisID {
	return AnalysisID(uuid.NewString())
}

// TokenID identifies one issued API token.
type TokenID string

// NewTokenID generates a fresh UUID-based TokenID.
func NewTokenID() TokenID {
	return TokenID(uuid.NewString())
}

// Move is a single chess move, coordinates plus an optional promotion piece.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// ScoreType tags an Evaluation as either a centipawn score or a mate
// distance in half-moves.
type ScoreType string

const (
	ScoreCentipawns ScoreType = "Centipawns"
	ScoreMate       ScoreType = "Mate"
)

// Evaluation is a tagged union: either a centipawn score or mate distance.
type Evaluation struct {
	ScoreType ScoreType `json:"score_type"`
	Value     int32     `json:"value"`
}

// PrincipalVariation is the engine's preferred move sequence at a given
// rank. Invariant: ranks are 1-based and unique within a result.
type PrincipalVariation struct {
	Rank       uint8      `json:"rank"`
	Moves      []Move     `json:"moves"`
	Evaluation Evaluation `json:"evaluation"`
	Depth      uint8      `json:"depth"`
}

// SortPVs sorts principal variations ascending by rank, satisfying the
// output invariant in spec §3/§8.
func SortPVs(pvs []PrincipalVariation) {
	sort.Slice(pvs, func(i, j int) bool { return pvs[i].Rank < pvs[j].Rank })
}

// AnalysisRequest describes one analysis job.
type AnalysisRequest struct {
	ID         AnalysisID `json:"id"`
	FEN        string     `json:"fen"`
	Depth      uint8      `json:"depth"`
	MultiPV    uint8      `json:"multipv"`
	MovetimeMs *uint64    `json:"movetime_ms,omitempty"`
}

// DefaultDepth is the default search depth when unset (spec §3).
const DefaultDepth uint8 = 20

// ClampMultiPV enforces the invariant that multipv is at least 1.
func ClampMultiPV(v uint8) uint8 {
	if v < 1 {
		return 1
	}
	return v
}

// NewAnalysisRequest builds a request applying spec §3 defaults/clamping.
func NewAnalysisRequest(id AnalysisID, fen string, depth, multipv uint8, movetimeMs *uint64) AnalysisRequest {
	if depth == 0 {
		depth = DefaultDepth
	}
	return AnalysisRequest{
		ID:         id,
		FEN:        fen,
		Depth:      depth,
		MultiPV:    ClampMultiPV(multipv),
		MovetimeMs: movetimeMs,
	}
}

// AnalysisResult is the final outcome of an analysis.
type AnalysisResult struct {
	ID                  AnalysisID           `json:"id"`
	FEN                 string               `json:"fen"`
	BestMove            Move                 `json:"best_move"`
	Ponder              *Move                `json:"ponder,omitempty"`
	Evaluation          Evaluation           `json:"evaluation"`
	PrincipalVariations []PrincipalVariation `json:"principal_variations"`
	DepthReached        uint8                `json:"depth_reached"`
	NodesSearched       uint64               `json:"nodes_searched"`
	TimeMs              uint64               `json:"time_ms"`
	CompletedAt         time.Time            `json:"completed_at"`
}

// AnalysisProgress is an incremental, best-effort update during a search.
type AnalysisProgress struct {
	ID                 AnalysisID           `json:"id"`
	CurrentDepth       uint8                `json:"current_depth"`
	TargetDepth        uint8                `json:"target_depth"`
	CurrentMove        *string              `json:"current_move,omitempty"`
	NodesPerSecond     uint64               `json:"nodes_per_second"`
	HashFull           uint32               `json:"hash_full"`
	Evaluation         *Evaluation          `json:"evaluation,omitempty"`
	PrincipalVariations []PrincipalVariation `json:"principal_variations"`
}

// ApiToken is the persisted, non-secret metadata for an issued token. The
// raw bearer token is never stored — only TokenHash.
type ApiToken struct {
	ID            TokenID    `json:"id"`
	Name          string     `json:"name,omitempty"`
	TokenHash     string     `json:"token_hash"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedByNode NodeID     `json:"created_by_node"`
	Revoked       bool       `json:"revoked"`
	RateLimit     *uint32    `json:"rate_limit,omitempty"`
}

// IsValid implements the validity predicate from spec §3.
func (t *ApiToken) IsValid(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// NodeInfo is the static-ish identity of a cluster node.
type NodeInfo struct {
	ID        NodeID    `json:"id"`
	Address   string    `json:"address"`
	Priority  uint32    `json:"priority"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// NodeState is the node role state machine (spec §3).
type NodeState string

const (
	StateStarting NodeState = "Starting"
	StateJoining  NodeState = "Joining"
	StateFollower NodeState = "Follower"
	StateCandidate NodeState = "Candidate"
	StateLeader   NodeState = "Leader"
	StateLeaving  NodeState = "Leaving"
	StateDead     NodeState = "Dead"
)

// NodeMetrics is a point-in-time snapshot of node load.
type NodeMetrics struct {
	CPUUsage        float64 `json:"cpu_usage"`
	MemoryUsage     float64 `json:"memory_usage"`
	ActiveAnalyses  int     `json:"active_analyses"`
	QueueDepth      int     `json:"queue_depth"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	TotalRequests   uint64  `json:"total_requests"`
	EnginesAvailable int    `json:"engines_available"`
	EnginesTotal     int    `json:"engines_total"`
}

// GossipMessageKind tags the GossipMessage union.
type GossipMessageKind string

const (
	GossipTokenCreated GossipMessageKind = "TokenCreated"
	GossipTokenRevoked GossipMessageKind = "TokenRevoked"
	GossipTokenUpdated GossipMessageKind = "TokenUpdated"
	GossipNodeJoined   GossipMessageKind = "NodeJoined"
	GossipNodeLeft     GossipMessageKind = "NodeLeft"
	GossipNodeMetrics  GossipMessageKind = "NodeMetrics"
)

// GossipMessage is the tagged union replicated between nodes. Exactly one
// of the payload fields is populated, selected by Kind.
type GossipMessage struct {
	Kind GossipMessageKind `json:"kind"`

	Token      *ApiToken    `json:"token,omitempty"`
	TokenID    TokenID      `json:"token_id,omitempty"`
	Node       *NodeInfo    `json:"node,omitempty"`
	NodeID     NodeID       `json:"node_id,omitempty"`
	NodeMetrics *NodeMetrics `json:"node_metrics,omitempty"`
}

// GossipEnvelope wraps a GossipMessage with replication metadata.
type GossipEnvelope struct {
	Message GossipMessage `json:"message"`
	Origin  NodeID        `json:"origin"`
	Version uint64        `json:"version"` // millisecond-resolution wall clock
	Hops    uint8         `json:"hops"`
}

// MaxGossipHops is the propagation ceiling from spec §3: forwarding ceases
// once Hops reaches this value.
const MaxGossipHops uint8 = 3
