// Package balancer picks a peer node to route an analysis request to (spec
// §4.6). It tracks the same kind of peer table cluster/health.go does, but
// keyed on load rather than gossip health, and answers one question:
// "which live peer should handle the next request."
package balancer

import (
	"sync"
	"sync/atomic"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/model"
	"github.com/ironfish/clusterd/internal/util"
)

// Strategy selects among the three routing algorithms spec §4.6 names.
type Strategy int

const (
	// CpuAware is the default: pick the candidate with the greatest
	// precomputed weighted score.
	CpuAware Strategy = iota
	RoundRobin
	LeastConnections
)

// Weights controls the CpuAware score function. New replaces a zero-value
// Weights with DefaultWeights.
type Weights struct {
	CPU     float64
	Queue   float64
	Latency float64
}

// DefaultWeights matches spec §4.6: 0.4 cpu / 0.3 queue / 0.3 latency.
var DefaultWeights = Weights{CPU: 0.4, Queue: 0.3, Latency: 0.3}

// candidate is one peer's routing state: its last-reported metrics and the
// score computed from them.
type candidate struct {
	id        model.NodeID
	metrics   model.NodeMetrics
	score     float64
	excluded  bool // mark_unhealthy: excluded from every strategy until metrics update again
}

// Balancer tracks peer load and answers Select calls. Safe for concurrent
// use; update_metrics calls interleave with selection from many session
// goroutines.
type Balancer struct {
	weights Weights

	mu         sync.RWMutex
	candidates map[model.NodeID]*candidate
	order      []model.NodeID // stable iteration order for RoundRobin's counter

	rrCounter atomic.Uint64
}

// New constructs a Balancer. A zero Weights uses DefaultWeights.
func New(weights Weights) *Balancer {
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	return &Balancer{
		weights:    weights,
		candidates: make(map[model.NodeID]*candidate),
	}
}

// UpdateMetrics records m for id and recomputes its CpuAware score (spec
// §4.6 "update path"). A peer not previously seen is added.
func (b *Balancer) UpdateMetrics(id model.NodeID, m model.NodeMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.candidates[id]
	if !ok {
		c = &candidate{id: id}
		b.candidates[id] = c
		b.order = append(b.order, id)
	}
	c.metrics = m
	c.excluded = false
	c.score = b.weights.CPU*(1-m.CPUUsage) +
		b.weights.Queue/float64(m.QueueDepth+1) +
		b.weights.Latency/float64(m.AvgLatencyMs+1)
}

// MarkUnhealthy zeroes id's score and excludes it from every selection
// strategy until its next UpdateMetrics call (spec §4.6).
func (b *Balancer) MarkUnhealthy(id model.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.candidates[id]; ok {
		c.score = 0
		c.excluded = true
	}
}

// Remove drops id from the routing table entirely, e.g. on cluster leave.
func (b *Balancer) Remove(id model.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.candidates[id]; !ok {
		return
	}
	delete(b.candidates, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// errClusterUnavailable is returned by every Select strategy when no
// eligible candidate exists (spec §4.6).
func errClusterUnavailable() error {
	return ierrors.WithKind(ierrors.New("no eligible peer to route to"), ierrors.KindClusterUnavailable)
}

// Select picks a peer to route to using strategy, skipping any id present
// in exclude.
func (b *Balancer) Select(strategy Strategy, exclude map[model.NodeID]struct{}) (model.NodeID, error) {
	switch strategy {
	case RoundRobin:
		return b.selectRoundRobin(exclude)
	case LeastConnections:
		return b.selectLeastConnections(exclude)
	default:
		return b.selectCpuAware(exclude)
	}
}

func (b *Balancer) eligible(exclude map[model.NodeID]struct{}) []*candidate {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*candidate, 0, len(b.order))
	for _, id := range b.order {
		c := b.candidates[id]
		if c == nil || c.excluded {
			continue
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		out = append(out, c)
	}
	return out
}

// selectRoundRobin advances an atomic counter mod the live eligible set
// size (spec §4.6: "next-available healthy peer not in the exclude set").
func (b *Balancer) selectRoundRobin(exclude map[model.NodeID]struct{}) (model.NodeID, error) {
	eligible := b.eligible(exclude)
	if len(eligible) == 0 {
		return "", errClusterUnavailable()
	}
	n := b.rrCounter.Add(1)
	idx := int(n % uint64(len(eligible)))
	return eligible[idx].id, nil
}

// selectLeastConnections picks the eligible peer with the smallest
// ActiveAnalyses, ties broken by table order.
func (b *Balancer) selectLeastConnections(exclude map[model.NodeID]struct{}) (model.NodeID, error) {
	eligible := b.eligible(exclude)
	if len(eligible) == 0 {
		return "", errClusterUnavailable()
	}
	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.metrics.ActiveAnalyses < best.metrics.ActiveAnalyses {
			best = c
		}
	}
	return best.id, nil
}

// selectCpuAware picks the eligible peer with the greatest precomputed
// score, ties broken by table order.
func (b *Balancer) selectCpuAware(exclude map[model.NodeID]struct{}) (model.NodeID, error) {
	eligible := b.eligible(exclude)
	if len(eligible) == 0 {
		return "", errClusterUnavailable()
	}
	best := eligible[0]
	for _, c := range eligible[1:] {
		if util.AbsFloat64(c.score-best.score) > 1e-12 && c.score > best.score {
			best = c
		}
	}
	return best.id, nil
}
