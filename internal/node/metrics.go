package node

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ironfish/clusterd/internal/model"
)

// Sampler reports the host-level portion of NodeMetrics (cpu_usage,
// memory_usage), sourced from gopsutil — a direct teacher dependency —
// rather than requiring every caller to hand-supply these numbers
// (SPEC_FULL.md domain stack).
type Sampler struct{}

// NewSampler constructs a Sampler.
func NewSampler() *Sampler { return &Sampler{} }

// Sample reads current host CPU and memory utilization, each clamped to
// [0,1] per spec §3.
func (s *Sampler) Sample(ctx context.Context) (cpuUsage, memUsage float64, err error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	if len(percents) > 0 {
		cpuUsage = clamp01(percents[0] / 100.0)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return cpuUsage, 0, err
	}
	memUsage = clamp01(vm.UsedPercent / 100.0)

	return cpuUsage, memUsage, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Merge combines sampled host stats with pool/session-derived counters into
// a full NodeMetrics snapshot.
func Merge(cpuUsage, memUsage float64, activeAnalyses, queueDepth int, avgLatencyMs float64, totalRequests uint64, enginesAvailable, enginesTotal int) model.NodeMetrics {
	return model.NodeMetrics{
		CPUUsage:         cpuUsage,
		MemoryUsage:      memUsage,
		ActiveAnalyses:   activeAnalyses,
		QueueDepth:       queueDepth,
		AvgLatencyMs:     avgLatencyMs,
		TotalRequests:    totalRequests,
		EnginesAvailable: enginesAvailable,
		EnginesTotal:     enginesTotal,
	}
}
