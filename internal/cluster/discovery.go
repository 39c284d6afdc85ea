// Package cluster implements the cluster runtime: discovery, gossip
// transport, hybrid raft+bully consensus, and health monitoring (spec
// §4.4).
package cluster

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ironfish/clusterd/internal/model"
)

// Provider is one pluggable peer-discovery source.
type Provider interface {
	Name() string
	Discover(ctx context.Context) ([]model.NodeInfo, error)
}

// StaticProvider returns a fixed, caller-supplied list of host:port peers.
// NodeID is unknown up front, so it's derived from the address — the
// discovery manager treats these as placeholders to be reconciled once a
// real NodeInfo is learned via gossip/join.
type StaticProvider struct {
	addrs []string
}

// NewStaticProvider builds a provider over a static host:port list (spec
// §4.4 "static list").
func NewStaticProvider(addrs []string) *StaticProvider { return &StaticProvider{addrs: addrs} }

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Discover(ctx context.Context) ([]model.NodeInfo, error) {
	out := make([]model.NodeInfo, 0, len(p.addrs))
	for _, addr := range p.addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		out = append(out, model.NodeInfo{ID: model.NodeID("static:" + addr), Address: addr})
	}
	return out, nil
}

// SeedProvider TCP-probes a fixed list of seed addresses, only returning
// those that currently accept a connection (spec §4.4 "seed-node list
// (TCP-probe stubs)").
type SeedProvider struct {
	addrs   []string
	timeout time.Duration
	dialer  func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSeedProvider builds a provider that TCP-probes each seed address.
func NewSeedProvider(addrs []string, timeout time.Duration) *SeedProvider {
	d := &net.Dialer{}
	return &SeedProvider{addrs: addrs, timeout: timeout, dialer: d.DialContext}
}

func (p *SeedProvider) Name() string { return "seed" }

func (p *SeedProvider) Discover(ctx context.Context) ([]model.NodeInfo, error) {
	out := make([]model.NodeInfo, 0, len(p.addrs))
	for _, addr := range p.addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		conn, err := p.dialer(probeCtx, "tcp", addr)
		cancel()
		if err != nil {
			continue
		}
		_ = conn.Close()
		out = append(out, model.NodeInfo{ID: model.NodeID("seed:" + addr), Address: addr})
	}
	return out, nil
}

// Manager aggregates up to four pluggable providers, run in sequence per
// tick, de-duplicating results by NodeID into a persistent known-peers set
// (spec §4.4).
type Manager struct {
	providers []Provider

	mu    sync.RWMutex
	known map[model.NodeID]model.NodeInfo
}

// NewManager constructs a discovery Manager over the given providers.
func NewManager(providers ...Provider) *Manager {
	return &Manager{providers: providers, known: make(map[model.NodeID]model.NodeInfo)}
}

// Discover runs every provider in sequence, merges their results into the
// known-peers set, and returns the full current set.
func (m *Manager) Discover(ctx context.Context) []model.NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.providers {
		found, err := p.Discover(ctx)
		if err != nil {
			continue // best-effort: a failing provider doesn't abort the tick
		}
		for _, info := range found {
			m.known[info.ID] = info
		}
	}

	out := make([]model.NodeInfo, 0, len(m.known))
	for _, info := range m.known {
		out = append(out, info)
	}
	return out
}

// Known returns the current known-peers snapshot without discovering.
func (m *Manager) Known() []model.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.NodeInfo, 0, len(m.known))
	for _, info := range m.known {
		out = append(out, info)
	}
	return out
}
