package cluster

import (
	"context"
	"fmt"
	"net"

	"github.com/ironfish/clusterd/internal/model"
)

// DNSProvider expands a hostname's A records into candidate peers, each on
// the given port (spec §4.4 "DNS-A-record expander"). Grounded on stdlib
// net.LookupHost — no pack repo does client-side A-record discovery; see
// DESIGN.md for the stdlib justification.
type DNSProvider struct {
	host     string
	port     int
	resolver func(ctx context.Context, host string) ([]string, error)
}

// NewDNSProvider builds a provider that resolves host and pairs each
// returned address with port.
func NewDNSProvider(host string, port int) *DNSProvider {
	r := &net.Resolver{}
	return &DNSProvider{host: host, port: port, resolver: r.LookupHost}
}

func (p *DNSProvider) Name() string { return "dns" }

func (p *DNSProvider) Discover(ctx context.Context) ([]model.NodeInfo, error) {
	addrs, err := p.resolver(ctx, p.host)
	if err != nil {
		return nil, err
	}

	out := make([]model.NodeInfo, 0, len(addrs))
	for _, ip := range addrs {
		addr := fmt.Sprintf("%s:%d", ip, p.port)
		out = append(out, model.NodeInfo{ID: model.NodeID("dns:" + addr), Address: addr})
	}
	return out, nil
}
