package cluster

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/ironfish/clusterd/internal/model"
)

// Packet type tags for the one-byte-prefixed multicast wire format (spec
// §4.4/§6): 1=announce (NodeInfo JSON follows), 2=withdraw (NodeId JSON
// follows).
const (
	multicastTagAnnounce byte = 1
	multicastTagWithdraw byte = 2
)

const multicastReceiveTimeout = 100 * time.Millisecond

// MulticastDiscoverer joins an IPv4 multicast group to discover and
// announce peers (spec §4.4). Built on golang.org/x/net/ipv4 because
// stdlib net.ListenMulticastUDP doesn't expose SO_REUSEPORT / multicast
// loopback control uniformly across platforms (DESIGN.md).
type MulticastDiscoverer struct {
	group string // host:port, e.g. "239.255.42.98:7878"
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	iface *net.Interface
}

// NewMulticastDiscoverer joins group (default 239.255.42.98:7878) with
// SO_REUSEADDR and, on UNIX, SO_REUSEPORT, multicast loopback enabled.
func NewMulticastDiscoverer(group string) (*MulticastDiscoverer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, err
	}

	conn, err := listenMulticastReusable(udpAddr)
	if err != nil {
		return nil, err
	}

	pconn := ipv4.NewPacketConn(conn)
	_ = pconn.SetMulticastLoopback(true)
	if err := pconn.JoinGroup(nil, &net.UDPAddr{IP: udpAddr.IP}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &MulticastDiscoverer{group: group, conn: conn, pconn: pconn}, nil
}

func (d *MulticastDiscoverer) Name() string { return "multicast" }

// Close leaves the group and closes the socket.
func (d *MulticastDiscoverer) Close() error {
	return d.conn.Close()
}

// Announce sends a self NodeInfo announcement to the group.
func (d *MulticastDiscoverer) Announce(info model.NodeInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return d.send(multicastTagAnnounce, payload)
}

// Withdraw sends a self NodeId withdrawal to the group.
func (d *MulticastDiscoverer) Withdraw(id model.NodeID) error {
	payload, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return d.send(multicastTagWithdraw, payload)
}

func (d *MulticastDiscoverer) send(tag byte, payload []byte) error {
	addr, err := net.ResolveUDPAddr("udp4", d.group)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, tag)
	buf = append(buf, payload...)
	_, err = d.conn.WriteToUDP(buf, addr)
	return err
}

// Discover drains the socket with a per-receive timeout until no more
// packets arrive within ctx's remaining budget, returning announcements
// seen and the ids of any peers that withdrew (spec §4.3 Leave protocol
// propagated over multicast alongside gossip).
func (d *MulticastDiscoverer) Discover(ctx context.Context) ([]model.NodeInfo, []model.NodeID, error) {
	var found []model.NodeInfo
	var withdrawn []model.NodeID
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return found, withdrawn, nil
		default:
		}

		_ = d.conn.SetReadDeadline(time.Now().Add(multicastReceiveTimeout))
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return found, withdrawn, nil
			}
			return found, withdrawn, nil
		}
		if n < 1 {
			continue
		}

		switch buf[0] {
		case multicastTagAnnounce:
			var info model.NodeInfo
			if err := json.Unmarshal(buf[1:n], &info); err == nil {
				found = append(found, info)
			}
		case multicastTagWithdraw:
			var id model.NodeID
			if err := json.Unmarshal(buf[1:n], &id); err == nil {
				withdrawn = append(withdrawn, id)
			}
		}
	}
}
