//go:build !unix

package cluster

import "net"

// listenMulticastReusable falls back to a plain multicast listen on
// platforms without SO_REUSEPORT (spec §4.4 only requires it "on UNIX").
func listenMulticastReusable(addr *net.UDPAddr) (*net.UDPConn, error) {
	return net.ListenMulticastUDP("udp4", nil, addr)
}
