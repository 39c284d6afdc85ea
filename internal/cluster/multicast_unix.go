//go:build unix

package cluster

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenMulticastReusable opens a UDP socket bound to the multicast port
// with SO_REUSEADDR and SO_REUSEPORT set, so multiple cluster processes on
// one host (tests, local dev clusters) can all join the group.
func listenMulticastReusable(addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	bindAddr := &net.UDPAddr{Port: addr.Port}
	pc, err := lc.ListenPacket(context.Background(), "udp4", bindAddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
