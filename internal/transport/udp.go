// ABOUTME: UDP implementation of the socket capability
// ABOUTME: Uses x/net/ipv4 for multicast membership, TTL and loopback
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// ErrNotIPv4 is returned when a multicast group is not an IPv4 address
var ErrNotIPv4 = errors.New("not an IPv4 address")

// UDPNetwork opens real IPv4 UDP sockets
type UDPNetwork struct{}

// UDPSocket wraps a UDP connection and its ipv4 control view
type UDPSocket struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	ifi   *net.Interface
}

// Listen binds a UDP socket on all interfaces
func (UDPNetwork) Listen(opts Options) (Socket, error) {
	lc := net.ListenConfig{Control: socketControl(opts)}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", opts.Port, err)
	}
	conn := pc.(*net.UDPConn)

	s := &UDPSocket{
		conn:  conn,
		pconn: ipv4.NewPacketConn(conn),
	}

	if opts.Interface != "" {
		ifi, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("interface %q: %w", opts.Interface, err)
		}
		if err := s.pconn.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
		s.ifi = ifi
	}

	if opts.MulticastTTL > 0 {
		if err := s.pconn.SetMulticastTTL(opts.MulticastTTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast ttl: %w", err)
		}
	}

	if err := s.pconn.SetMulticastLoopback(opts.MulticastLoopback); err != nil {
		// Not fatal: some platforms refuse the option on unconnected sockets
		logrus.WithFields(logrus.Fields{
			"component": "transport",
			"error":     err,
		}).Debug("Could not set multicast loopback")
	}

	return s, nil
}

// ReadFrom reads one datagram
func (s *UDPSocket) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, from, err := s.conn.ReadFromUDPAddrPort(b)
	return n, unmap(from), err
}

// WriteTo sends one datagram
func (s *UDPSocket) WriteTo(b []byte, to netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(b, to)
}

// JoinGroup joins an IPv4 multicast group
func (s *UDPSocket) JoinGroup(group netip.Addr) error {
	if !group.Is4() {
		return fmt.Errorf("join %s: %w", group, ErrNotIPv4)
	}
	return s.pconn.JoinGroup(s.ifi, &net.UDPAddr{IP: net.IP(group.AsSlice())})
}

// LeaveGroup leaves an IPv4 multicast group
func (s *UDPSocket) LeaveGroup(group netip.Addr) error {
	if !group.Is4() {
		return fmt.Errorf("leave %s: %w", group, ErrNotIPv4)
	}
	return s.pconn.LeaveGroup(s.ifi, &net.UDPAddr{IP: net.IP(group.AsSlice())})
}

// LocalAddr returns the bound address
func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return unmap(s.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Close closes the socket
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
