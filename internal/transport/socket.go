// ABOUTME: Datagram socket capability used by sender and receiver engines
// ABOUTME: Bind, join/leave multicast, send and receive behind one interface
package transport

import (
	"net/netip"
)

// DefaultTTL is the multicast TTL for audio datagrams
const DefaultTTL = 4

// Socket is a bound datagram endpoint
type Socket interface {
	// ReadFrom blocks until a datagram arrives or the socket is closed
	ReadFrom(b []byte) (int, netip.AddrPort, error)

	// WriteTo sends one datagram
	WriteTo(b []byte, to netip.AddrPort) (int, error)

	// JoinGroup adds multicast membership for group
	JoinGroup(group netip.Addr) error

	// LeaveGroup drops multicast membership for group
	LeaveGroup(group netip.Addr) error

	// LocalAddr returns the bound address
	LocalAddr() netip.AddrPort

	// Close releases the socket and unblocks ReadFrom
	Close() error
}

// Options configures a socket at bind time
type Options struct {
	Port              uint16 // 0 binds an ephemeral port
	Broadcast         bool
	ReuseAddr         bool
	MulticastTTL      int
	MulticastLoopback bool
	Interface         string // empty means the system default
}

// Network creates bound sockets
type Network interface {
	Listen(opts Options) (Socket, error)
}
