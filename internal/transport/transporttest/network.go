// ABOUTME: In-memory datagram network for tests
// ABOUTME: Routes unicast, broadcast and multicast between fake hosts without real sockets
package transporttest

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/Resonate-Protocol/sikradio/internal/transport"
)

const inboxSize = 4096

// Filter decides whether a datagram is delivered. Returning false drops it.
type Filter func(from, to netip.AddrPort, b []byte) bool

// Network is a shared in-memory medium. Hosts created from it see each other.
type Network struct {
	mu       sync.Mutex
	sockets  map[*Socket]struct{}
	nextPort uint16
	filter   Filter
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		sockets:  make(map[*Socket]struct{}),
		nextPort: 40000,
	}
}

// SetFilter installs a delivery filter (nil delivers everything)
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Host returns a transport.Network whose sockets carry the given address
func (n *Network) Host(addr string) transport.Network {
	return &host{net: n, addr: netip.MustParseAddr(addr)}
}

type host struct {
	net  *Network
	addr netip.Addr
}

func (h *host) Listen(opts transport.Options) (transport.Socket, error) {
	n := h.net
	n.mu.Lock()
	defer n.mu.Unlock()

	port := opts.Port
	if port == 0 {
		n.nextPort++
		port = n.nextPort
	} else if !opts.ReuseAddr {
		for s := range n.sockets {
			if s.local.Addr() == h.addr && s.local.Port() == port {
				return nil, fmt.Errorf("bind %s:%d: address already in use", h.addr, port)
			}
		}
	}

	s := &Socket{
		net:    n,
		local:  netip.AddrPortFrom(h.addr, port),
		groups: make(map[netip.Addr]struct{}),
		inbox:  make(chan datagram, inboxSize),
		done:   make(chan struct{}),
	}
	n.sockets[s] = struct{}{}
	return s, nil
}

type datagram struct {
	from netip.AddrPort
	data []byte
}

// Socket is an in-memory transport.Socket
type Socket struct {
	net    *Network
	local  netip.AddrPort
	groups map[netip.Addr]struct{}
	inbox  chan datagram
	done   chan struct{}
	once   sync.Once
}

func (s *Socket) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-s.inbox:
		return copy(b, d.data), d.from, nil
	case <-s.done:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (s *Socket) WriteTo(b []byte, to netip.AddrPort) (int, error) {
	select {
	case <-s.done:
		return 0, net.ErrClosed
	default:
	}

	n := s.net
	n.mu.Lock()
	filter := n.filter
	var targets []*Socket
	for peer := range n.sockets {
		if peer.accepts(to) {
			targets = append(targets, peer)
		}
	}
	n.mu.Unlock()

	if filter != nil && !filter(s.local, to, b) {
		return len(b), nil
	}

	for _, peer := range targets {
		data := make([]byte, len(b))
		copy(data, b)
		select {
		case peer.inbox <- datagram{from: s.local, data: data}:
		default:
			// full inbox behaves like a lossy socket buffer
		}
	}
	return len(b), nil
}

// accepts must be called with the network lock held
func (s *Socket) accepts(to netip.AddrPort) bool {
	if s.local.Port() != to.Port() {
		return false
	}
	addr := to.Addr()
	switch {
	case addr.IsMulticast():
		_, ok := s.groups[addr]
		return ok
	case addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}):
		return true
	default:
		return addr == s.local.Addr()
	}
}

func (s *Socket) JoinGroup(group netip.Addr) error {
	if !group.IsMulticast() {
		return fmt.Errorf("join %s: not a multicast address", group)
	}
	s.net.mu.Lock()
	s.groups[group] = struct{}{}
	s.net.mu.Unlock()
	return nil
}

func (s *Socket) LeaveGroup(group netip.Addr) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if _, ok := s.groups[group]; !ok {
		return fmt.Errorf("leave %s: not a member", group)
	}
	delete(s.groups, group)
	return nil
}

// Groups returns the current memberships, for assertions
func (s *Socket) Groups() []netip.Addr {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	out := make([]netip.Addr, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	return out
}

func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

func (s *Socket) Close() error {
	s.once.Do(func() {
		s.net.mu.Lock()
		delete(s.net.sockets, s)
		s.net.mu.Unlock()
		close(s.done)
	})
	return nil
}
