package server

import (
	"net/netip"
	"testing"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type received struct {
	from netip.AddrPort
	data []byte
}

// drain reads sock in the background until it is closed
func drain(t *testing.T, sock transport.Socket) <-chan received {
	t.Helper()
	out := make(chan received, 1024)
	go func() {
		defer close(out)
		buf := make([]byte, protocol.MaxDatagramSize)
		for {
			n, from, err := sock.ReadFrom(buf)
			if err != nil {
				return
			}
			out <- received{from: from, data: append([]byte(nil), buf[:n]...)}
		}
	}()
	t.Cleanup(func() { sock.Close() })
	return out
}

func nextDatagram(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "socket closed")
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a datagram")
	}
	return received{}
}

func nextAudiogram(t *testing.T, ch <-chan received) protocol.Audiogram {
	t.Helper()
	a, err := protocol.DecodeAudiogram(nextDatagram(t, ch).data)
	require.NoError(t, err)
	return a
}

// listenGroup binds a receiver-side socket joined to group
func listenGroup(t *testing.T, network transport.Network, group netip.AddrPort) transport.Socket {
	t.Helper()
	sock, err := network.Listen(transport.Options{Port: group.Port(), ReuseAddr: true})
	require.NoError(t, err)
	require.NoError(t, sock.JoinGroup(group.Addr()))
	return sock
}
