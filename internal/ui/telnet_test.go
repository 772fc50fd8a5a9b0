package ui

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelnetReaderStripsCommands(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"plain", []byte("jjk"), []byte("jjk")},
		{"negotiation", []byte{iac, do, optEcho, 'q', iac, will, optSGA}, []byte("q")},
		{"escaped iac", []byte{'a', iac, iac, 'b'}, []byte{'a', iac, 'b'}},
		{"subnegotiation", []byte{iac, sb, 31, 0, 80, 0, 24, iac, se, 'j'}, []byte("j")},
		{"cr nul", []byte{'\r', 0, 'k'}, []byte("\rk")},
		{"cr lf", []byte("\r\nk"), []byte("\rk")},
		{"arrow key", []byte("\x1b[A"), []byte("\x1b[A")},
		{"bare command", []byte{iac, 241, 'x'}, []byte("x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(newTelnetReader(bytes.NewReader(tt.in)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTelnetReaderSplitSequences(t *testing.T) {
	in := []byte{'a', iac, sb, 24, 0, 'x', 't', iac, se, iac, will, optEcho, 'b'}
	got, err := io.ReadAll(newTelnetReader(iotest.OneByteReader(bytes.NewReader(in))))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)
}

func TestTelnetReaderSignalsClose(t *testing.T) {
	r := newTelnetReader(strings.NewReader("q"))
	_, err := io.ReadAll(r)
	require.NoError(t, err)

	select {
	case <-r.closed:
	default:
		t.Fatal("closed not signalled at EOF")
	}
}

// readUntil reads from conn until the accumulated output contains want
func readUntil(t *testing.T, conn net.Conn, want string) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for !strings.Contains(out.String(), want) {
		n, err := conn.Read(buf)
		out.Write(buf[:n])
		require.NoError(t, err, "waiting for %q, got %q", want, out.String())
	}
	return out.String()
}

func TestServerSessionLifecycle(t *testing.T) {
	dir := directory.New()
	dir.Observe("Radio A", netip.MustParseAddrPort("239.0.0.1:20000"), netip.AddrPort{}, time.Now())

	sel := &fakeSelector{}
	srv := NewServer("127.0.0.1:0", dir, sel)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start")
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	head := make([]byte, len(negotiation))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = io.ReadFull(conn, head)
	require.NoError(t, err)
	assert.Equal(t, negotiation, head)

	readUntil(t, conn, "Radio A")

	// a new station is pushed to the open session
	dir.Observe("Radio B", netip.MustParseAddrPort("239.0.0.2:20000"), netip.AddrPort{}, time.Now())
	srv.Refresh()
	readUntil(t, conn, "Radio B")

	_, err = conn.Write([]byte{iac, do, optEcho, 'j'})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(sel.selected()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, err = conn.Write([]byte("q"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = io.Copy(io.Discard, conn)
	assert.NoError(t, err, "server should close the connection after q")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerListenError(t *testing.T) {
	srv := NewServer("127.0.0.1:-1", directory.New(), nil)
	assert.Error(t, srv.Run(context.Background()))
}
