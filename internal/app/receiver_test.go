package app

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/audio"
	"github.com/Resonate-Protocol/sikradio/internal/server"
	"github.com/Resonate-Protocol/sikradio/internal/transport/transporttest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 3 * time.Second
	payloadSize = 16
)

var (
	stationGroup = netip.MustParseAddrPort("239.10.11.12:25826")
	lookupTarget = netip.MustParseAddrPort("255.255.255.255:35826")
)

type frameSink struct {
	frames chan []byte
}

func (s *frameSink) Write(p []byte) error {
	s.frames <- append([]byte(nil), p...)
	return nil
}

func (s *frameSink) Close() error { return nil }

// runStation broadcasts a counting byte pattern until the test ends
func runStation(t *testing.T, network *transporttest.Network, name string) {
	t.Helper()
	pr, pw := io.Pipe()

	srv := server.New(server.Config{
		Name:               name,
		Group:              stationGroup,
		ControlPort:        int(lookupTarget.Port()),
		PayloadSize:        payloadSize,
		FifoSize:           payloadSize * 64,
		RetransmitInterval: 10 * time.Millisecond,
		SessionID:          7,
	}, network.Host("10.0.0.1"), audio.NewRawSource(pr, "pipe"))

	ctx, cancel := context.WithCancel(context.Background())
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Start(ctx) }()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			if _, err := pw.Write(bytes.Repeat([]byte{byte(i)}, payloadSize)); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		close(stop)
		pw.Close()
		wg.Wait()
		cancel()
		<-srvDone
	})
}

func startReceiver(t *testing.T, network *transporttest.Network, config Config) (*Receiver, *frameSink) {
	t.Helper()
	config.Target = lookupTarget
	config.BufferSize = payloadSize * 8
	config.RetransmitInterval = 10 * time.Millisecond
	config.LookupInterval = 20 * time.Millisecond

	sink := &frameSink{frames: make(chan []byte, 4096)}
	rx := NewReceiver(config, network.Host("10.0.0.2"), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rx.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Error("receiver did not stop")
		}
	})
	return rx, sink
}

func TestReceiverPlaysDiscoveredStation(t *testing.T) {
	network := transporttest.NewNetwork()
	runStation(t, network, "Test FM")
	rx, sink := startReceiver(t, network, Config{})

	var got []byte
	for len(got) < 20 {
		select {
		case f := <-sink.frames:
			require.Len(t, f, payloadSize)
			got = append(got, f[0])
		case <-time.After(waitTimeout):
			t.Fatalf("only %d frames played", len(got))
		}
	}
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+1, got[i], "frames out of order: %v", got)
	}

	active, ok := rx.Directory().Active()
	require.True(t, ok)
	assert.Equal(t, "Test FM", active.Name)
	assert.Equal(t, stationGroup, active.Group)
	assert.Equal(t, "10.0.0.1", active.Control.Addr().String())

	stats := rx.Stats()
	assert.True(t, stats.Tuned)
	assert.Equal(t, active.Key(), stats.Station)
}

func TestReceiverNameFilter(t *testing.T) {
	network := transporttest.NewNetwork()
	runStation(t, network, "Test FM")
	rx, _ := startReceiver(t, network, Config{Name: "Other FM"})

	m := rx.metrics
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.RepliesReceived) >= 1
	}, waitTimeout, time.Millisecond)

	assert.Equal(t, 0, rx.Directory().Len())
	assert.False(t, rx.Stats().Tuned)
}

func TestReceiverServesUI(t *testing.T) {
	network := transporttest.NewNetwork()
	rx, _ := startReceiver(t, network, Config{UIAddr: "127.0.0.1:0"})

	require.Eventually(t, func() bool { return rx.UI() != nil }, waitTimeout, time.Millisecond)
	select {
	case <-rx.UI().Ready():
	case <-time.After(waitTimeout):
		t.Fatal("ui did not start")
	}

	conn, err := net.Dial("tcp", rx.UI().Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	head := make([]byte, 6)
	_, err = io.ReadFull(conn, head)
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 251, 1, 255, 251, 3}, head)
}

func TestReceiverStatsBeforeRun(t *testing.T) {
	rx := NewReceiver(Config{}, transporttest.NewNetwork().Host("10.0.0.2"), &frameSink{})
	assert.Equal(t, 0, rx.Directory().Len())
	assert.False(t, rx.Stats().Tuned)
	assert.Nil(t, rx.UI())
	assert.NotNil(t, rx.Registry())
}
