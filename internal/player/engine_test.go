package player

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/directory"
	"github.com/Resonate-Protocol/sikradio/internal/metrics"
	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/Resonate-Protocol/sikradio/internal/transport/transporttest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 2 * time.Second
	enginePsize = 10
)

var (
	stationA = directory.Station{
		Name:    "A",
		Group:   netip.MustParseAddrPort("239.1.1.1:30000"),
		Control: netip.MustParseAddrPort("10.0.0.1:35826"),
	}
	stationB = directory.Station{
		Name:    "B",
		Group:   netip.MustParseAddrPort("239.1.1.2:30001"),
		Control: netip.MustParseAddrPort("10.0.0.1:35826"),
	}
)

type recordingSink struct {
	mu     sync.Mutex
	frames chan []byte
	err    error
	closed bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{frames: make(chan []byte, 1024)}
}

func (s *recordingSink) Write(p []byte) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.frames <- append([]byte(nil), p...)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingSink) next(t *testing.T) byte {
	t.Helper()
	select {
	case f := <-s.frames:
		require.Len(t, f, enginePsize)
		return f[0]
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
	}
	return 0
}

type engineFixture struct {
	engine  *Engine
	sink    *recordingSink
	metrics *metrics.Receiver
	sender  transport.Socket
	network *transporttest.Network
	done    chan error
	cancel  context.CancelFunc
}

func newEngineFixture(t *testing.T, slots int) *engineFixture {
	t.Helper()
	network := transporttest.NewNetwork()

	sender, err := network.Host("10.0.0.1").Listen(transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	sink := newRecordingSink()
	m := metrics.NewReceiver(nil)
	engine := NewEngine(Config{
		BufferSize:         slots * enginePsize,
		RetransmitInterval: 10 * time.Millisecond,
	}, network.Host("10.0.0.2"), sink, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &engineFixture{
		engine:  engine,
		sink:    sink,
		metrics: m,
		sender:  sender,
		network: network,
		done:    done,
		cancel:  cancel,
	}
}

func (f *engineFixture) tune(t *testing.T, st *directory.Station) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.engine.Switch(ctx, st))
}

func (f *engineFixture) send(t *testing.T, group netip.AddrPort, session uint64, positions ...uint64) {
	t.Helper()
	for _, pos := range positions {
		payload := make([]byte, enginePsize)
		payload[0] = byte(pos)
		data := protocol.EncodeAudiogram(protocol.Audiogram{
			SessionID:  session,
			ByteOffset: pos * enginePsize,
			Payload:    payload,
		})
		_, err := f.sender.WriteTo(data, group)
		require.NoError(t, err)
	}
}

func TestEnginePlaysInOrder(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.tune(t, &stationA)

	f.send(t, stationA.Group, 1, 0, 2, 1, 3, 4, 5)

	for want := byte(1); want <= 5; want++ {
		assert.Equal(t, want, f.sink.next(t))
	}

	require.Eventually(t, func() bool {
		st := f.engine.Stats()
		return st.Emitted == 5 && st.State == StatePlaying
	}, waitTimeout, time.Millisecond)

	st := f.engine.Stats()
	assert.True(t, st.Tuned)
	assert.Equal(t, stationA.Key(), st.Station)
	assert.Equal(t, uint64(6), st.Admitted)
	assert.Zero(t, st.Resyncs)
}

func TestEngineBurstWithWritableSinkDoesNotResync(t *testing.T) {
	for run := 0; run < 20; run++ {
		f := newEngineFixture(t, 4)
		f.tune(t, &stationA)

		f.send(t, stationA.Group, 1, 0, 1, 2, 3, 4, 5, 6, 7)

		for want := byte(1); want <= 7; want++ {
			require.Equal(t, want, f.sink.next(t), "run %d", run)
		}

		require.Eventually(t, func() bool {
			return f.engine.Stats().Emitted == 7
		}, waitTimeout, time.Millisecond)
		st := f.engine.Stats()
		assert.Zero(t, st.Resyncs, "run %d", run)
		assert.Zero(t, st.Gaps, "run %d", run)
	}
}

func TestEngineDiscardsStaleAndCountsResync(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.tune(t, &stationA)

	f.send(t, stationA.Group, 5, 0)
	f.send(t, stationA.Group, 4, 1)
	f.send(t, stationA.Group, 6, 0)

	require.Eventually(t, func() bool {
		return f.engine.Stats().Received == 3
	}, waitTimeout, time.Millisecond)

	st := f.engine.Stats()
	assert.Equal(t, uint64(1), st.Discarded)
	assert.Equal(t, uint64(1), st.Resyncs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PacketsDiscarded.WithLabelValues(metrics.ReasonStale)))
}

func TestEngineRequestsMissingPackets(t *testing.T) {
	f := newEngineFixture(t, 8)

	ctrl, err := f.network.Host("10.0.0.1").Listen(transport.Options{Port: 35826})
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })

	f.tune(t, &stationA)
	f.send(t, stationA.Group, 1, 0, 1, 3)

	buf := make([]byte, protocol.MaxDatagramSize)
	n, from, err := ctrl.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", from.Addr().String())
	assert.Equal(t, "LOUDER_PLEASE 20", string(buf[:n]))

	offsets, err := protocol.ParseRexmit(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, []uint64{20}, offsets)
}

func TestEngineSetControlRedirectsRequests(t *testing.T) {
	f := newEngineFixture(t, 8)

	other, err := f.network.Host("10.0.0.3").Listen(transport.Options{Port: 4000})
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })

	f.tune(t, &stationA)
	f.engine.SetControl(netip.MustParseAddrPort("10.0.0.3:4000"))
	f.send(t, stationA.Group, 1, 0, 2)

	buf := make([]byte, protocol.MaxDatagramSize)
	n, _, err := other.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "LOUDER_PLEASE 10", string(buf[:n]))
}

func TestEngineSwitchRebinds(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.tune(t, &stationA)
	f.send(t, stationA.Group, 1, 0, 1, 2, 3)
	assert.Equal(t, byte(1), f.sink.next(t))

	f.tune(t, &stationB)
	st := f.engine.Stats()
	assert.Equal(t, stationB.Key(), st.Station)
	assert.Equal(t, StateUninitialized, st.State)

	// the old group is no longer heard
	f.send(t, stationA.Group, 1, 4, 5, 6, 7)
	f.send(t, stationB.Group, 9, 10, 11, 12, 13)

	// frames of station A queued before the switch may still arrive first
	var got []byte
	for len(got) == 0 || got[len(got)-1] != 13 {
		got = append(got, f.sink.next(t))
	}
	assert.Subset(t, got, []byte{11, 12, 13})
	for _, b := range got {
		assert.False(t, b >= 4 && b <= 7, "heard old group packet %d", b)
	}
}

func TestEngineSwitchToNilStops(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.tune(t, &stationA)
	f.tune(t, nil)

	st := f.engine.Stats()
	assert.False(t, st.Tuned)
	assert.Equal(t, directory.Key{}, st.Station)
}

func TestEngineSwitchBindFailure(t *testing.T) {
	f := newEngineFixture(t, 4)

	bad := directory.Station{Name: "bad", Group: netip.MustParseAddrPort("10.9.9.9:30000")}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	assert.Error(t, f.engine.Switch(ctx, &bad))
	assert.False(t, f.engine.Stats().Tuned)
}

func TestEngineSwitchAfterStop(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.cancel()
	require.NoError(t, <-f.done)
	f.done <- nil

	assert.ErrorIs(t, f.engine.Switch(context.Background(), &stationA), ErrEngineStopped)
}

func TestEngineStopsOnSinkError(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.sink.fail(errors.New("broken pipe"))
	f.tune(t, &stationA)
	f.send(t, stationA.Group, 1, 0, 1, 2, 3)

	select {
	case err := <-f.done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken pipe")
		f.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("engine kept running after sink failure")
	}
}
