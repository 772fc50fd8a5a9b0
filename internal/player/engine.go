// ABOUTME: Playback engine for the receiver
// ABOUTME: Owns the multicast binding and window, feeds the sink and requests retransmissions
package player

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/directory"
	"github.com/Resonate-Protocol/sikradio/internal/metrics"
	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/sirupsen/logrus"
)

// ErrEngineStopped is returned by Switch once Run has returned
var ErrEngineStopped = errors.New("playback engine stopped")

const (
	packetQueueSize = 256
	frameQueueSize  = 4
)

// Config controls the playback engine
type Config struct {
	BufferSize         int
	RetransmitInterval time.Duration
	Interface          string
}

// Stats is a snapshot of the engine for status displays
type Stats struct {
	State     State
	Station   directory.Key
	Tuned     bool
	Received  uint64
	Admitted  uint64
	Discarded uint64
	Emitted   uint64
	Gaps      uint64
	Resyncs   uint64
}

type switchRequest struct {
	station *directory.Station
	done    chan error
}

// binding is one multicast membership and its reader goroutine
type binding struct {
	sock    transport.Socket
	station directory.Station
	packets chan protocol.Audiogram
	done    chan struct{}
}

// Engine plays one station at a time
type Engine struct {
	config  Config
	network transport.Network
	sink    Sink
	metrics *metrics.Receiver
	log     *logrus.Entry

	switches chan switchRequest
	stopped  chan struct{}

	controlMu sync.Mutex
	control   netip.AddrPort

	statsMu sync.Mutex
	stats   Stats
}

// NewEngine creates an engine writing to sink
func NewEngine(config Config, network transport.Network, sink Sink, m *metrics.Receiver) *Engine {
	if m == nil {
		m = metrics.NewReceiver(nil)
	}
	return &Engine{
		config:   config,
		network:  network,
		sink:     sink,
		metrics:  m,
		log:      logrus.WithField("component", "playback"),
		switches: make(chan switchRequest),
		stopped:  make(chan struct{}),
	}
}

// Switch hands the engine a new station, or nil to stop playing. It returns
// once the engine has rebound.
func (e *Engine) Switch(ctx context.Context, st *directory.Station) error {
	req := switchRequest{done: make(chan error, 1)}
	if st != nil {
		copied := *st
		req.station = &copied
	}

	select {
	case e.switches <- req:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetControl changes where retransmission requests are sent
func (e *Engine) SetControl(addr netip.AddrPort) {
	e.controlMu.Lock()
	e.control = addr
	e.controlMu.Unlock()
}

func (e *Engine) controlAddr() netip.AddrPort {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	return e.control
}

// Stats returns the latest published snapshot
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) publish(s Stats) {
	e.statsMu.Lock()
	e.stats = s
	e.statsMu.Unlock()
}

// Run drives playback until ctx is cancelled or the sink fails
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	window := NewWindow(e.config.BufferSize)
	var cur *binding
	var stats Stats
	defer func() {
		e.unbind(cur)
	}()

	// The writer may be stuck in a blocking Write; it exits once the sink
	// is closed or frames is drained.
	frames := make(chan []byte, frameQueueSize)
	writeErr := make(chan error, 1)
	go e.writeFrames(frames, writeErr)
	defer close(frames)

	ticker := time.NewTicker(e.config.RetransmitInterval)
	defer ticker.Stop()

	for {
		frame, ready := e.nextFrame(window, &stats)
		var out chan<- []byte
		if ready {
			out = frames
			// ready frames go out before more packets are admitted
			select {
			case out <- frame:
				window.Advance()
				stats.Emitted++
				e.metrics.FramesEmitted.Inc()
				continue
			default:
			}
		}

		var packets <-chan protocol.Audiogram
		if cur != nil {
			packets = cur.packets
		}

		stats.State = window.State()
		e.publish(stats)

		select {
		case <-ctx.Done():
			return nil

		case err := <-writeErr:
			return fmt.Errorf("write output: %w", err)

		case out <- frame:
			window.Advance()
			stats.Emitted++
			e.metrics.FramesEmitted.Inc()

		case a := <-packets:
			stats.Received++
			e.metrics.PacketsReceived.Inc()
			e.admit(window, a, &stats)

		case <-ticker.C:
			if cur != nil {
				e.requestMissing(cur, window)
			}

		case req := <-e.switches:
			e.unbind(cur)
			cur = nil
			window.Reset()
			stats.State = StateUninitialized
			stats.Tuned = false
			stats.Station = directory.Key{}

			var err error
			if req.station != nil {
				cur, err = e.bind(ctx, *req.station)
				if err == nil {
					stats.Tuned = true
					stats.Station = req.station.Key()
					e.SetControl(req.station.Control)
					e.metrics.Switches.Inc()
				}
			}
			e.publish(stats)
			req.done <- err
		}
	}
}

// nextFrame returns the payload due for output. Skipped gaps produce no output.
func (e *Engine) nextFrame(window *Window, stats *Stats) ([]byte, bool) {
	for {
		if p, ok := window.Peek(); ok {
			return p, true
		}
		if !window.SkipGap() {
			return nil, false
		}
		stats.Gaps++
		e.metrics.GapsSkipped.Inc()
	}
}

func (e *Engine) admit(window *Window, a protocol.Audiogram, stats *Stats) {
	v := window.Admit(a)
	switch {
	case v == Resynced:
		stats.Resyncs++
		e.metrics.Resyncs.Inc()
		e.log.WithFields(logrus.Fields{
			"session": a.SessionID,
			"offset":  a.ByteOffset,
		}).Info("Playback resynchronized")
		fallthrough
	case v.Accepted():
		stats.Admitted++
		e.metrics.PacketsAdmitted.Inc()
	default:
		stats.Discarded++
		e.metrics.PacketsDiscarded.WithLabelValues(v.Reason()).Inc()
	}
}

func (e *Engine) requestMissing(cur *binding, window *Window) {
	control := e.controlAddr()
	if !control.IsValid() {
		return
	}
	missing := window.Missing(0)
	if len(missing) == 0 {
		return
	}

	for _, msg := range protocol.FormatRexmit(missing, protocol.MaxRexmitMessageLen) {
		if _, err := cur.sock.WriteTo(msg, control); err != nil {
			e.log.WithError(err).WithField("to", control).Warn("Retransmission request failed")
			return
		}
	}
	e.metrics.RexmitRequested.Add(float64(len(missing)))
}

func (e *Engine) bind(ctx context.Context, st directory.Station) (*binding, error) {
	sock, err := e.network.Listen(transport.Options{
		Port:      st.Group.Port(),
		ReuseAddr: true,
		Interface: e.config.Interface,
	})
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", st.Group.Port(), err)
	}
	if err := sock.JoinGroup(st.Group.Addr()); err != nil {
		sock.Close()
		return nil, fmt.Errorf("join %s: %w", st.Group.Addr(), err)
	}

	b := &binding{
		sock:    sock,
		station: st,
		packets: make(chan protocol.Audiogram, packetQueueSize),
		done:    make(chan struct{}),
	}
	go e.readPackets(ctx, b)

	e.log.WithFields(logrus.Fields{
		"station": st.Name,
		"group":   st.Group,
	}).Info("Tuned in")
	return b, nil
}

func (e *Engine) unbind(b *binding) {
	if b == nil {
		return
	}
	if err := b.sock.LeaveGroup(b.station.Group.Addr()); err != nil {
		e.log.WithError(err).Debug("Leave group failed")
	}
	b.sock.Close()
	close(b.done)
}

func (e *Engine) readPackets(ctx context.Context, b *binding) {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, _, err := b.sock.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.WithError(err).Warn("Multicast read failed")
			if !transport.Backoff(ctx) {
				return
			}
			continue
		}

		a, err := protocol.DecodeAudiogram(buf[:n])
		if err != nil {
			e.metrics.PacketsDiscarded.WithLabelValues(metrics.ReasonMalformed).Inc()
			continue
		}

		select {
		case b.packets <- a:
		case <-b.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) writeFrames(frames <-chan []byte, errc chan<- error) {
	for frame := range frames {
		if err := e.sink.Write(frame); err != nil {
			select {
			case errc <- err:
			default:
			}
			// keep draining so Run can close frames without blocking
			for range frames {
			}
			return
		}
	}
}
