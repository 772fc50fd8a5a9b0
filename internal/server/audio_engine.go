// ABOUTME: Audio streaming engine for the sikradio sender
// ABOUTME: Slices input into audiograms, multicasts them and serves retransmissions
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/metrics"
	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/sirupsen/logrus"
)

// EngineConfig fixes the stream parameters for one session
type EngineConfig struct {
	SessionID          uint64
	Group              netip.AddrPort
	PayloadSize        int
	RetransmitInterval time.Duration
}

// EngineStats is a snapshot for the status screen
type EngineStats struct {
	SessionID     uint64
	NextOffset    uint64
	Sent          uint64
	Retransmitted uint64
	Cached        int
}

type chunk struct {
	data []byte
	err  error
}

// AudioEngine owns the retransmission cache and the data socket
type AudioEngine struct {
	config  EngineConfig
	sock    transport.Socket
	input   io.Reader
	cache   *RetransmitCache
	pending *PendingRequests
	metrics *metrics.Sender
	log     *logrus.Entry

	buf []byte

	nextOffset    atomic.Uint64
	sent          atomic.Uint64
	retransmitted atomic.Uint64
	cached        atomic.Int64
}

// NewAudioEngine creates an engine reading input and sending on sock
func NewAudioEngine(config EngineConfig, sock transport.Socket, input io.Reader, cache *RetransmitCache, pending *PendingRequests, m *metrics.Sender) *AudioEngine {
	if m == nil {
		m = metrics.NewSender(nil)
	}
	return &AudioEngine{
		config:  config,
		sock:    sock,
		input:   input,
		cache:   cache,
		pending: pending,
		metrics: m,
		log: logrus.WithFields(logrus.Fields{
			"component":  "audio_engine",
			"session_id": config.SessionID,
		}),
		buf: make([]byte, 0, protocol.HeaderSize+config.PayloadSize),
	}
}

// Run streams the input until it ends (returns nil) or ctx is cancelled
func (e *AudioEngine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan chunk, 4)
	go e.readInput(ctx, chunks)

	ticker := time.NewTicker(e.config.RetransmitInterval)
	defer ticker.Stop()

	e.log.WithFields(logrus.Fields{
		"group": e.config.Group,
		"psize": e.config.PayloadSize,
		"cache": e.cache.Cap(),
	}).Info("Audio engine starting")

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Audio engine stopping")
			return ctx.Err()

		case c := <-chunks:
			if c.err != nil {
				e.retransmit()
				if c.err == io.EOF {
					e.log.WithField("offset", e.nextOffset.Load()).Info("End of input")
					return nil
				}
				return fmt.Errorf("read input: %w", c.err)
			}
			e.send(c.data)

		case <-ticker.C:
			e.retransmit()
		}
	}
}

// readInput delivers full payloads; a short final chunk counts as end of input.
// A blocked Read on stdin cannot be interrupted, so this goroutine may outlive Run.
func (e *AudioEngine) readInput(ctx context.Context, out chan<- chunk) {
	for {
		data := make([]byte, e.config.PayloadSize)
		_, err := io.ReadFull(e.input, data)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}

		c := chunk{data: data}
		if err != nil {
			c = chunk{err: err}
		}

		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (e *AudioEngine) send(payload []byte) {
	a := protocol.Audiogram{
		SessionID:  e.config.SessionID,
		ByteOffset: e.nextOffset.Load(),
		Payload:    payload,
	}
	e.cache.Push(a)
	e.cached.Store(int64(e.cache.Len()))
	e.metrics.CachedAudiograms.Set(float64(e.cache.Len()))

	if e.write(a) {
		e.sent.Add(1)
		e.metrics.PacketsSent.Inc()
	}
	e.nextOffset.Add(uint64(e.config.PayloadSize))
}

func (e *AudioEngine) retransmit() {
	offsets := e.pending.Take()
	e.metrics.PendingRetransmit.Set(float64(len(offsets)))
	if len(offsets) == 0 {
		return
	}

	found := e.cache.Collect(offsets)
	for _, a := range found {
		if e.write(a) {
			e.retransmitted.Add(1)
			e.metrics.Retransmitted.Inc()
		}
	}

	e.log.WithFields(logrus.Fields{
		"requested": len(offsets),
		"resent":    len(found),
	}).Debug("Retransmission cycle")
}

func (e *AudioEngine) write(a protocol.Audiogram) bool {
	e.buf = protocol.AppendAudiogram(e.buf[:0], a)
	if _, err := e.sock.WriteTo(e.buf, e.config.Group); err != nil {
		e.metrics.SendErrors.Inc()
		e.log.WithError(err).WithField("offset", a.ByteOffset).Warn("Send failed, dropping packet")
		return false
	}
	return true
}

// Stats returns counters safe to read from other goroutines
func (e *AudioEngine) Stats() EngineStats {
	return EngineStats{
		SessionID:     e.config.SessionID,
		NextOffset:    e.nextOffset.Load(),
		Sent:          e.sent.Load(),
		Retransmitted: e.retransmitted.Load(),
		Cached:        int(e.cached.Load()),
	}
}
