// ABOUTME: Discovery responder for the sender control port
// ABOUTME: Answers lookups with one reply each and merges retransmission requests
package server

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/Resonate-Protocol/sikradio/internal/metrics"
	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/sirupsen/logrus"
)

// ReplyQueueSize bounds lookups waiting for a reply
const ReplyQueueSize = 64

// Responder serves the control socket. It takes ownership of the socket.
type Responder struct {
	sock    transport.Socket
	reply   []byte
	pending *PendingRequests
	queue   chan netip.AddrPort
	metrics *metrics.Sender
	log     *logrus.Entry
}

// NewResponder creates a responder answering lookups with reply
func NewResponder(sock transport.Socket, reply protocol.Reply, pending *PendingRequests, m *metrics.Sender) (*Responder, error) {
	data, err := protocol.FormatReply(reply)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewSender(nil)
	}

	return &Responder{
		sock:    sock,
		reply:   data,
		pending: pending,
		queue:   make(chan netip.AddrPort, ReplyQueueSize),
		metrics: m,
		log:     logrus.WithField("component", "responder"),
	}, nil
}

// Run reads control datagrams until ctx is cancelled
func (r *Responder) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		r.sock.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.replyLoop(ctx)
	}()
	defer func() { <-done }()

	r.log.WithField("addr", r.sock.LocalAddr()).Info("Listening for control messages")

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := r.sock.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			r.log.WithError(err).Warn("Control read failed")
			if !transport.Backoff(ctx) {
				return nil
			}
			continue
		}
		r.handle(buf[:n], from)
	}
}

func (r *Responder) handle(msg []byte, from netip.AddrPort) {
	switch protocol.Classify(msg) {
	case protocol.KindLookup:
		if !protocol.IsLookup(msg) {
			r.log.WithField("from", from).Debug("Ignoring malformed lookup")
			return
		}
		r.metrics.LookupsReceived.Inc()
		select {
		case r.queue <- from:
		default:
			r.metrics.RepliesDropped.Inc()
			r.log.WithField("from", from).Warn("Reply queue full, dropping lookup")
		}

	case protocol.KindRexmit:
		offsets, err := protocol.ParseRexmit(msg)
		if err != nil {
			r.metrics.RexmitRejected.Inc()
			r.log.WithError(err).WithField("from", from).Debug("Discarding retransmission request")
			return
		}
		r.metrics.RexmitRequests.Inc()
		r.pending.Add(offsets...)

	default:
		r.log.WithFields(logrus.Fields{"from": from, "bytes": len(msg)}).Trace("Ignoring control datagram")
	}
}

// replyLoop is the only writer of replies
func (r *Responder) replyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case to := <-r.queue:
			if _, err := r.sock.WriteTo(r.reply, to); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				r.metrics.SendErrors.Inc()
				r.log.WithError(err).WithField("to", to).Warn("Reply send failed")
				continue
			}
			r.metrics.RepliesSent.Inc()
		}
	}
}
