// ABOUTME: Prometheus metrics for the sender and the receiver
// ABOUTME: Counters and gauges plus an optional /metrics HTTP endpoint
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Discard reasons used as the "reason" label of PacketsDiscarded
const (
	ReasonMalformed  = "malformed"
	ReasonStale      = "stale_session"
	ReasonPassed     = "passed"
	ReasonMisaligned = "misaligned"
	ReasonLate       = "late"
	ReasonTooLarge   = "too_large"
)

// Sender contains all sender-side metrics
type Sender struct {
	PacketsSent       prometheus.Counter
	SendErrors        prometheus.Counter
	Retransmitted     prometheus.Counter
	RexmitRequests    prometheus.Counter
	RexmitRejected    prometheus.Counter
	LookupsReceived   prometheus.Counter
	RepliesSent       prometheus.Counter
	RepliesDropped    prometheus.Counter
	CachedAudiograms  prometheus.Gauge
	PendingRetransmit prometheus.Gauge
}

// NewSender creates sender metrics registered on reg. A nil reg leaves them unregistered.
func NewSender(reg prometheus.Registerer) *Sender {
	f := promauto.With(reg)

	return &Sender{
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_sender_packets_sent_total",
			Help: "Audio packets multicast for the first time",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_sender_send_errors_total",
			Help: "Datagrams dropped because the send failed",
		}),
		Retransmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_sender_retransmitted_total",
			Help: "Audio packets resent from the retransmission cache",
		}),
		RexmitRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_sender_rexmit_requests_total",
			Help: "Retransmission requests accepted",
		}),
		RexmitRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_sender_rexmit_rejected_total",
			Help: "Retransmission requests discarded as malformed",
		}),
		LookupsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_sender_lookups_total",
			Help: "Discovery lookups received",
		}),
		RepliesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_sender_replies_sent_total",
			Help: "Discovery replies sent",
		}),
		RepliesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_sender_replies_dropped_total",
			Help: "Discovery replies dropped because the queue was full",
		}),
		CachedAudiograms: f.NewGauge(prometheus.GaugeOpts{
			Name: "sikradio_sender_cached_audiograms",
			Help: "Audiograms currently held for retransmission",
		}),
		PendingRetransmit: f.NewGauge(prometheus.GaugeOpts{
			Name: "sikradio_sender_pending_retransmit_offsets",
			Help: "Offsets taken in the last retransmission cycle",
		}),
	}
}

// Receiver contains all receiver-side metrics
type Receiver struct {
	PacketsReceived  prometheus.Counter
	PacketsAdmitted  prometheus.Counter
	PacketsDiscarded *prometheus.CounterVec
	Resyncs          prometheus.Counter
	FramesEmitted    prometheus.Counter
	GapsSkipped      prometheus.Counter
	RexmitRequested  prometheus.Counter
	LookupsSent      prometheus.Counter
	RepliesReceived  prometheus.Counter
	Switches         prometheus.Counter
	Stations         prometheus.Gauge
}

// NewReceiver creates receiver metrics registered on reg. A nil reg leaves them unregistered.
func NewReceiver(reg prometheus.Registerer) *Receiver {
	f := promauto.With(reg)

	return &Receiver{
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_packets_received_total",
			Help: "Datagrams read from the multicast socket",
		}),
		PacketsAdmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_packets_admitted_total",
			Help: "Audiograms stored in the playback window",
		}),
		PacketsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sikradio_receiver_packets_discarded_total",
			Help: "Audiograms rejected by the admission rule",
		}, []string{"reason"}),
		Resyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_resyncs_total",
			Help: "Playback window resets caused by a new session or a packet too far ahead",
		}),
		FramesEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_frames_emitted_total",
			Help: "Payloads written to the output",
		}),
		GapsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_gaps_skipped_total",
			Help: "Missing packets skipped during playback",
		}),
		RexmitRequested: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_rexmit_offsets_requested_total",
			Help: "Offsets asked for in retransmission requests",
		}),
		LookupsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_lookups_sent_total",
			Help: "Discovery lookups broadcast",
		}),
		RepliesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_replies_received_total",
			Help: "Valid discovery replies received",
		}),
		Switches: f.NewCounter(prometheus.CounterOpts{
			Name: "sikradio_receiver_station_switches_total",
			Help: "Station switches performed",
		}),
		Stations: f.NewGauge(prometheus.GaugeOpts{
			Name: "sikradio_receiver_known_stations",
			Help: "Stations currently in the directory",
		}),
	}
}

// Serve exposes g on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"component": "metrics",
		"addr":      addr,
	}).Info("Serving metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
