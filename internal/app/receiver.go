// ABOUTME: Receiver application orchestration
// ABOUTME: Wires discovery, the station directory, playback, the telnet UI, mDNS and metrics
package app

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/directory"
	"github.com/Resonate-Protocol/sikradio/internal/discovery"
	"github.com/Resonate-Protocol/sikradio/internal/logging"
	"github.com/Resonate-Protocol/sikradio/internal/metrics"
	"github.com/Resonate-Protocol/sikradio/internal/player"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/Resonate-Protocol/sikradio/internal/ui"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds receiver configuration
type Config struct {
	// Target is where lookups are broadcast
	Target netip.AddrPort

	// Name restricts playback to stations with this name
	Name string

	// UIAddr is the telnet listen address; empty disables the UI
	UIAddr string

	BufferSize         int
	RetransmitInterval time.Duration
	Interface          string
	EnableMDNS         bool
	MetricsAddr        string

	// LookupInterval overrides discovery.LookupInterval when non-zero
	LookupInterval time.Duration
}

// Receiver plays whichever station discovery picks
type Receiver struct {
	config   Config
	network  transport.Network
	sink     player.Sink
	registry *prometheus.Registry
	metrics  *metrics.Receiver
	dir      *directory.Directory
	log      *logrus.Entry

	mu     sync.Mutex
	engine *player.Engine
	ui     *ui.Server
}

// NewReceiver creates a receiver writing audio to sink. The caller closes sink.
func NewReceiver(config Config, network transport.Network, sink player.Sink) *Receiver {
	reg := prometheus.NewRegistry()

	return &Receiver{
		config:   config,
		network:  network,
		sink:     sink,
		registry: reg,
		metrics:  metrics.NewReceiver(reg),
		dir:      directory.New(),
		log:      logging.Component("receiver").WithField("receiver_id", uuid.NewString()),
	}
}

// Run plays until ctx is cancelled or the output fails
func (r *Receiver) Run(ctx context.Context) error {
	ctrlSock, err := r.network.Listen(transport.Options{
		Broadcast: true,
		Interface: r.config.Interface,
	})
	if err != nil {
		return fmt.Errorf("bind control socket: %w", err)
	}

	engine := player.NewEngine(player.Config{
		BufferSize:         r.config.BufferSize,
		RetransmitInterval: r.config.RetransmitInterval,
		Interface:          r.config.Interface,
	}, r.network, r.sink, r.metrics)

	client := discovery.NewClient(discovery.ClientConfig{
		Target:   r.config.Target,
		Name:     r.config.Name,
		Interval: r.config.LookupInterval,
	}, ctrlSock, r.dir, engine, r.metrics)

	var uiServer *ui.Server
	if r.config.UIAddr != "" {
		uiServer = ui.NewServer(r.config.UIAddr, r.dir, client)
		r.dir.OnChange(uiServer.Refresh)
		defer r.dir.OnChange(nil)
	}

	r.mu.Lock()
	r.engine = engine
	r.ui = uiServer
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"discover": r.config.Target,
		"name":     r.config.Name,
		"bsize":    r.config.BufferSize,
		"ui":       r.config.UIAddr,
	}).Info("Receiver starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := engine.Run(ctx)
		// a dead output stops the receiver
		cancel()
		return err
	})

	g.Go(func() error { return client.Run(ctx) })

	if uiServer != nil {
		g.Go(func() error { return uiServer.Run(ctx) })
	}

	if r.config.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, r.config.MetricsAddr, r.registry) })
	}

	if r.config.EnableMDNS {
		mgr := discovery.NewManager(discovery.Config{})
		mgr.Browse()
		g.Go(func() error {
			defer mgr.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ann := <-mgr.Stations():
					client.Observe(ctx, ann.Reply, ann.Control)
				}
			}
		})
	}

	err = g.Wait()
	r.log.WithField("stats", fmt.Sprintf("%+v", engine.Stats())).Info("Receiver stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns playback counters, zero before Run
func (r *Receiver) Stats() player.Stats {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return player.Stats{}
	}
	return engine.Stats()
}

// Directory exposes the stations discovered so far
func (r *Receiver) Directory() *directory.Directory {
	return r.dir
}

// UI returns the telnet server, nil when disabled or before Run
func (r *Receiver) UI() *ui.Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ui
}

// Registry exposes the receiver metrics
func (r *Receiver) Registry() *prometheus.Registry {
	return r.registry
}
