// ABOUTME: Main sender implementation for sikradio
// ABOUTME: Binds sockets and runs the audio engine, discovery responder, mDNS, metrics and TUI
package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/audio"
	"github.com/Resonate-Protocol/sikradio/internal/discovery"
	"github.com/Resonate-Protocol/sikradio/internal/metrics"
	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds sender configuration
type Config struct {
	Name               string
	Group              netip.AddrPort
	ControlPort        int
	PayloadSize        int
	FifoSize           int
	RetransmitInterval time.Duration
	Interface          string
	EnableMDNS         bool
	MetricsAddr        string
	UseTUI             bool

	// SessionID overrides the Unix-time session id when non-zero
	SessionID uint64
}

// Server is one broadcasting station
type Server struct {
	config   Config
	network  transport.Network
	source   audio.Source
	serverID string
	registry *prometheus.Registry
	metrics  *metrics.Sender
	log      *logrus.Entry

	mu        sync.Mutex
	engine    *AudioEngine
	tui       *ServerTUI
	startTime time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a sender streaming source over network
func New(config Config, network transport.Network, source audio.Source) *Server {
	id := uuid.New().String()
	reg := prometheus.NewRegistry()

	return &Server{
		config:   config,
		network:  network,
		source:   source,
		serverID: id,
		registry: reg,
		metrics:  metrics.NewSender(reg),
		log: logrus.WithFields(logrus.Fields{
			"component": "server",
			"server_id": id,
		}),
		stopChan: make(chan struct{}),
	}
}

// Start runs the station until the input ends, Stop is called, the TUI quits
// or ctx is cancelled. End of input returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	sessionID := s.config.SessionID
	if sessionID == 0 {
		sessionID = uint64(time.Now().Unix())
	}

	dataSock, err := s.network.Listen(transport.Options{
		MulticastTTL:      transport.DefaultTTL,
		MulticastLoopback: true,
		Interface:         s.config.Interface,
	})
	if err != nil {
		return fmt.Errorf("bind data socket: %w", err)
	}
	defer dataSock.Close()

	ctrlSock, err := s.network.Listen(transport.Options{
		Port:      uint16(s.config.ControlPort),
		Broadcast: true,
		ReuseAddr: true,
		Interface: s.config.Interface,
	})
	if err != nil {
		return fmt.Errorf("bind control port %d: %w", s.config.ControlPort, err)
	}

	pending := NewPendingRequests()
	responder, err := NewResponder(ctrlSock, protocol.Reply{Group: s.config.Group, Name: s.config.Name}, pending, s.metrics)
	if err != nil {
		ctrlSock.Close()
		return fmt.Errorf("build discovery reply: %w", err)
	}

	cache := NewRetransmitCache(CacheCapacity(s.config.FifoSize, s.config.PayloadSize))
	engine := NewAudioEngine(EngineConfig{
		SessionID:          sessionID,
		Group:              s.config.Group,
		PayloadSize:        s.config.PayloadSize,
		RetransmitInterval: s.config.RetransmitInterval,
	}, dataSock, s.source, cache, pending, s.metrics)

	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"name":       s.config.Name,
		"group":      s.config.Group,
		"ctrl_port":  s.config.ControlPort,
		"session_id": sessionID,
		"source":     s.source.Title(),
	}).Info("Sender starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return responder.Run(ctx) })

	g.Go(func() error {
		err := engine.Run(ctx)
		// End of input stops everything else
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		select {
		case <-s.stopChan:
			s.log.Info("Sender shutting down...")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if s.config.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, s.config.MetricsAddr, s.registry) })
	}

	if s.config.EnableMDNS {
		mgr := discovery.NewManager(discovery.Config{
			Name:        s.config.Name,
			Group:       s.config.Group,
			ControlPort: s.config.ControlPort,
			InstanceID:  s.serverID,
		})
		if err := mgr.Advertise(); err != nil {
			s.log.WithError(err).Warn("Failed to start mDNS advertisement")
		} else {
			g.Go(func() error {
				<-ctx.Done()
				mgr.Stop()
				return nil
			})
		}
	}

	if s.config.UseTUI {
		s.startTUI(ctx, g, cancel)
	}

	err = g.Wait()
	s.log.WithField("stats", fmt.Sprintf("%+v", engine.Stats())).Info("Sender stopped")
	return err
}

// Stop asks a running Start to return
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Stats returns the engine counters, zero before Start
func (s *Server) Stats() EngineStats {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return EngineStats{}
	}
	return engine.Stats()
}

// Registry exposes the sender metrics
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}
