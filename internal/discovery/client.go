// ABOUTME: Discovery client for the receiver
// ABOUTME: Broadcasts lookups, records replies in the directory and picks the station to play
package discovery

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

// LookupInterval is how often lookups are broadcast and stale stations evicted
const LookupInterval = 5 * time.Second

// ErrUnknownStation is returned by Select for keys not in the directory
var ErrUnknownStation = errors.New("unknown station")

// Player is the part of the playback engine the client drives
type Player interface {
	Switch(ctx context.Context, st *directory.Station) error
	SetControl(addr netip.AddrPort)
}

// ClientConfig configures discovery
type ClientConfig struct {
	// Target receives lookups, usually 255.255.255.255 on the control port
	Target netip.AddrPort

	// Name restricts playback to stations with this name. Empty accepts any.
	Name string

	// Interval overrides LookupInterval when non-zero
	Interval time.Duration
}

// Client keeps the directory fresh and the player tuned
type Client struct {
	config  ClientConfig
	sock    transport.Socket
	dir     *directory.Directory
	player  Player
	metrics *metrics.Receiver
	log     *logrus.Entry
	now     func() time.Time

	// serializes station changes coming from replies, eviction and the UI
	switchMu sync.Mutex
}

// NewClient creates a client. It takes ownership of sock.
func NewClient(config ClientConfig, sock transport.Socket, dir *directory.Directory, player Player, m *metrics.Receiver) *Client {
	if config.Interval <= 0 {
		config.Interval = LookupInterval
	}
	if m == nil {
		m = metrics.NewReceiver(nil)
	}
	return &Client{
		config:  config,
		sock:    sock,
		dir:     dir,
		player:  player,
		metrics: m,
		log:     logrus.WithField("component", "discovery"),
		now:     time.Now,
	}
}

// Run sends lookups and handles replies until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		c.sock.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.handleReplies(ctx)
	}()
	defer func() { <-done }()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		c.controlCycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) controlCycle(ctx context.Context) {
	ev := c.dir.EvictStale(c.now())
	for _, st := range ev.Evicted {
		c.log.WithFields(logrus.Fields{"station": st.Name, "group": st.Group}).Info("Station went silent")
	}
	if ev.ActiveLost {
		c.fallback(ctx)
	}
	c.metrics.Stations.Set(float64(c.dir.Len()))

	if _, err := c.sock.WriteTo([]byte(protocol.LookupMessage), c.config.Target); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			c.log.WithError(err).WithField("target", c.config.Target).Warn("Lookup send failed")
		}
		return
	}
	c.metrics.LookupsSent.Inc()
}

func (c *Client) handleReplies(ctx context.Context) {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := c.sock.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("Reply read failed")
			if !transport.Backoff(ctx) {
				return
			}
			continue
		}

		if protocol.Classify(buf[:n]) != protocol.KindReply {
			continue
		}
		reply, err := protocol.ParseReply(buf[:n])
		if err != nil {
			c.log.WithError(err).WithField("from", from).Debug("Discarding malformed reply")
			continue
		}
		c.metrics.RepliesReceived.Inc()
		c.Observe(ctx, reply, from)
	}
}

// Observe records an announced station and tunes in if nothing is playing.
// Replies and mDNS announcements both land here.
func (c *Client) Observe(ctx context.Context, reply protocol.Reply, control netip.AddrPort) {
	if c.config.Name != "" && reply.Name != c.config.Name {
		return
	}

	if c.dir.Observe(reply.Name, reply.Group, control, c.now()) {
		c.log.WithFields(logrus.Fields{
			"station": reply.Name,
			"group":   reply.Group,
			"control": control,
		}).Info("Discovered station")
	}
	c.metrics.Stations.Set(float64(c.dir.Len()))

	key := directory.Key{Name: reply.Name, Group: reply.Group}
	active, ok := c.dir.Active()
	switch {
	case !ok:
		if st, found := c.dir.Get(key); found {
			c.switchTo(ctx, st, true)
		}
	case active.Key() == key && control.IsValid():
		c.player.SetControl(control)
	}
}

// Select switches to the station with key, as asked for by the user
func (c *Client) Select(ctx context.Context, key directory.Key) error {
	st, ok := c.dir.Get(key)
	if !ok {
		return fmt.Errorf("%w: %q at %s", ErrUnknownStation, key.Name, key.Group)
	}
	return c.switchTo(ctx, st, false)
}

func (c *Client) fallback(ctx context.Context) {
	var st directory.Station
	var ok bool
	if c.config.Name != "" {
		st, ok = c.dir.Pick(c.config.Name)
	} else {
		st, ok = c.dir.PickDefault()
	}

	if ok {
		c.switchTo(ctx, st, true)
		return
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	c.log.Info("No stations left, stopping playback")
	if err := c.player.Switch(ctx, nil); err != nil && ctx.Err() == nil {
		c.log.WithError(err).Warn("Failed to stop playback")
	}
}

// switchTo tunes the player to st. With onlyIfIdle it does nothing when
// another station was made active in the meantime.
func (c *Client) switchTo(ctx context.Context, st directory.Station, onlyIfIdle bool) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if onlyIfIdle {
		if _, ok := c.dir.Active(); ok {
			return nil
		}
	}

	if err := c.player.Switch(ctx, &st); err != nil {
		c.log.WithError(err).WithField("station", st.Name).Warn("Station switch failed")
		return err
	}
	if !c.dir.SetActive(st.Key()) {
		// evicted while switching; stop so the player matches the directory
		c.log.WithField("station", st.Name).Info("Station vanished during switch, stopping playback")
		if err := c.player.Switch(ctx, nil); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("Failed to stop playback")
		}
		return fmt.Errorf("%w: %q evicted during switch", ErrUnknownStation, st.Name)
	}

	c.log.WithFields(logrus.Fields{
		"station": st.Name,
		"group":   st.Group,
	}).Info("Playing station")
	return nil
}
