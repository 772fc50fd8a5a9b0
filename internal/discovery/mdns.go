// ABOUTME: mDNS advertisement and browsing of sikradio stations
// ABOUTME: Senders publish their group and name; receivers feed browse results into the directory
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

// ServiceType is the mDNS service sikradio stations advertise
const ServiceType = "_sikradio._udp"

const browseTimeout = 3 * time.Second

// Config holds mDNS configuration. Name, Group and ControlPort are only
// needed for advertising.
type Config struct {
	Name        string
	Group       netip.AddrPort
	ControlPort int
	InstanceID  string

	// BrowseInterval is the pause between queries, LookupInterval when zero
	BrowseInterval time.Duration
}

// Announcement is a station found by browsing
type Announcement struct {
	Reply   protocol.Reply
	Control netip.AddrPort
}

// Manager handles mDNS operations
type Manager struct {
	config   Config
	ctx      context.Context
	cancel   context.CancelFunc
	stations chan Announcement
	log      *logrus.Entry
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if config.BrowseInterval <= 0 {
		config.BrowseInterval = LookupInterval
	}

	return &Manager{
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		stations: make(chan Announcement, 10),
		log:      logrus.WithField("component", "mdns"),
	}
}

// Advertise publishes this station until Stop is called
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	instance := m.config.InstanceID
	if instance == "" {
		instance = m.config.Name
	}

	service, err := mdns.NewMDNSService(
		instance,
		ServiceType,
		"",
		"",
		m.config.ControlPort,
		ips,
		txtRecords(m.config),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"station": m.config.Name,
		"group":   m.config.Group,
		"port":    m.config.ControlPort,
	}).Info("Advertising mDNS service")

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse queries for stations until Stop is called. Results arrive on Stations.
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				ann, err := parseEntry(entry)
				if err != nil {
					m.log.WithError(err).WithField("entry", entry.Name).Debug("Ignoring mDNS entry")
					continue
				}

				select {
				case m.stations <- ann:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:             ServiceType,
			Domain:              "local",
			Timeout:             browseTimeout,
			Entries:             entries,
			WantUnicastResponse: true,
		}
		if err := mdns.Query(params); err != nil {
			m.log.WithError(err).Debug("mDNS query failed")
		}
		close(entries)
		<-done

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.config.BrowseInterval):
		}
	}
}

// Stations returns the channel of browsed stations
func (m *Manager) Stations() <-chan Announcement {
	return m.stations
}

// Stop stops advertising and browsing
func (m *Manager) Stop() {
	m.cancel()
}

func txtRecords(c Config) []string {
	txt := []string{
		"group=" + c.Group.String(),
		"name=" + c.Name,
	}
	if c.InstanceID != "" {
		txt = append(txt, "id="+c.InstanceID)
	}
	return txt
}

// parseEntry turns a browse result into the reply a lookup would have produced
func parseEntry(entry *mdns.ServiceEntry) (Announcement, error) {
	var group, name string
	var haveName bool
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "group":
			group = value
		case "name":
			name, haveName = value, true
		}
	}

	if !haveName {
		return Announcement{}, fmt.Errorf("%w: missing name", protocol.ErrMalformedMessage)
	}
	addr, err := netip.ParseAddrPort(group)
	if err != nil || !addr.Addr().Is4() || !addr.Addr().IsMulticast() || addr.Port() == 0 {
		return Announcement{}, fmt.Errorf("%w: bad group %q", protocol.ErrMalformedMessage, group)
	}
	if len(name) > protocol.MaxNameLen {
		return Announcement{}, fmt.Errorf("%w: %d bytes", protocol.ErrNameTooLong, len(name))
	}

	var control netip.AddrPort
	if ip, ok := netip.AddrFromSlice(entry.AddrV4.To4()); ok && entry.Port > 0 && entry.Port <= 65535 {
		control = netip.AddrPortFrom(ip, uint16(entry.Port))
	}

	return Announcement{
		Reply:   protocol.Reply{Group: addr, Name: name},
		Control: control,
	}, nil
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
