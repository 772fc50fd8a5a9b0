// ABOUTME: Tests for mDNS discovery
// ABOUTME: Covers TXT record encoding and parsing of browse results
package discovery

import (
	"net"
	"net/netip"
	"testing"

	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerDefaults(t *testing.T) {
	mgr := NewManager(Config{Name: "Test Station", ControlPort: 35826})
	require.NotNil(t, mgr)
	assert.Equal(t, LookupInterval, mgr.config.BrowseInterval)
	mgr.Stop()
}

func TestTxtRecords(t *testing.T) {
	txt := txtRecords(Config{
		Name:       "Radio Kielce",
		Group:      netip.MustParseAddrPort("239.10.11.12:30000"),
		InstanceID: "abc",
	})
	assert.Equal(t, []string{"group=239.10.11.12:30000", "name=Radio Kielce", "id=abc"}, txt)
}

func TestParseEntry(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:       "abc._sikradio._udp.local.",
		AddrV4:     net.ParseIP("192.168.1.20"),
		Port:       35826,
		InfoFields: txtRecords(Config{Name: "Radio Kielce", Group: netip.MustParseAddrPort("239.10.11.12:30000")}),
	}

	ann, err := parseEntry(entry)
	require.NoError(t, err)
	assert.Equal(t, "Radio Kielce", ann.Reply.Name)
	assert.Equal(t, netip.MustParseAddrPort("239.10.11.12:30000"), ann.Reply.Group)
	assert.Equal(t, netip.MustParseAddrPort("192.168.1.20:35826"), ann.Control)
}

func TestParseEntryEmptyNameAllowed(t *testing.T) {
	ann, err := parseEntry(&mdns.ServiceEntry{
		InfoFields: []string{"group=239.0.0.1:4000", "name="},
	})
	require.NoError(t, err)
	assert.Equal(t, "", ann.Reply.Name)
	assert.False(t, ann.Control.IsValid())
}

func TestParseEntryRejects(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
	}{
		{"no name", []string{"group=239.0.0.1:4000"}},
		{"no group", []string{"name=x"}},
		{"unicast group", []string{"group=10.0.0.1:4000", "name=x"}},
		{"zero port", []string{"group=239.0.0.1:0", "name=x"}},
		{"garbage", []string{"group", "name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseEntry(&mdns.ServiceEntry{InfoFields: tt.fields})
			assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
		})
	}
}
