// ABOUTME: Receiver configuration
// ABOUTME: Discovery address, UI port, playback buffer and output selection
package config

import (
	"fmt"
	"net/netip"

	"github.com/spf13/pflag"
)

// Output kinds
const (
	OutputStdout = "stdout"
	OutputOto    = "oto"
)

// Receiver configures sikradio-receiver
type Receiver struct {
	Common

	DiscoverAddr netip.Addr
	UIPort       int
	BufferSize   int
	Output       string
	SampleRate   int
	Channels     int
}

// DiscoveryTarget returns where lookups are sent
func (r *Receiver) DiscoveryTarget() netip.AddrPort {
	return netip.AddrPortFrom(r.DiscoverAddr, uint16(r.ControlPort))
}

// ReceiverFlags builds the receiver flag set
func ReceiverFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("sikradio-receiver", pflag.ContinueOnError)
	fs.StringP("discover-addr", "d", DefaultDiscoverAddr, "Address lookups are sent to")
	fs.IntP("ui-port", "U", DefaultUIPort, "TCP port of the telnet station picker (0 disables)")
	fs.IntP("bsize", "b", DefaultBufferSize, "Playback buffer size in bytes")
	fs.String("output", OutputStdout, "Audio output: stdout or oto")
	fs.Int("sample-rate", 44100, "Sample rate for the oto output")
	fs.Int("channels", 2, "Channel count for the oto output")
	addCommonFlags(fs, "")
	return fs
}

// LoadReceiver parses args into a validated receiver configuration
func LoadReceiver(args []string) (*Receiver, error) {
	fs := ReceiverFlags()
	v, err := load(fs, args, "RECEIVER")
	if err != nil {
		return nil, err
	}

	addr, err := parseIPv4("discover-addr", v.GetString("discover-addr"))
	if err != nil {
		return nil, err
	}

	cfg := &Receiver{
		Common:       commonFrom(v),
		DiscoverAddr: addr,
		UIPort:       v.GetInt("ui-port"),
		BufferSize:   v.GetInt("bsize"),
		Output:       v.GetString("output"),
		SampleRate:   v.GetInt("sample-rate"),
		Channels:     v.GetInt("channels"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints
func (r *Receiver) Validate() error {
	if err := r.Common.validate(); err != nil {
		return err
	}
	if !r.DiscoverAddr.Is4() {
		return fmt.Errorf("%w: discover-addr must be IPv4", ErrInvalidConfig)
	}
	if r.UIPort != 0 {
		if err := validatePort("ui-port", r.UIPort); err != nil {
			return err
		}
	}
	if r.BufferSize <= 0 {
		return fmt.Errorf("%w: bsize must be positive", ErrInvalidConfig)
	}
	switch r.Output {
	case OutputStdout:
	case OutputOto:
		if r.SampleRate <= 0 || r.Channels <= 0 {
			return fmt.Errorf("%w: oto output needs positive sample-rate and channels", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown output %q", ErrInvalidConfig, r.Output)
	}
	return nil
}
