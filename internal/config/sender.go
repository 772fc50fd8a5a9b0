// ABOUTME: Sender configuration
// ABOUTME: Multicast group, ports, packet and cache sizing, input selection
package config

import (
	"fmt"
	"net/netip"

	"github.com/spf13/pflag"
)

// Sender configures sikradio-sender
type Sender struct {
	Common

	MulticastAddr netip.Addr
	DataPort      int
	PayloadSize   int
	FifoSize      int
	Input         string
	Tone          bool
	TUI           bool
}

// Group returns the multicast destination of audio packets
func (s *Sender) Group() netip.AddrPort {
	return netip.AddrPortFrom(s.MulticastAddr, uint16(s.DataPort))
}

// SenderFlags builds the sender flag set
func SenderFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("sikradio-sender", pflag.ContinueOnError)
	fs.StringP("mcast-addr", "a", "", "Multicast address audio is sent to (required)")
	fs.IntP("data-port", "P", DefaultDataPort, "UDP port audio is sent to")
	fs.IntP("psize", "p", DefaultPayloadSize, "Audio payload bytes per packet")
	fs.IntP("fsize", "f", DefaultFifoSize, "Retransmission cache size in bytes")
	fs.String("input", "", "Read audio from an MP3 or FLAC file instead of stdin")
	fs.Bool("tone", false, "Broadcast a 440Hz test tone instead of stdin")
	fs.Bool("tui", false, "Show a status screen")
	addCommonFlags(fs, DefaultSenderName)
	return fs
}

// LoadSender parses args into a validated sender configuration
func LoadSender(args []string) (*Sender, error) {
	fs := SenderFlags()
	v, err := load(fs, args, "SENDER")
	if err != nil {
		return nil, err
	}

	cfg := &Sender{
		Common:      commonFrom(v),
		DataPort:    v.GetInt("data-port"),
		PayloadSize: v.GetInt("psize"),
		FifoSize:    v.GetInt("fsize"),
		Input:       v.GetString("input"),
		Tone:        v.GetBool("tone"),
		TUI:         v.GetBool("tui"),
	}

	raw := v.GetString("mcast-addr")
	if raw == "" {
		return nil, fmt.Errorf("%w: mcast-addr (-a) is required", ErrInvalidConfig)
	}
	addr, err := parseIPv4("mcast-addr", raw)
	if err != nil {
		return nil, err
	}
	cfg.MulticastAddr = addr

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints
func (s *Sender) Validate() error {
	if err := s.Common.validate(); err != nil {
		return err
	}
	if !s.MulticastAddr.Is4() || !s.MulticastAddr.IsMulticast() {
		return fmt.Errorf("%w: %s is not an IPv4 multicast address", ErrInvalidConfig, s.MulticastAddr)
	}
	if err := validatePort("data-port", s.DataPort); err != nil {
		return err
	}
	if s.PayloadSize <= 0 || s.PayloadSize > maxPayloadSize {
		return fmt.Errorf("%w: psize %d out of range 1-%d", ErrInvalidConfig, s.PayloadSize, maxPayloadSize)
	}
	if s.FifoSize < 0 {
		return fmt.Errorf("%w: fsize must not be negative", ErrInvalidConfig)
	}
	if s.Input != "" && s.Tone {
		return fmt.Errorf("%w: --input and --tone are mutually exclusive", ErrInvalidConfig)
	}
	return nil
}
