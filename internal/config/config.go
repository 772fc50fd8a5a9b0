// ABOUTME: Shared configuration loading for sender and receiver
// ABOUTME: pflag flag sets layered with environment variables and an optional config file via viper
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Defaults shared by both binaries
const (
	DefaultDataPort         = 25826
	DefaultControlPort      = 35826
	DefaultUIPort           = 15826
	DefaultPayloadSize      = 512
	DefaultFifoSize         = 128 * 1024
	DefaultBufferSize       = 64 * 1024
	DefaultRetransmitMillis = 250
	DefaultSenderName       = "Nienazwany Nadajnik"
	DefaultDiscoverAddr     = "255.255.255.255"
	DefaultLogLevel         = "info"
	maxPayloadSize          = 65507 - 16
	maxStationNameLen       = 64
	envPrefix               = "SIKRADIO"
	configFlag              = "config"
	versionFlag             = "version"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrVersionRequested is returned when --version was passed
var ErrVersionRequested = errors.New("version requested")

// Common holds options both binaries accept
type Common struct {
	ControlPort        int
	RetransmitInterval time.Duration
	Name               string
	Interface          string
	MDNS               bool
	MetricsAddr        string
	LogLevel           string
	LogFile            string
}

func addCommonFlags(fs *pflag.FlagSet, defaultName string) {
	fs.IntP("ctrl-port", "C", DefaultControlPort, "UDP port for discovery and retransmission requests")
	fs.IntP("rtime", "R", DefaultRetransmitMillis, "Retransmission interval in milliseconds")
	fs.StringP("name", "n", defaultName, "Station name")
	fs.String("interface", "", "Network interface for multicast (default: system choice)")
	fs.Bool("mdns", false, "Also use mDNS for station discovery")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	fs.String("log-level", DefaultLogLevel, "Log level (trace, debug, info, warn, error)")
	fs.String("log-file", "", "Append logs to this file as well as stderr")
	fs.String(configFlag, "", "Optional config file (yaml, toml or json)")
	fs.Bool(versionFlag, false, "Print version and exit")
}

// load parses args and layers env and config file values under the flags
func load(fs *pflag.FlagSet, args []string, binary string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix + "_" + binary)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(configFlag); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if v.GetBool(versionFlag) {
		return nil, ErrVersionRequested
	}

	return v, nil
}

func commonFrom(v *viper.Viper) Common {
	return Common{
		ControlPort:        v.GetInt("ctrl-port"),
		RetransmitInterval: time.Duration(v.GetInt("rtime")) * time.Millisecond,
		Name:               v.GetString("name"),
		Interface:          v.GetString("interface"),
		MDNS:               v.GetBool("mdns"),
		MetricsAddr:        v.GetString("metrics-addr"),
		LogLevel:           v.GetString("log-level"),
		LogFile:            v.GetString("log-file"),
	}
}

func (c Common) validate() error {
	if err := validatePort("ctrl-port", c.ControlPort); err != nil {
		return err
	}
	if c.RetransmitInterval <= 0 {
		return fmt.Errorf("%w: rtime must be positive", ErrInvalidConfig)
	}
	if len(c.Name) > maxStationNameLen {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidConfig, maxStationNameLen)
	}
	if strings.ContainsRune(c.Name, '\n') {
		return fmt.Errorf("%w: name contains a newline", ErrInvalidConfig)
	}
	return nil
}

func validatePort(flag string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s %d out of range 1-65535", ErrInvalidConfig, flag, port)
	}
	return nil
}

func parseIPv4(flag, s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %s %q is not an IPv4 address", ErrInvalidConfig, flag, s)
	}
	return addr, nil
}
