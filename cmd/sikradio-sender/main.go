// ABOUTME: Entry point for the sikradio sender
// ABOUTME: Parses flags, opens the audio input and broadcasts it until the input ends
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resonate-Protocol/sikradio/internal/audio"
	"github.com/Resonate-Protocol/sikradio/internal/config"
	"github.com/Resonate-Protocol/sikradio/internal/logging"
	"github.com/Resonate-Protocol/sikradio/internal/server"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/Resonate-Protocol/sikradio/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.LoadSender(args)
	switch {
	case errors.Is(err, config.ErrVersionRequested):
		fmt.Println(version.String())
		return 0
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case err != nil:
		fmt.Fprintf(os.Stderr, "sikradio-sender: %v\n", err)
		return 1
	}

	closer, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sikradio-sender: %v\n", err)
		return 1
	}
	defer closer.Close()

	if cfg.TUI {
		// the status screen owns the terminal; logs only go to the file
		if w, ok := closer.(io.Writer); ok {
			logrus.SetOutput(w)
		} else {
			logrus.SetOutput(io.Discard)
		}
	}

	log := logging.Component("main")

	source, err := openSource(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to open input")
		return 1
	}
	defer source.Close()

	srv := server.New(server.Config{
		Name:               cfg.Name,
		Group:              cfg.Group(),
		ControlPort:        cfg.ControlPort,
		PayloadSize:        cfg.PayloadSize,
		FifoSize:           cfg.FifoSize,
		RetransmitInterval: cfg.RetransmitInterval,
		Interface:          cfg.Interface,
		EnableMDNS:         cfg.MDNS,
		MetricsAddr:        cfg.MetricsAddr,
		UseTUI:             cfg.TUI,
	}, transport.UDPNetwork{}, source)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"input":   source.Title(),
	}).Info("Starting sikradio sender, press Ctrl-C to stop")

	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Error("Sender failed")
		return 1
	}
	return 0
}

// openSource picks stdin, a decoded file or the test tone. Decoded inputs
// are paced to real time; stdin is trusted to arrive at playback speed.
func openSource(cfg *config.Sender) (audio.Source, error) {
	switch {
	case cfg.Tone:
		return audio.Paced(audio.NewToneSource(audio.CDFormat, 0)), nil
	case cfg.Input != "":
		src, err := audio.Open(cfg.Input)
		if err != nil {
			return nil, err
		}
		return audio.Paced(src), nil
	default:
		return audio.NewRawSource(os.Stdin, "stdin"), nil
	}
}
