// ABOUTME: Entry point for the sikradio receiver
// ABOUTME: Parses flags, discovers stations and plays the chosen one to stdout or a sound card
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Resonate-Protocol/sikradio/internal/app"
	"github.com/Resonate-Protocol/sikradio/internal/audio"
	"github.com/Resonate-Protocol/sikradio/internal/config"
	"github.com/Resonate-Protocol/sikradio/internal/logging"
	"github.com/Resonate-Protocol/sikradio/internal/player"
	"github.com/Resonate-Protocol/sikradio/internal/transport"
	"github.com/Resonate-Protocol/sikradio/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.LoadReceiver(args)
	switch {
	case errors.Is(err, config.ErrVersionRequested):
		fmt.Println(version.String())
		return 0
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case err != nil:
		fmt.Fprintf(os.Stderr, "sikradio-receiver: %v\n", err)
		return 1
	}

	closer, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sikradio-receiver: %v\n", err)
		return 1
	}
	defer closer.Close()

	log := logging.Component("main")

	sink, err := openSink(cfg)
	if err != nil {
		log.WithError(err).Error("Failed to open audio output")
		return 1
	}
	defer sink.Close()

	var uiAddr string
	if cfg.UIPort != 0 {
		uiAddr = net.JoinHostPort("", strconv.Itoa(cfg.UIPort))
	}

	rx := app.NewReceiver(app.Config{
		Target:             cfg.DiscoveryTarget(),
		Name:               cfg.Name,
		UIAddr:             uiAddr,
		BufferSize:         cfg.BufferSize,
		RetransmitInterval: cfg.RetransmitInterval,
		Interface:          cfg.Interface,
		EnableMDNS:         cfg.MDNS,
		MetricsAddr:        cfg.MetricsAddr,
	}, transport.UDPNetwork{}, sink)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"output":  cfg.Output,
	}).Info("Starting sikradio receiver, press Ctrl-C to stop")

	if err := rx.Run(ctx); err != nil {
		log.WithError(err).Error("Receiver failed")
		return 1
	}
	return 0
}

func openSink(cfg *config.Receiver) (player.Sink, error) {
	if cfg.Output == config.OutputOto {
		return player.NewOtoSink(audio.Format{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BitDepth:   16,
		})
	}
	return player.NewWriterSink(os.Stdout), nil
}
