// ABOUTME: TUI update helpers for the sender
// ABOUTME: Polls engine stats into the status screen and stops the sender on quit
package server

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

func (s *Server) status() ServerStatus {
	return ServerStatus{
		Name:        s.config.Name,
		Group:       s.config.Group.String(),
		ControlPort: s.config.ControlPort,
		Title:       s.source.Title(),
		Stats:       s.Stats(),
		PayloadSize: s.config.PayloadSize,
	}
}

func (s *Server) startTUI(ctx context.Context, g *errgroup.Group, cancel context.CancelFunc) {
	s.tui = NewServerTUI(s.status())

	g.Go(func() error {
		if err := s.tui.Start(); err != nil {
			s.log.WithError(err).Warn("TUI exited with error")
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.tui.Stop()
				return nil
			case <-s.tui.QuitChan():
				s.log.Info("TUI quit requested, shutting down...")
				cancel()
			case <-ticker.C:
				s.tui.Update(s.status())
			}
		}
	})
}
