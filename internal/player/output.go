// ABOUTME: Audio outputs for the receiver
// ABOUTME: Raw PCM to a writer (stdout) or local playback through oto
package player

import (
	"fmt"
	"io"
	"sync"

	"github.com/Resonate-Protocol/sikradio/internal/audio"
	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"
)

// Sink consumes emitted payloads in order. Write may block; that is how
// playback is paced.
type Sink interface {
	Write(p []byte) error
	Close() error
}

// WriterSink copies payloads to an io.Writer such as stdout
type WriterSink struct {
	w io.Writer
}

// NewWriterSink wraps w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return fmt.Errorf("output write failed: %w", err)
	}
	return nil
}

// Close closes the writer if it is closable
func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// OtoSink plays 16-bit little-endian PCM on the local audio device
type OtoSink struct {
	otoCtx     *oto.Context
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	closeOnce  sync.Once
}

// NewOtoSink opens the audio device. oto allows one context per process.
func NewOtoSink(format audio.Format) (*OtoSink, error) {
	if format.BitDepth != 16 {
		logrus.WithField("component", "output").Warnf("oto only supports 16-bit output, ignoring bit depth %d", format.BitDepth)
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	s := &OtoSink{otoCtx: ctx}

	// A persistent player reads from the pipe so writes stream without gaps
	s.pipeReader, s.pipeWriter = io.Pipe()
	s.player = ctx.NewPlayer(s.pipeReader)
	s.player.Play()

	logrus.WithFields(logrus.Fields{
		"component":   "output",
		"sample_rate": format.SampleRate,
		"channels":    format.Channels,
	}).Info("Audio output initialized")

	return s, nil
}

// Write blocks until the player has taken p
func (s *OtoSink) Write(p []byte) error {
	if _, err := s.pipeWriter.Write(p); err != nil {
		return fmt.Errorf("pipe write failed: %w", err)
	}
	return nil
}

// Close stops playback and releases the device
func (s *OtoSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.pipeWriter.Close()
		err = s.player.Close()
		s.pipeReader.Close()
		if suspendErr := s.otoCtx.Suspend(); err == nil {
			err = suspendErr
		}
	})
	return err
}
