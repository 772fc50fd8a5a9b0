// ABOUTME: Sender input sources producing 16-bit little-endian PCM
// ABOUTME: Raw streams (stdin), MP3 and FLAC files; each plays once
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedFormat is returned for file types Open cannot decode
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Source is a PCM byte stream the sender broadcasts
type Source interface {
	io.ReadCloser
	Format() Format
	Title() string
}

// Open picks a decoder by file extension (.mp3, .flac)
func Open(path string) (Source, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return NewMP3Source(path)
	case ".flac":
		return NewFLACSource(path)
	default:
		return nil, fmt.Errorf("%w: %q (supported: .mp3, .flac)", ErrUnsupportedFormat, ext)
	}
}

func titleOf(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// RawSource passes bytes through untouched
type RawSource struct {
	r      io.Reader
	title  string
	format Format
}

// NewRawSource wraps an already-PCM reader such as stdin
func NewRawSource(r io.Reader, title string) *RawSource {
	return &RawSource{r: r, title: title, format: CDFormat}
}

func (s *RawSource) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *RawSource) Format() Format             { return s.format }
func (s *RawSource) Title() string              { return s.title }

// Close closes the underlying reader if it is closable
func (s *RawSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MP3Source decodes an MP3 file; go-mp3 always yields 16-bit stereo
type MP3Source struct {
	file    *os.File
	decoder *mp3.Decoder
	title   string
}

// NewMP3Source opens and starts decoding an MP3 file
func NewMP3Source(path string) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	s := &MP3Source{file: f, decoder: decoder, title: titleOf(path)}
	logrus.WithFields(logrus.Fields{
		"component":   "audio",
		"title":       s.title,
		"sample_rate": decoder.SampleRate(),
	}).Info("Loaded MP3")
	return s, nil
}

func (s *MP3Source) Read(p []byte) (int, error) { return s.decoder.Read(p) }
func (s *MP3Source) Title() string              { return s.title }
func (s *MP3Source) Close() error               { return s.file.Close() }

func (s *MP3Source) Format() Format {
	return Format{SampleRate: s.decoder.SampleRate(), Channels: 2, BitDepth: 16}
}

// FLACSource decodes a FLAC file frame by frame into 16-bit PCM
type FLACSource struct {
	file    *os.File
	stream  *flac.Stream
	format  Format
	srcBits int
	title   string
	pending []byte
}

// NewFLACSource opens and parses the header of a FLAC file
func NewFLACSource(path string) (*FLACSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	s := &FLACSource{
		file:   f,
		stream: stream,
		format: Format{
			SampleRate: int(info.SampleRate),
			Channels:   int(info.NChannels),
			BitDepth:   16,
		},
		srcBits: int(info.BitsPerSample),
		title:   titleOf(path),
	}

	logrus.WithFields(logrus.Fields{
		"component":   "audio",
		"title":       s.title,
		"sample_rate": s.format.SampleRate,
		"channels":    s.format.Channels,
		"bit_depth":   s.srcBits,
	}).Info("Loaded FLAC")
	return s, nil
}

func (s *FLACSource) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		frame, err := s.stream.ParseNext()
		if err != nil {
			return 0, err
		}

		channels := s.format.Channels
		block := int(frame.BlockSize)
		buf := make([]byte, block*channels*2)
		for i := 0; i < block; i++ {
			for ch := 0; ch < channels; ch++ {
				sample := ScaleTo16(frame.Subframes[ch].Samples[i], s.srcBits)
				PutSample16(buf[(i*channels+ch)*2:], sample)
			}
		}
		s.pending = buf
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *FLACSource) Format() Format { return s.format }
func (s *FLACSource) Title() string  { return s.title }
func (s *FLACSource) Close() error   { return s.file.Close() }
