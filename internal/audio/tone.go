// ABOUTME: Test tone generator for the sender
// ABOUTME: Generates a 440Hz sine wave as 16-bit stereo PCM
package audio

import (
	"io"
	"math"
)

// ToneSource generates a sine tone, endlessly or for a fixed length
type ToneSource struct {
	format    Format
	frequency float64
	frame     uint64
	limit     uint64
}

// NewToneSource returns a 440Hz tone; frames == 0 means endless
func NewToneSource(format Format, frames uint64) *ToneSource {
	return &ToneSource{
		format:    format,
		frequency: 440.0,
		limit:     frames,
	}
}

func (s *ToneSource) Read(p []byte) (int, error) {
	frameSize := s.format.FrameSize()
	frames := len(p) / frameSize
	if s.limit > 0 {
		left := s.limit - s.frame
		if left == 0 {
			return 0, io.EOF
		}
		if uint64(frames) > left {
			frames = int(left)
		}
	}

	for i := 0; i < frames; i++ {
		t := float64(s.frame+uint64(i)) / float64(s.format.SampleRate)
		value := int16(math.Sin(2*math.Pi*s.frequency*t) * 32767.0 * 0.5)
		for ch := 0; ch < s.format.Channels; ch++ {
			PutSample16(p[i*frameSize+ch*2:], value)
		}
	}
	s.frame += uint64(frames)

	return frames * frameSize, nil
}

func (s *ToneSource) Format() Format { return s.format }
func (s *ToneSource) Title() string  { return "Test Tone" }
func (s *ToneSource) Close() error   { return nil }
