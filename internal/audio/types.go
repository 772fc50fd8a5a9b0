// ABOUTME: Audio type definitions
// ABOUTME: Defines the PCM stream format and sample conversion helpers
package audio

import (
	"encoding/binary"
	"time"
)

// Format describes a 16-bit little-endian interleaved PCM stream
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// CDFormat is what raw stdin input is assumed to carry
var CDFormat = Format{SampleRate: 44100, Channels: 2, BitDepth: 16}

// FrameSize is the number of bytes per sample frame (all channels)
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the stream byte rate
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Duration returns how long n bytes of this format play for
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// PutSample16 writes one sample as little-endian int16
func PutSample16(b []byte, s int16) {
	binary.LittleEndian.PutUint16(b, uint16(s))
}

// Sample16 reads one little-endian int16 sample
func Sample16(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}

// ScaleTo16 converts a sample of the given bit depth to 16-bit range
func ScaleTo16(sample int32, bitDepth int) int16 {
	switch {
	case bitDepth == 16:
		return int16(sample)
	case bitDepth > 16:
		return int16(sample >> (bitDepth - 16))
	default:
		return int16(sample << (16 - bitDepth))
	}
}
