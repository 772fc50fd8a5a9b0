// ABOUTME: Audiogram wire codec for the multicast audio stream
// ABOUTME: Fixed 16-byte big-endian header (session id, byte offset) followed by payload
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the length of the session id and byte offset fields
	HeaderSize = 16

	// MaxDatagramSize bounds every read from a UDP socket
	MaxDatagramSize = 65536
)

// ErrMalformedPacket is returned when a datagram is too short to hold a header
var ErrMalformedPacket = errors.New("malformed packet")

// Audiogram is one audio packet of a broadcast session
type Audiogram struct {
	SessionID  uint64
	ByteOffset uint64
	Payload    []byte
}

// Size returns the encoded length of the audiogram
func (a Audiogram) Size() int {
	return HeaderSize + len(a.Payload)
}

// EncodeAudiogram serializes an audiogram into a new buffer
func EncodeAudiogram(a Audiogram) []byte {
	return AppendAudiogram(make([]byte, 0, a.Size()), a)
}

// AppendAudiogram appends the wire form of a to dst
func AppendAudiogram(dst []byte, a Audiogram) []byte {
	dst = binary.BigEndian.AppendUint64(dst, a.SessionID)
	dst = binary.BigEndian.AppendUint64(dst, a.ByteOffset)
	return append(dst, a.Payload...)
}

// DecodeAudiogram parses a datagram. The payload is copied out of b.
func DecodeAudiogram(b []byte) (Audiogram, error) {
	if len(b) < HeaderSize {
		return Audiogram{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(b), HeaderSize)
	}

	payload := make([]byte, len(b)-HeaderSize)
	copy(payload, b[HeaderSize:])

	return Audiogram{
		SessionID:  binary.BigEndian.Uint64(b[0:8]),
		ByteOffset: binary.BigEndian.Uint64(b[8:16]),
		Payload:    payload,
	}, nil
}
