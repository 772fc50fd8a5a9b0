// ABOUTME: Sender retransmission cache
// ABOUTME: Bounded FIFO of the most recently sent audiograms, ordered by offset
package server

import (
	"sort"

	"github.com/Resonate-Protocol/sikradio/internal/protocol"
)

// RetransmitCache keeps the last Cap() audiograms in ascending offset order.
// It is owned by the audio engine goroutine and is not safe for concurrent use.
type RetransmitCache struct {
	ring []protocol.Audiogram
	head int // index of the oldest entry
	size int
}

// NewRetransmitCache creates a cache for capacity audiograms. Zero disables it.
func NewRetransmitCache(capacity int) *RetransmitCache {
	if capacity < 0 {
		capacity = 0
	}
	return &RetransmitCache{ring: make([]protocol.Audiogram, capacity)}
}

// CacheCapacity returns how many packets of payloadSize fit in fifoSize bytes
func CacheCapacity(fifoSize, payloadSize int) int {
	if payloadSize <= 0 {
		return 0
	}
	return fifoSize / payloadSize
}

// Cap returns the maximum number of cached audiograms
func (c *RetransmitCache) Cap() int { return len(c.ring) }

// Len returns the number of cached audiograms
func (c *RetransmitCache) Len() int { return c.size }

func (c *RetransmitCache) at(i int) *protocol.Audiogram {
	return &c.ring[(c.head+i)%len(c.ring)]
}

// Push appends a, evicting the oldest entry when full. Offsets must be pushed
// in increasing order. The cache keeps a's payload without copying it.
func (c *RetransmitCache) Push(a protocol.Audiogram) {
	if len(c.ring) == 0 {
		return
	}
	if c.size == len(c.ring) {
		c.ring[c.head] = a
		c.head = (c.head + 1) % len(c.ring)
		return
	}
	*c.at(c.size) = a
	c.size++
}

// Lookup finds the audiogram with the given offset
func (c *RetransmitCache) Lookup(offset uint64) (protocol.Audiogram, bool) {
	i := sort.Search(c.size, func(i int) bool { return c.at(i).ByteOffset >= offset })
	if i < c.size && c.at(i).ByteOffset == offset {
		return *c.at(i), true
	}
	return protocol.Audiogram{}, false
}

// Collect returns the cached audiograms for the ascending offsets in one merge
// pass. Offsets that are not cached are skipped.
func (c *RetransmitCache) Collect(offsets []uint64) []protocol.Audiogram {
	var out []protocol.Audiogram
	i, j := 0, 0
	for i < c.size && j < len(offsets) {
		got := c.at(i)
		switch {
		case got.ByteOffset < offsets[j]:
			i++
		case got.ByteOffset > offsets[j]:
			j++
		default:
			out = append(out, *got)
			i++
			j++
		}
	}
	return out
}
