package server

import (
	"testing"

	"github.com/Resonate-Protocol/sikradio/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gram(offset uint64) protocol.Audiogram {
	return protocol.Audiogram{SessionID: 7, ByteOffset: offset, Payload: []byte{byte(offset)}}
}

func offsetsOf(grams []protocol.Audiogram) []uint64 {
	out := make([]uint64, len(grams))
	for i, a := range grams {
		out[i] = a.ByteOffset
	}
	return out
}

func TestCacheCapacity(t *testing.T) {
	assert.Equal(t, 256, CacheCapacity(128*1024, 512))
	assert.Equal(t, 0, CacheCapacity(100, 512))
	assert.Equal(t, 0, CacheCapacity(1000, 0))
}

func TestCacheEvictsOldest(t *testing.T) {
	c := NewRetransmitCache(3)
	for off := uint64(0); off < 5*10; off += 10 {
		c.Push(gram(off))
	}

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 3, c.Cap())

	_, ok := c.Lookup(10)
	assert.False(t, ok)

	a, ok := c.Lookup(20)
	require.True(t, ok)
	assert.Equal(t, uint64(20), a.ByteOffset)

	_, ok = c.Lookup(40)
	assert.True(t, ok)
	_, ok = c.Lookup(45)
	assert.False(t, ok)
}

func TestCacheZeroCapacity(t *testing.T) {
	c := NewRetransmitCache(0)
	c.Push(gram(0))

	assert.Equal(t, 0, c.Len())
	_, ok := c.Lookup(0)
	assert.False(t, ok)
	assert.Empty(t, c.Collect([]uint64{0}))
}

func TestCacheCollect(t *testing.T) {
	c := NewRetransmitCache(4)
	for off := uint64(0); off < 6*40; off += 40 {
		c.Push(gram(off))
	}
	// holds 80, 120, 160, 200

	tests := []struct {
		name    string
		offsets []uint64
		want    []uint64
	}{
		{"all present", []uint64{80, 120, 160, 200}, []uint64{80, 120, 160, 200}},
		{"evicted skipped", []uint64{0, 40, 80}, []uint64{80}},
		{"future skipped", []uint64{200, 240, 280}, []uint64{200}},
		{"misaligned skipped", []uint64{100, 120, 130}, []uint64{120}},
		{"nothing", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Collect(tt.offsets)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, offsetsOf(got))
		})
	}
}

func TestPendingRequestsDeduplicate(t *testing.T) {
	p := NewPendingRequests()
	p.Add(80, 40)
	p.Add(40)

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, []uint64{40, 80}, p.Take())
	assert.Equal(t, 0, p.Len())
	assert.Nil(t, p.Take())
}

func TestDeduplicatedRequestsCollectOnce(t *testing.T) {
	c := NewRetransmitCache(10)
	for off := uint64(0); off < 4*40; off += 40 {
		c.Push(gram(off))
	}

	p := NewPendingRequests()
	p.Add(40, 40, 80)

	got := c.Collect(p.Take())
	assert.Equal(t, []uint64{40, 80}, offsetsOf(got))
}
