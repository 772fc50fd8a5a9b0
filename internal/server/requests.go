// ABOUTME: Pending retransmission requests shared by responder and engine
// ABOUTME: Deduplicated offset set, drained with take-and-clear once per cycle
package server

import (
	"slices"
	"sync"
)

// PendingRequests collects requested offsets between retransmission cycles
type PendingRequests struct {
	mu      sync.Mutex
	offsets map[uint64]struct{}
}

// NewPendingRequests creates an empty set
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{offsets: make(map[uint64]struct{})}
}

// Add merges offsets into the set
func (p *PendingRequests) Add(offsets ...uint64) {
	p.mu.Lock()
	for _, off := range offsets {
		p.offsets[off] = struct{}{}
	}
	p.mu.Unlock()
}

// Take swaps the set out and returns its offsets in ascending order
func (p *PendingRequests) Take() []uint64 {
	p.mu.Lock()
	taken := p.offsets
	if len(taken) > 0 {
		p.offsets = make(map[uint64]struct{})
	}
	p.mu.Unlock()

	if len(taken) == 0 {
		return nil
	}
	out := make([]uint64, 0, len(taken))
	for off := range taken {
		out = append(out, off)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of distinct pending offsets
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offsets)
}
