// ABOUTME: Playback window: the receiver's reorder ring buffer
// ABOUTME: Admits audiograms by session and offset, then releases payloads strictly in order
package player

import (
	"github.com/Resonate-Protocol/sikradio/internal/metrics"
	"github.com/Resonate-Protocol/sikradio/internal/protocol"
)

// State of the playback window
type State int

const (
	StateUninitialized State = iota
	StateBuffering
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	}
	return "uninitialized"
}

// Verdict is the outcome of admitting one audiogram
type Verdict int

const (
	Stored Verdict = iota
	Anchored
	Resynced
	DiscardStale
	DiscardMalformed
	DiscardPassed
	DiscardMisaligned
	DiscardLate
	DiscardTooLarge
)

// Accepted reports whether the payload is now in the window
func (v Verdict) Accepted() bool {
	return v == Stored || v == Anchored || v == Resynced
}

// Reason is the metrics label of a discard verdict
func (v Verdict) Reason() string {
	switch v {
	case DiscardStale:
		return metrics.ReasonStale
	case DiscardMalformed:
		return metrics.ReasonMalformed
	case DiscardPassed:
		return metrics.ReasonPassed
	case DiscardMisaligned:
		return metrics.ReasonMisaligned
	case DiscardLate:
		return metrics.ReasonLate
	case DiscardTooLarge:
		return metrics.ReasonTooLarge
	}
	return ""
}

type slot struct {
	pos  uint64
	data []byte
}

// Window holds up to Capacity() payloads of one session. Positions are
// counted in packets from the anchor: k = (offset - byteZero) / psize.
// It is owned by the playback goroutine and is not safe for concurrent use.
type Window struct {
	budget int

	state    State
	session  uint64
	psize    int
	byteZero uint64
	slots    []slot
	next     uint64 // position due for output
	highest  uint64 // highest stored position
}

// NewWindow creates a window with budget bytes of payload storage
func NewWindow(budget int) *Window {
	return &Window{budget: budget}
}

// State returns the current state
func (w *Window) State() State { return w.state }

// Session returns the session being played
func (w *Window) Session() uint64 { return w.session }

// PayloadSize returns the payload length fixed by the anchor packet
func (w *Window) PayloadSize() int { return w.psize }

// Capacity returns the number of slots, zero before the first packet
func (w *Window) Capacity() int { return len(w.slots) }

// ByteZero returns the offset of the anchor packet
func (w *Window) ByteZero() uint64 { return w.byteZero }

// NextOffset returns the offset due for output
func (w *Window) NextOffset() uint64 { return w.offsetOf(w.next) }

func (w *Window) offsetOf(pos uint64) uint64 {
	return w.byteZero + pos*uint64(w.psize)
}

// Reset forgets the session and returns to StateUninitialized
func (w *Window) Reset() {
	w.state = StateUninitialized
	w.session = 0
	w.psize = 0
	w.byteZero = 0
	w.slots = nil
	w.next = 0
	w.highest = 0
}

// Admit applies the admission rule to a
func (w *Window) Admit(a protocol.Audiogram) Verdict {
	if w.state == StateUninitialized {
		return w.anchor(a)
	}

	switch {
	case a.SessionID < w.session:
		return DiscardStale
	case a.SessionID == w.session && len(a.Payload) != w.psize:
		return DiscardMalformed
	case a.SessionID > w.session:
		return w.resync(a)
	case a.ByteOffset <= w.byteZero:
		return DiscardPassed
	}

	delta := a.ByteOffset - w.byteZero
	if delta%uint64(w.psize) != 0 {
		return DiscardMisaligned
	}

	pos := delta / uint64(w.psize)
	capacity := uint64(len(w.slots))
	switch {
	case pos < w.next:
		return DiscardLate
	case pos >= w.next+capacity:
		return w.resync(a)
	}

	w.store(pos, a)
	return Stored
}

func (w *Window) resync(a protocol.Audiogram) Verdict {
	w.Reset()
	if v := w.anchor(a); v != Anchored {
		return v
	}
	return Resynced
}

func (w *Window) anchor(a protocol.Audiogram) Verdict {
	if len(a.Payload) == 0 {
		return DiscardMalformed
	}
	capacity := w.budget / len(a.Payload)
	if capacity < 1 {
		return DiscardTooLarge
	}

	w.session = a.SessionID
	w.psize = len(a.Payload)
	w.byteZero = a.ByteOffset
	w.slots = make([]slot, capacity)
	w.next = 1
	w.state = StateBuffering
	w.store(0, a)
	return Anchored
}

func (w *Window) store(pos uint64, a protocol.Audiogram) {
	w.slots[pos%uint64(len(w.slots))] = slot{pos: pos, data: a.Payload}
	if pos > w.highest {
		w.highest = pos
	}

	if w.state == StateBuffering {
		threshold := uint64(w.psize * len(w.slots) * 3 / 4)
		if w.offsetOf(w.highest)-w.byteZero >= threshold {
			w.state = StatePlaying
		}
	}
}

func (w *Window) at(pos uint64) *slot {
	return &w.slots[pos%uint64(len(w.slots))]
}

func (w *Window) present(pos uint64) bool {
	s := w.at(pos)
	return s.data != nil && s.pos == pos
}

// Peek returns the payload due for output, if it has arrived
func (w *Window) Peek() ([]byte, bool) {
	if w.state != StatePlaying || !w.present(w.next) {
		return nil, false
	}
	return w.at(w.next).data, true
}

// Advance releases the slot returned by Peek and moves to the next position
func (w *Window) Advance() {
	if w.state != StatePlaying {
		return
	}
	*w.at(w.next) = slot{}
	w.next++
}

// SkipGap gives up on a missing payload once the window is full ahead of it.
// It reports whether a position was skipped.
func (w *Window) SkipGap() bool {
	if w.state != StatePlaying || w.present(w.next) {
		return false
	}
	if w.highest < w.next+uint64(len(w.slots))-1 {
		return false
	}
	*w.at(w.next) = slot{}
	w.next++
	return true
}

// Missing lists up to limit offsets between the output position and the
// highest stored packet that have not arrived. limit <= 0 means no limit.
func (w *Window) Missing(limit int) []uint64 {
	if w.state == StateUninitialized {
		return nil
	}
	var out []uint64
	for pos := w.next; pos < w.highest; pos++ {
		if w.present(pos) {
			continue
		}
		out = append(out, w.offsetOf(pos))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
