// ABOUTME: Real-time pacing for decoded sources
// ABOUTME: Holds reads back so a file is broadcast at playback speed, not disk speed
package audio

import (
	"io"
	"time"
)

// PacedReader delays reads so that bytes never run ahead of wall clock time
type PacedReader struct {
	r      io.Reader
	format Format
	start  time.Time
	read   int64
	sleep  func(time.Duration)
	now    func() time.Time
}

// NewPacedReader paces r at format's byte rate
func NewPacedReader(r io.Reader, format Format) *PacedReader {
	return &PacedReader{r: r, format: format, sleep: time.Sleep, now: time.Now}
}

func (p *PacedReader) Read(b []byte) (int, error) {
	if p.start.IsZero() {
		p.start = p.now()
	}

	// Wait until the bytes already handed out have had time to play
	due := p.start.Add(p.format.Duration(int(p.read)))
	if wait := due.Sub(p.now()); wait > 0 {
		p.sleep(wait)
	}

	n, err := p.r.Read(b)
	p.read += int64(n)
	return n, err
}

type pacedSource struct {
	Source
	paced *PacedReader
}

func (s *pacedSource) Read(b []byte) (int, error) { return s.paced.Read(b) }

// Paced wraps src so it is read no faster than it would play
func Paced(src Source) Source {
	return &pacedSource{Source: src, paced: NewPacedReader(src, src.Format())}
}
