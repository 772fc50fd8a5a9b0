// ABOUTME: Telnet server for the station picker
// ABOUTME: Negotiates character mode, strips IAC sequences and runs one bubbletea program per connection
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/Resonate-Protocol/sikradio/internal/directory"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Telnet protocol bytes
const (
	iac  = 255
	dont = 254
	do   = 253
	wont = 252
	will = 251
	sb   = 250
	se   = 240

	optEcho = 1
	optSGA  = 3
)

// negotiation puts the client in character mode with server-side echo
var negotiation = []byte{iac, will, optEcho, iac, will, optSGA}

// Server serves the picker to telnet clients
type Server struct {
	addr     string
	dir      *directory.Directory
	selector Selector
	log      *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	programs map[string]*tea.Program
	ready    chan struct{}
}

// NewServer creates a UI server listening on addr, e.g. ":15826"
func NewServer(addr string, dir *directory.Directory, selector Selector) *Server {
	return &Server{
		addr:     addr,
		dir:      dir,
		selector: selector,
		log:      logrus.WithField("component", "ui"),
		programs: make(map[string]*tea.Program),
		ready:    make(chan struct{}),
	}
}

// Addr returns the bound address once Run is listening, nil before
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once the listener is bound
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run accepts connections until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen ui %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.log.WithField("addr", ln.Addr()).Info("UI listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Warn("Accept failed")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// Refresh pushes the current directory to every connected session
func (s *Server) Refresh() {
	msg := s.snapshot()

	s.mu.Lock()
	programs := make([]*tea.Program, 0, len(s.programs))
	for _, p := range s.programs {
		programs = append(programs, p)
	}
	s.mu.Unlock()

	for _, p := range programs {
		p.Send(msg)
	}
}

func (s *Server) snapshot() StationsMsg {
	msg := StationsMsg{Stations: s.dir.Stations()}
	if active, ok := s.dir.Active(); ok {
		msg.Active = active.Key()
		msg.HasActive = true
	}
	return msg
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.WithFields(logrus.Fields{
		"session": id,
		"remote":  conn.RemoteAddr(),
	})
	log.Info("UI client connected")
	defer log.Info("UI client disconnected")

	if _, err := conn.Write(negotiation); err != nil {
		log.WithError(err).Debug("Telnet negotiation failed")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	input := newTelnetReader(conn)
	p := tea.NewProgram(
		NewModel(ctx, s.selector, s.snapshot()),
		tea.WithContext(ctx),
		tea.WithInput(input),
		tea.WithOutput(conn),
		tea.WithoutSignalHandler(),
		tea.WithAltScreen(),
	)

	s.mu.Lock()
	s.programs[id] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.programs, id)
		s.mu.Unlock()
	}()

	// the client hanging up ends the program
	go func() {
		select {
		case <-input.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.WithError(err).Debug("UI program ended")
	}
}

// telnetReader removes telnet commands from the client's byte stream
type telnetReader struct {
	r      io.Reader
	state  int
	closed chan struct{}
	once   sync.Once
}

const (
	stateData = iota
	stateIAC
	stateOption
	stateSub
	stateSubIAC
	stateCR
)

func newTelnetReader(r io.Reader) *telnetReader {
	return &telnetReader{r: r, closed: make(chan struct{})}
}

func (t *telnetReader) Read(p []byte) (int, error) {
	for {
		n, err := t.r.Read(p)
		n = t.filter(p[:n])
		if err != nil {
			t.once.Do(func() { close(t.closed) })
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// filter strips commands from b in place and returns the data length
func (t *telnetReader) filter(b []byte) int {
	out := 0
	for _, c := range b {
		switch t.state {
		case stateData:
			switch c {
			case iac:
				t.state = stateIAC
				continue
			case '\r':
				t.state = stateCR
			}
			b[out] = c
			out++

		case stateCR:
			// CR is sent as CR NUL or CR LF
			t.state = stateData
			if c == 0 || c == '\n' {
				continue
			}
			if c == iac {
				t.state = stateIAC
				continue
			}
			b[out] = c
			out++

		case stateIAC:
			switch c {
			case iac:
				t.state = stateData
				b[out] = c
				out++
			case will, wont, do, dont:
				t.state = stateOption
			case sb:
				t.state = stateSub
			default:
				t.state = stateData
			}

		case stateOption:
			t.state = stateData

		case stateSub:
			if c == iac {
				t.state = stateSubIAC
			}

		case stateSubIAC:
			if c == se {
				t.state = stateData
			} else {
				t.state = stateSub
			}
		}
	}
	return out
}
