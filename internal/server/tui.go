// ABOUTME: Sender TUI for displaying broadcast stats
// ABOUTME: Real-time station status display using bubbletea
package server

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ServerTUI manages the sender status screen
type ServerTUI struct {
	program  *tea.Program
	updates  chan ServerStatus
	quitChan chan struct{}
}

// ServerStatus holds sender state for the TUI
type ServerStatus struct {
	Name        string
	Group       string
	ControlPort int
	Title       string
	Stats       EngineStats
	PayloadSize int
}

type tuiModel struct {
	status    ServerStatus
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

type tickMsg time.Time
type statusMsg ServerStatus

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = ServerStatus(msg)
		return m, nil
	}

	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down sender...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	statsHeaderStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("220"))

	var b strings.Builder

	b.WriteString(titleStyle.Render("sikradio sender"))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(headerStyle.Render(label))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	row("Station: ", m.status.Name)
	row("Group: ", m.status.Group)
	row("Control port: ", fmt.Sprintf("%d", m.status.ControlPort))
	row("Uptime: ", time.Since(m.startTime).Round(time.Second).String())
	row("Playing: ", m.status.Title)
	b.WriteString("\n")

	st := m.status.Stats
	b.WriteString(statsHeaderStyle.Render(fmt.Sprintf("Session %d", st.SessionID)))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("  • offset %d (%d bytes per packet)\n", st.NextOffset, m.status.PayloadSize))
	b.WriteString(fmt.Sprintf("  • sent %d, retransmitted %d\n", st.Sent, st.Retransmitted))
	b.WriteString(fmt.Sprintf("  • cached %d packets\n", st.Cached))

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

// NewServerTUI creates a sender TUI showing initial until the first update
func NewServerTUI(initial ServerStatus) *ServerTUI {
	t := &ServerTUI{
		updates:  make(chan ServerStatus, 10),
		quitChan: make(chan struct{}, 1),
	}
	m := tuiModel{
		status:    initial,
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}
	t.program = tea.NewProgram(m, tea.WithAltScreen())
	return t
}

// Start runs the TUI until it quits
func (t *ServerTUI) Start() error {
	go func() {
		for status := range t.updates {
			t.program.Send(statusMsg(status))
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update sends a status update to the TUI
func (t *ServerTUI) Update(status ServerStatus) {
	select {
	case t.updates <- status:
	default:
	}
}

// Stop stops the TUI
func (t *ServerTUI) Stop() {
	t.program.Quit()
	close(t.updates)
}

// QuitChan signals when the user wants to quit
func (t *ServerTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
