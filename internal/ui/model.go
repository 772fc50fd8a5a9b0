// ABOUTME: Bubbletea model for the receiver's station picker
// ABOUTME: Lists known stations, marks the active one and switches on arrow keys
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/sikradio/internal/directory"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const ruleWidth = 72

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Selector switches playback to another station
type Selector interface {
	Select(ctx context.Context, key directory.Key) error
}

// StationsMsg replaces the model's view of the directory
type StationsMsg struct {
	Stations  []directory.Station
	Active    directory.Key
	HasActive bool
}

type selectedMsg struct {
	err error
}

// Model represents the picker state of one UI session
type Model struct {
	ctx      context.Context
	selector Selector

	stations  []directory.Station
	active    directory.Key
	hasActive bool
	err       error
}

// NewModel creates a model starting from snapshot
func NewModel(ctx context.Context, selector Selector, snapshot StationsMsg) Model {
	m := Model{ctx: ctx, selector: selector}
	m.apply(snapshot)
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case StationsMsg:
		m.apply(msg)
	case selectedMsg:
		m.err = msg.err
	}

	return m, nil
}

func (m *Model) apply(msg StationsMsg) {
	m.stations = msg.Stations
	m.active = msg.Active
	m.hasActive = msg.HasActive
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "ctrl+d":
		return m, tea.Quit
	case "up", "k":
		return m, m.move(-1)
	case "down", "j":
		return m, m.move(1)
	}

	return m, nil
}

// activeIndex returns the position of the active station, or -1
func (m Model) activeIndex() int {
	if !m.hasActive {
		return -1
	}
	for i, st := range m.stations {
		if st.Key() == m.active {
			return i
		}
	}
	return -1
}

// move selects the station delta rows away; the list does not wrap
func (m Model) move(delta int) tea.Cmd {
	if len(m.stations) == 0 || m.selector == nil {
		return nil
	}

	idx := m.activeIndex()
	switch {
	case idx < 0 && delta > 0:
		idx = 0
	case idx < 0:
		idx = len(m.stations) - 1
	default:
		idx += delta
	}
	if idx < 0 || idx >= len(m.stations) || idx == m.activeIndex() {
		return nil
	}

	key := m.stations[idx].Key()
	ctx, selector := m.ctx, m.selector
	return func() tea.Msg {
		return selectedMsg{err: selector.Select(ctx, key)}
	}
}

// View renders the station list
func (m Model) View() string {
	rule := strings.Repeat("-", ruleWidth)

	var b strings.Builder
	b.WriteString(rule + "\n\n")
	b.WriteString(" " + titleStyle.Render("SIK Radio") + "\n\n")
	b.WriteString(rule + "\n\n")

	if len(m.stations) == 0 {
		b.WriteString("   (no stations found yet)\n")
	}
	for _, st := range m.stations {
		line := stationLine(st)
		if m.hasActive && st.Key() == m.active {
			b.WriteString(" > " + activeStyle.Render(line) + "\n")
			continue
		}
		b.WriteString("   " + line + "\n")
	}

	b.WriteString(rule + "\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("switch failed: "+m.err.Error()) + "\n")
	}
	b.WriteString(" ↑/↓ or k/j: change station   q: disconnect\n")

	return b.String()
}

func stationLine(st directory.Station) string {
	name := st.Name
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("%s  [%s]", name, st.Group)
}
