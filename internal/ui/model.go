// ABOUTME: Bubbletea model for the player TUI
// ABOUTME: Defines player display state and keyboard handling
package ui

import (
	"fmt"
	"strings"

	"github.com/audera/audera-go/internal/player"
	"github.com/audera/audera-go/internal/sync"
	tea "github.com/charmbracelet/bubbletea"
)

// PlayerMsg carries a player snapshot to the TUI
type PlayerMsg struct {
	Name   string
	Format string
	Status player.Status
}

// Model represents the player TUI state
type Model struct {
	name   string
	format string
	status player.Status

	volume int
	muted  bool

	showDebug  bool
	volumeCtrl *VolumeControl

	width  int
	height int
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
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case PlayerMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := m.renderHeader()
	s += m.renderStream()
	s += m.renderControls()
	s += m.renderStats()
	if m.showDebug {
		s += m.renderDebug()
	}
	s += m.renderHelp()
	return s
}

func (m Model) renderHeader() string {
	connStatus := "Waiting for a streamer"
	if m.status.Connected {
		connStatus = fmt.Sprintf("Connected to %s", truncate(m.status.Streamer, 32))
	}

	syncIcon := "✗"
	syncText := "Lost"
	switch m.status.Clock.Quality {
	case sync.QualityGood:
		syncIcon = "✓"
		syncText = fmt.Sprintf("Synced (offset: %+.1fms, rtt: %.1fms)",
			m.status.Clock.Smoothed/1000.0, float64(m.status.Clock.RTT)/1000.0)
	case sync.QualityDegraded:
		syncIcon = "⚠"
		syncText = "Degraded"
	}

	return fmt.Sprintf(`┌─ Audera Player ──────────────────────────────────────┐
│ Name:   %-45s │
│ Status: %-45s │
│ Sync:   %s %-43s │
├──────────────────────────────────────────────────────┤
`, truncate(m.name, 45), connStatus, syncIcon, syncText)
}

func (m Model) renderStream() string {
	if m.status.Session == "" {
		return "│ No session                                           │\n"
	}
	return fmt.Sprintf("│ Session: %-44s │\n│ Format:  %-44s │\n",
		truncate(m.status.Session, 44), truncate(m.format, 44))
}

func (m Model) renderControls() string {
	muteIcon := ""
	if m.muted {
		muteIcon = " muted"
	}
	return fmt.Sprintf("│                                                      │\n"+
		"│ Volume: [%s] %3d%%%-27s │\n"+
		"│ Buffer: %-4d frames, target %-23s │\n",
		renderBar(m.volume, 100, 10), m.volume, muteIcon,
		m.status.Depth, m.status.BufferTarget)
}

func (m Model) renderStats() string {
	st := m.status.Stats
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ RX: %-8d Played: %-8d Silence: %-14d │
│ Late: %-6d Dropped: %-6d Gaps skipped: %-11d │
`, st.Received, st.Played, st.Silence, st.Late, st.DroppedLate, st.Skipped)
}

func (m Model) renderHelp() string {
	return `│ ↑/↓:Volume  m:Mute  d:Debug  q:Quit                  │
└──────────────────────────────────────────────────────┘
`
}

func (m Model) renderDebug() string {
	c := m.status.Clock
	st := m.status.Stats
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Offset: %+.0fµs  Drift: %+.2fppm%-20s │
│   Samples: %d  Rejected: %d%-27s │
│   Stale: %d  Duplicates: %d  Overruns: %d%-12s │
`, c.Smoothed, c.Drift*1e6, "", c.Samples, c.Rejected, "", st.Stale, st.Duplicates, st.Overruns, "")
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.volumeCtrl != nil {
			signalQuit(m.volumeCtrl.Quit)
		}
		return m, tea.Quit
	case "up":
		m.volume = clamp(m.volume+5, 0, 100)
		m.sendVolume()
	case "down":
		m.volume = clamp(m.volume-5, 0, 100)
		m.sendVolume()
	case "m":
		m.muted = !m.muted
		m.sendVolume()
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

func (m Model) sendVolume() {
	if m.volumeCtrl == nil {
		return
	}
	select {
	case m.volumeCtrl.Changes <- VolumeChangeMsg{Volume: m.volume, Muted: m.muted}:
	default:
	}
}

func (m *Model) applyStatus(msg PlayerMsg) {
	if msg.Name != "" {
		m.name = msg.Name
	}
	if msg.Format != "" {
		m.format = msg.Format
	}
	m.status = msg.Status
}

func renderBar(value, max, width int) string {
	filled := clamp((value*width)/max, 0, width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
