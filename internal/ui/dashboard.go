// ABOUTME: Streamer dashboard showing every known player and task
// ABOUTME: Real-time registry and runner view using bubbletea
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/audera/audera-go/internal/registry"
	"github.com/audera/audera-go/internal/runner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StreamerMsg carries a streamer snapshot to the dashboard
type StreamerMsg struct {
	Name    string
	Format  string
	Latency time.Duration
	Players []registry.PlayerRecord
	Tasks   []runner.TaskStatus
}

// Dashboard is the bubbletea model for the streamer
type Dashboard struct {
	status    StreamerMsg
	startTime time.Time
	now       func() time.Time
	quitting  bool
	quit      chan struct{}
	width     int
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

var stateColors = map[registry.State]lipgloss.Color{
	registry.StateDiscovered: lipgloss.Color("244"),
	registry.StateConnecting: lipgloss.Color("220"),
	registry.StateSynced:     lipgloss.Color("81"),
	registry.StateStreaming:  lipgloss.Color("42"),
	registry.StateResyncing:  lipgloss.Color("214"),
	registry.StateLost:       lipgloss.Color("196"),
}

// NewDashboard creates a dashboard. quit receives a value when the user
// asks to stop.
func NewDashboard(name string, quit chan struct{}) Dashboard {
	return Dashboard{
		status:    StreamerMsg{Name: name},
		startTime: time.Now(),
		now:       time.Now,
		quit:      quit,
	}
}

type tickMsg time.Time

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Dashboard) Init() tea.Cmd {
	return tickEvery()
}

func (m Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			signalQuit(m.quit)
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, tickEvery()
	case StreamerMsg:
		m.status = msg
	}
	return m, nil
}

func (m Dashboard) View() string {
	if m.quitting {
		return "Shutting down streamer...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Audera Streamer"))
	b.WriteString("\n\n")

	field(&b, "Name: ", m.status.Name)
	field(&b, "Format: ", m.status.Format)
	field(&b, "Latency: ", m.status.Latency.String())
	field(&b, "Uptime: ", m.now().Sub(m.startTime).Round(time.Second).String())
	b.WriteString("\n")

	players := append([]registry.PlayerRecord(nil), m.status.Players...)
	sort.Slice(players, func(i, j int) bool { return players[i].Name < players[j].Name })

	streaming := 0
	for _, p := range players {
		if p.State == registry.StateStreaming {
			streaming++
		}
	}
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Players (%d streaming of %d)", streaming, len(players))))
	b.WriteString("\n\n")
	if len(players) == 0 {
		b.WriteString(valueStyle.Render("  No players discovered"))
		b.WriteString("\n")
	}
	for _, p := range players {
		b.WriteString(renderPlayer(p))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("Tasks"))
	b.WriteString("\n\n")
	for _, t := range m.status.Tasks {
		b.WriteString(renderTask(t))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(faintStyle.Render("Press 'q' or Ctrl+C to quit"))
	return b.String()
}

func field(b *strings.Builder, name, value string) {
	b.WriteString(headerStyle.Render(name))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}

func renderPlayer(p registry.PlayerRecord) string {
	state := lipgloss.NewStyle().Foreground(stateColors[p.State]).Render(fmt.Sprintf("%-11s", p.State))
	line := fmt.Sprintf("  • %-20s %s", truncate(p.Name, 20), state)

	switch {
	case p.Synced:
		line += valueStyle.Render(fmt.Sprintf(" offset %+.1fms rtt %.1fms %s",
			p.Clock.Smoothed/1000.0, float64(p.Clock.RTT)/1000.0, p.Clock.Quality))
	case p.Failure != "":
		line += errorStyle.Render(" " + truncate(p.Failure, 40))
	}
	return line
}

func renderTask(t runner.TaskStatus) string {
	line := fmt.Sprintf("  %-12s runs %-6d errors %d", t.Name, t.Runs, t.Errors)
	if t.LastErr != "" {
		line += errorStyle.Render(" " + truncate(t.LastErr, 40))
	}
	return line
}

func signalQuit(quit chan struct{}) {
	if quit == nil {
		return
	}
	select {
	case quit <- struct{}{}:
	default:
	}
}
