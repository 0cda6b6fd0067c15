// ABOUTME: Tests for the streamer dashboard
// ABOUTME: Player and task rendering plus quit handling
package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/audera/audera-go/internal/registry"
	"github.com/audera/audera-go/internal/runner"
	"github.com/audera/audera-go/internal/sync"
	tea "github.com/charmbracelet/bubbletea"
)

func TestDashboardEmpty(t *testing.T) {
	view := NewDashboard("living room", nil).View()

	if !strings.Contains(view, "living room") {
		t.Error("expected streamer name in view")
	}
	if !strings.Contains(view, "No players discovered") {
		t.Errorf("expected empty player list:\n%s", view)
	}
}

func TestDashboardShowsPlayers(t *testing.T) {
	d := NewDashboard("living room", nil)
	next, _ := d.Update(StreamerMsg{
		Name:    "living room",
		Format:  "pcm 48000Hz/16bit/2ch 480 samples",
		Latency: 300 * time.Millisecond,
		Players: []registry.PlayerRecord{
			{ID: "b", Name: "kitchen", State: registry.StateStreaming, Synced: true,
				Clock: sync.State{Smoothed: 1500, RTT: 2000, Quality: sync.QualityGood}},
			{ID: "a", Name: "attic", State: registry.StateConnecting, Failure: "no sync response"},
		},
		Tasks: []runner.TaskStatus{
			{Name: "broadcast", Runs: 1},
			{Name: "discovery", Runs: 4, Errors: 1, LastErr: "browse failed"},
		},
	})
	view := next.(Dashboard).View()

	for _, want := range []string{"1 streaming of 2", "kitchen", "offset +1.5ms", "no sync response", "300ms", "broadcast", "browse failed"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Index(view, "attic") > strings.Index(view, "kitchen") {
		t.Error("expected players sorted by name")
	}
}

func TestDashboardUptime(t *testing.T) {
	d := NewDashboard("s", nil)
	d.now = func() time.Time { return d.startTime.Add(90 * time.Second) }

	if !strings.Contains(d.View(), "1m30s") {
		t.Errorf("expected uptime 1m30s:\n%s", d.View())
	}
}

func TestDashboardQuit(t *testing.T) {
	quit := make(chan struct{}, 1)
	next, cmd := NewDashboard("s", quit).Update(tea.KeyMsg{Type: tea.KeyCtrlC})

	if cmd == nil {
		t.Fatal("expected a quit command")
	}
	select {
	case <-quit:
	default:
		t.Error("expected quit signal")
	}
	if !strings.Contains(next.(Dashboard).View(), "Shutting down") {
		t.Error("expected shutdown message")
	}
}
