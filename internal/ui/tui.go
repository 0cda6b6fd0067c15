// ABOUTME: TUI program setup and status polling
// ABOUTME: Wraps bubbletea programs for the player and streamer views
package ui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// VolumeChangeMsg is a volume or mute change made from the keyboard
type VolumeChangeMsg struct {
	Volume int
	Muted  bool
}

// VolumeControl holds channels for volume control communication
type VolumeControl struct {
	Changes chan VolumeChangeMsg
	Quit    chan struct{}
}

// NewVolumeControl creates a new volume control handler
func NewVolumeControl() *VolumeControl {
	return &VolumeControl{
		Changes: make(chan VolumeChangeMsg, 10),
		Quit:    make(chan struct{}, 1),
	}
}

// NewModel creates a new player TUI model
func NewModel(name string, volume int, volCtrl *VolumeControl) Model {
	return Model{
		name:       name,
		volume:     clamp(volume, 0, 100),
		volumeCtrl: volCtrl,
	}
}

// NewProgram wraps a model in a full-screen program
func NewProgram(model tea.Model) *tea.Program {
	return tea.NewProgram(model, tea.WithAltScreen())
}

// Poll sends status() to the program every interval until ctx is done.
func Poll(ctx context.Context, p *tea.Program, interval time.Duration, status func() tea.Msg) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Send(status())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Send(status())
		}
	}
}
