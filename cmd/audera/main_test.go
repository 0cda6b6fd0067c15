// ABOUTME: Tests for subcommand parsing and config mapping
// ABOUTME: Checks that YAML settings reach the streamer and player
package main

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audera/audera-go/internal/config"
	"github.com/audera/audera-go/internal/player"
	"github.com/audera/audera-go/internal/streamer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnknownCommands(t *testing.T) {
	for _, args := range [][]string{nil, {"play"}, {"run"}, {"run", "mixer"}} {
		err := run(args)
		assert.True(t, errors.Is(err, flag.ErrHelp), "args %v: %v", args, err)
	}
}

func TestRunVersion(t *testing.T) {
	assert.NoError(t, run([]string{"version"}))
}

func TestRunConfigWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audera.yaml")
	require.NoError(t, run([]string{"config", "-o", path}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Player.GapPolicy, cfg.Player.GapPolicy)
	assert.NoError(t, cfg.Validate())
}

func TestRunStreamerRejectsInvalidConfig(t *testing.T) {
	err := run([]string{"run", "streamer", "-source", "radio"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "streamer.source")
}

func TestRunPlayerRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audera.yaml")
	require.NoError(t, os.WriteFile(path, []byte("player:\n  gap_policy: stretch\n"), 0o644))

	err := run([]string{"run", "player", "-config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap_policy")
}

func TestStreamerConfigMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Streamer.Name = "living room"
	cfg.Streamer.OutputLatency = 450 * time.Millisecond
	cfg.Streamer.SendQueue = 16
	cfg.Sync.Rounds = 12
	cfg.Liveness.Timeout = 20 * time.Second

	sc := streamerConfig(cfg)
	assert.Equal(t, "living room", sc.Name)
	assert.Equal(t, 450*time.Millisecond, sc.OutputLatency)
	assert.Equal(t, 16, sc.SendQueue)
	assert.Equal(t, 12, sc.Sync.Rounds)
	assert.Equal(t, 20*time.Second, sc.Registry.LivenessTimeout)
	assert.Equal(t, streamer.DefaultConfig().ResyncInterval, sc.ResyncInterval)
	assert.Equal(t, cfg.Format(), sc.Format)
	assert.NotEmpty(t, sc.ID)
}

func TestPlayerConfigMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Player.ID = "fixed-id"
	cfg.Player.GapPolicy = "skip"
	cfg.Player.BufferTarget = 250 * time.Millisecond
	cfg.Player.Adaptive = false
	cfg.Sync.MaxRTT = 80 * time.Millisecond

	pc := playerConfig(cfg)
	assert.Equal(t, "fixed-id", pc.ID)
	assert.Equal(t, player.GapSkip, pc.Buffer.GapPolicy)
	assert.Equal(t, 250*time.Millisecond, pc.Adaptive.Initial)
	assert.False(t, pc.AdaptiveTarget)
	assert.Equal(t, int64(80000), pc.Filter.MaxRTT)
	assert.Equal(t, cfg.Format().FrameDuration(), pc.Buffer.FrameDuration)
	assert.Equal(t, cfg.Liveness.Timeout, pc.LivenessTimeout)
}

func TestOpenSourceTone(t *testing.T) {
	cfg := config.DefaultConfig()
	src, err := openSource(cfg)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, cfg.Format().SampleRate, src.Format().SampleRate)
}

func TestOpenSourceMissingFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Streamer.Source = "file"
	cfg.Streamer.File = filepath.Join(t.TempDir(), "missing.flac")

	_, err := openSource(cfg)
	assert.Error(t, err)
}
