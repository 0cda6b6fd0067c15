// ABOUTME: YAML configuration for the streamer and player
// ABOUTME: Defaults, file loading, AUDERA_* environment overrides and validation
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. The streamer and player each
// read their own section plus the shared ones.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Audio    AudioConfig    `yaml:"audio"`
	Sync     SyncConfig     `yaml:"sync"`
	Liveness LivenessConfig `yaml:"liveness"`
	Streamer StreamerConfig `yaml:"streamer"`
	Player   PlayerConfig   `yaml:"player"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// AudioConfig is the stream format the streamer captures and announces
type AudioConfig struct {
	Codec        string `yaml:"codec"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	BitDepth     int    `yaml:"bit_depth"`
	FrameSamples int    `yaml:"frame_samples"`
}

// SyncConfig tunes clock synchronization
type SyncConfig struct {
	Rounds          int           `yaml:"rounds"`
	MinSamples      int           `yaml:"min_samples"`
	Spacing         time.Duration `yaml:"spacing"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	Attempts        int           `yaml:"attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxRTT          time.Duration `yaml:"max_rtt"`
}

// LivenessConfig bounds how long a silent peer is kept
type LivenessConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	PruneAfter time.Duration `yaml:"prune_after"`
	Heartbeat  time.Duration `yaml:"heartbeat"`
}

type StreamerConfig struct {
	Name string `yaml:"name"`
	// Source is tone, file or command
	Source  string   `yaml:"source"`
	File    string   `yaml:"file,omitempty"`
	Command []string `yaml:"command,omitempty"`
	ToneHz  float64  `yaml:"tone_hz"`

	OutputLatency     time.Duration `yaml:"output_latency"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	SyncCheckInterval time.Duration `yaml:"sync_check_interval"`
	ResyncInterval    time.Duration `yaml:"resync_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	RegisterTimeout   time.Duration `yaml:"register_timeout"`

	SendQueue       int           `yaml:"send_queue"`
	EvictAfterDrops int           `yaml:"evict_after_drops"`
	ReconnectEvery  time.Duration `yaml:"reconnect_every"`
	ReconnectBurst  int           `yaml:"reconnect_burst"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	Dashboard   bool   `yaml:"dashboard"`
}

type PlayerConfig struct {
	ID     string `yaml:"id,omitempty"`
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`
	// Output is oto, malgo or null
	Output string `yaml:"output"`
	Volume int    `yaml:"volume"`

	BufferTarget    time.Duration `yaml:"buffer_target"`
	BufferMin       time.Duration `yaml:"buffer_min"`
	BufferMax       time.Duration `yaml:"buffer_max"`
	Adaptive        bool          `yaml:"adaptive"`
	MaxDepth        int           `yaml:"max_depth"`
	StartDepth      int           `yaml:"start_depth"`
	GapWait         time.Duration `yaml:"gap_wait"`
	GapPolicy       string        `yaml:"gap_policy"`
	Tolerance       time.Duration `yaml:"tolerance"`
	MaxSilenceSlots int           `yaml:"max_silence_slots"`
	ResetAfterLate  int           `yaml:"reset_after_late"`
}

// DefaultConfig returns configuration with the stock defaults.
func DefaultConfig() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "audera"
	}

	format := audio.DefaultFormat()
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Audio: AudioConfig{
			Codec:        format.Codec,
			SampleRate:   format.SampleRate,
			Channels:     format.Channels,
			BitDepth:     format.BitDepth,
			FrameSamples: format.FrameSamples,
		},
		Sync: SyncConfig{
			Rounds:          8,
			MinSamples:      3,
			Spacing:         50 * time.Millisecond,
			ExchangeTimeout: 2 * time.Second,
			Attempts:        3,
			Backoff:         500 * time.Millisecond,
			MaxRTT:          100 * time.Millisecond,
		},
		Liveness: LivenessConfig{
			Timeout:    15 * time.Second,
			PruneAfter: 60 * time.Second,
			Heartbeat:  2 * time.Second,
		},
		Streamer: StreamerConfig{
			Name:              host,
			Source:            "tone",
			ToneHz:            440,
			OutputLatency:     300 * time.Millisecond,
			DiscoveryInterval: 5 * time.Second,
			ScanTimeout:       2 * time.Second,
			SyncCheckInterval: time.Second,
			ResyncInterval:    600 * time.Second,
			SweepInterval:     time.Second,
			RegisterTimeout:   5 * time.Second,
			SendQueue:         64,
			EvictAfterDrops:   128,
			ReconnectEvery:    10 * time.Second,
			ReconnectBurst:    2,
		},
		Player: PlayerConfig{
			Name:            host,
			Listen:          ":5000",
			Output:          "oto",
			Volume:          100,
			BufferTarget:    200 * time.Millisecond,
			BufferMin:       100 * time.Millisecond,
			BufferMax:       500 * time.Millisecond,
			Adaptive:        true,
			MaxDepth:        256,
			StartDepth:      4,
			GapWait:         20 * time.Millisecond,
			GapPolicy:       "silence",
			Tolerance:       5 * time.Millisecond,
			MaxSilenceSlots: 8,
			ResetAfterLate:  50,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("AUDERA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AUDERA_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AUDERA_STREAMER_NAME"); v != "" {
		c.Streamer.Name = v
	}
	if v := os.Getenv("AUDERA_SOURCE"); v != "" {
		c.Streamer.Source = v
	}
	if v := os.Getenv("AUDERA_FILE"); v != "" {
		c.Streamer.File = v
	}
	if v := os.Getenv("AUDERA_CAPTURE_COMMAND"); v != "" {
		c.Streamer.Command = strings.Fields(v)
	}
	if v := os.Getenv("AUDERA_METRICS_ADDR"); v != "" {
		c.Streamer.MetricsAddr = v
	}
	if v := os.Getenv("AUDERA_PLAYER_NAME"); v != "" {
		c.Player.Name = v
	}
	if v := os.Getenv("AUDERA_PLAYER_LISTEN"); v != "" {
		c.Player.Listen = v
	}
	if v := os.Getenv("AUDERA_OUTPUT"); v != "" {
		c.Player.Output = v
	}
	if v := os.Getenv("AUDERA_OUTPUT_LATENCY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AUDERA_OUTPUT_LATENCY: %w", err)
		}
		c.Streamer.OutputLatency = d
	}
	if v := os.Getenv("AUDERA_VOLUME"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUDERA_VOLUME: %w", err)
		}
		c.Player.Volume = n
	}
	return nil
}

// Format returns the configured stream format.
func (c *Config) Format() audio.Format {
	return audio.Format{
		Codec:        c.Audio.Codec,
		SampleRate:   c.Audio.SampleRate,
		Channels:     c.Audio.Channels,
		BitDepth:     c.Audio.BitDepth,
		FrameSamples: c.Audio.FrameSamples,
	}
}

// Validate checks the settings both roles depend on.
func (c *Config) Validate() error {
	if err := c.Format().Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}

	if c.Sync.Rounds <= 0 {
		return fmt.Errorf("sync.rounds must be > 0")
	}
	if c.Sync.MinSamples <= 0 || c.Sync.MinSamples > c.Sync.Rounds {
		return fmt.Errorf("sync.min_samples must be in [1, rounds]")
	}
	if c.Sync.ExchangeTimeout <= 0 {
		return fmt.Errorf("sync.exchange_timeout must be > 0")
	}
	if c.Sync.Attempts <= 0 {
		return fmt.Errorf("sync.attempts must be > 0")
	}
	if c.Sync.MaxRTT <= 0 {
		return fmt.Errorf("sync.max_rtt must be > 0")
	}

	if c.Liveness.Heartbeat <= 0 {
		return fmt.Errorf("liveness.heartbeat must be > 0")
	}
	if c.Liveness.Timeout <= 2*c.Liveness.Heartbeat {
		return fmt.Errorf("liveness.timeout must be more than twice liveness.heartbeat")
	}
	if c.Liveness.PruneAfter <= 0 {
		return fmt.Errorf("liveness.prune_after must be > 0")
	}

	return nil
}

// ValidateStreamer checks the shared settings and the streamer section.
func (c *Config) ValidateStreamer() error {
	if err := c.Validate(); err != nil {
		return err
	}

	s := c.Streamer
	switch s.Source {
	case "tone":
	case "file":
		if s.File == "" {
			return fmt.Errorf("streamer.file must be set when streamer.source=file")
		}
	case "command":
	default:
		return fmt.Errorf("streamer.source must be tone, file or command, got %q", s.Source)
	}

	if s.OutputLatency <= 0 {
		return fmt.Errorf("streamer.output_latency must be > 0")
	}
	if s.DiscoveryInterval <= 0 {
		return fmt.Errorf("streamer.discovery_interval must be > 0")
	}
	if c.Liveness.Timeout <= 2*s.DiscoveryInterval {
		return fmt.Errorf("liveness.timeout must be more than twice streamer.discovery_interval")
	}
	if s.ResyncInterval < s.DiscoveryInterval {
		return fmt.Errorf("streamer.resync_interval must be >= streamer.discovery_interval")
	}
	if s.SyncCheckInterval <= 0 || s.SweepInterval <= 0 {
		return fmt.Errorf("streamer.sync_check_interval and streamer.sweep_interval must be > 0")
	}
	if s.SendQueue <= 0 {
		return fmt.Errorf("streamer.send_queue must be > 0")
	}
	if s.EvictAfterDrops <= 0 {
		return fmt.Errorf("streamer.evict_after_drops must be > 0")
	}
	if s.ReconnectEvery <= 0 || s.ReconnectBurst <= 0 {
		return fmt.Errorf("streamer.reconnect_every and streamer.reconnect_burst must be > 0")
	}
	return nil
}

// ValidatePlayer checks the shared settings and the player section.
func (c *Config) ValidatePlayer() error {
	if err := c.Validate(); err != nil {
		return err
	}

	p := c.Player
	if p.Name == "" {
		return fmt.Errorf("player.name must not be empty")
	}
	if p.Listen == "" {
		return fmt.Errorf("player.listen must not be empty")
	}
	switch p.Output {
	case "oto", "malgo", "null":
	default:
		return fmt.Errorf("player.output must be oto, malgo or null, got %q", p.Output)
	}
	if p.Volume < 0 || p.Volume > 100 {
		return fmt.Errorf("player.volume must be in [0, 100]")
	}
	if p.BufferMin <= 0 || p.BufferMin > p.BufferTarget || p.BufferTarget > p.BufferMax {
		return fmt.Errorf("player.buffer_target must lie within [buffer_min, buffer_max]")
	}
	if p.MaxDepth <= 0 {
		return fmt.Errorf("player.max_depth must be > 0")
	}
	if p.StartDepth <= 0 || p.StartDepth > p.MaxDepth {
		return fmt.Errorf("player.start_depth must be in [1, max_depth]")
	}
	if p.GapPolicy != "silence" && p.GapPolicy != "skip" {
		return fmt.Errorf("player.gap_policy must be silence or skip, got %q", p.GapPolicy)
	}
	if p.Tolerance < 0 || p.GapWait < 0 {
		return fmt.Errorf("player.tolerance and player.gap_wait must be >= 0")
	}
	if p.ResetAfterLate <= 0 {
		return fmt.Errorf("player.reset_after_late must be > 0")
	}
	return nil
}
