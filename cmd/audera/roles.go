// ABOUTME: Maps the YAML configuration onto streamer and player settings
// ABOUTME: Shared sync and liveness values feed both roles
package main

import (
	"github.com/audera/audera-go/internal/config"
	"github.com/audera/audera-go/internal/player"
	"github.com/audera/audera-go/internal/registry"
	"github.com/audera/audera-go/internal/streamer"
	internalsync "github.com/audera/audera-go/internal/sync"
)

func syncOptions(cfg *config.Config) internalsync.SyncOptions {
	opts := internalsync.DefaultSyncOptions()
	opts.Rounds = cfg.Sync.Rounds
	opts.MinSamples = cfg.Sync.MinSamples
	opts.Spacing = cfg.Sync.Spacing
	opts.ExchangeTimeout = cfg.Sync.ExchangeTimeout
	opts.Attempts = cfg.Sync.Attempts
	opts.Backoff = cfg.Sync.Backoff
	return opts
}

func streamerConfig(cfg *config.Config) streamer.Config {
	s := cfg.Streamer
	sc := streamer.DefaultConfig()
	sc.Name = s.Name
	sc.Format = cfg.Format()
	sc.OutputLatency = s.OutputLatency
	sc.DiscoveryInterval = s.DiscoveryInterval
	sc.SyncCheckInterval = s.SyncCheckInterval
	sc.ResyncInterval = s.ResyncInterval
	sc.SweepInterval = s.SweepInterval
	sc.HeartbeatInterval = cfg.Liveness.Heartbeat
	sc.RegisterTimeout = s.RegisterTimeout
	sc.SendQueue = s.SendQueue
	sc.EvictAfterDrops = s.EvictAfterDrops
	sc.ReconnectEvery = s.ReconnectEvery
	sc.ReconnectBurst = s.ReconnectBurst
	sc.Sync = syncOptions(cfg)
	sc.Registry = registry.Config{
		LivenessTimeout: cfg.Liveness.Timeout,
		PruneAfter:      cfg.Liveness.PruneAfter,
	}
	return sc
}

func playerConfig(cfg *config.Config) player.Config {
	p := cfg.Player
	pc := player.DefaultConfig()
	if p.ID != "" {
		pc.ID = p.ID
	}
	pc.Name = p.Name
	pc.Listen = p.Listen
	pc.Volume = p.Volume

	pc.Buffer.FrameDuration = cfg.Format().FrameDuration()
	pc.Buffer.MaxDepth = p.MaxDepth
	pc.Buffer.StartDepth = p.StartDepth
	pc.Buffer.Tolerance = p.Tolerance
	pc.Buffer.GapWait = p.GapWait
	pc.Buffer.GapPolicy = player.GapPolicy(p.GapPolicy)
	pc.Buffer.MaxSilenceSlots = p.MaxSilenceSlots
	pc.Scheduler.ResetAfterLate = p.ResetAfterLate

	pc.Adaptive.Initial = p.BufferTarget
	pc.Adaptive.Min = p.BufferMin
	pc.Adaptive.Max = p.BufferMax
	pc.AdaptiveTarget = p.Adaptive

	pc.HeartbeatInterval = cfg.Liveness.Heartbeat
	pc.LivenessTimeout = cfg.Liveness.Timeout
	pc.Sync = syncOptions(cfg)
	pc.Filter.MaxRTT = cfg.Sync.MaxRTT.Microseconds()
	return pc
}
