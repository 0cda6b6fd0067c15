// ABOUTME: Buffer target that follows network conditions
// ABOUTME: Steps the lookahead up or down from the mean and jitter of recent round trips
package player

import (
	"math"
	"sync"
	"time"
)

// AdaptiveConfig holds the thresholds for target changes
type AdaptiveConfig struct {
	Initial time.Duration
	Min     time.Duration
	Max     time.Duration
	Step    time.Duration
	// Window round trips are collected before each decision
	Window     int
	LowJitter  time.Duration
	HighJitter time.Duration
	LowRTT     time.Duration
	HighRTT    time.Duration
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Initial:    200 * time.Millisecond,
		Min:        100 * time.Millisecond,
		Max:        500 * time.Millisecond,
		Step:       50 * time.Millisecond,
		Window:     10,
		LowJitter:  10 * time.Millisecond,
		HighJitter: 50 * time.Millisecond,
		LowRTT:     100 * time.Millisecond,
		HighRTT:    150 * time.Millisecond,
	}
}

// AdaptiveTarget tracks the buffer target
type AdaptiveTarget struct {
	mu      sync.Mutex
	cfg     AdaptiveConfig
	target  time.Duration
	history []float64
}

func NewAdaptiveTarget(cfg AdaptiveConfig) *AdaptiveTarget {
	if cfg.Window < 2 {
		cfg.Window = 2
	}
	return &AdaptiveTarget{
		cfg:     cfg,
		target:  clampDuration(cfg.Initial, cfg.Min, cfg.Max),
		history: make([]float64, 0, cfg.Window),
	}
}

// Target returns the current buffer target.
func (a *AdaptiveTarget) Target() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// Observe records one round trip. Once a full window is collected the
// target moves one step: down on a quiet network, up on a noisy or slow one.
func (a *AdaptiveTarget) Observe(rtt time.Duration) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, float64(rtt))
	if len(a.history) < a.cfg.Window {
		return a.target, false
	}

	mean, stdev := meanStdev(a.history)
	a.history = a.history[:0]

	next := a.target
	switch {
	case stdev < float64(a.cfg.LowJitter) && mean < float64(a.cfg.LowRTT):
		next = a.target - a.cfg.Step
	case stdev > float64(a.cfg.HighJitter) || mean > float64(a.cfg.HighRTT):
		next = a.target + a.cfg.Step
	}
	next = clampDuration(next, a.cfg.Min, a.cfg.Max)

	changed := next != a.target
	a.target = next
	return next, changed
}

// meanStdev returns the mean and sample standard deviation.
func meanStdev(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
