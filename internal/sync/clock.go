// ABOUTME: Clock offset estimation with drift compensation
// ABOUTME: Filters four-timestamp samples and converts streamer time into local time
package sync

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrRejected is returned by Filter.Add for a sample the filter discarded.
	ErrRejected = errors.New("sync sample rejected")
	// ErrImplausible means too many consecutive samples were rejected.
	ErrImplausible = errors.New("implausible clock samples")
	// ErrNoResponse means the peer never answered an exchange.
	ErrNoResponse = errors.New("no sync response")
)

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

// Clock is a microsecond time source.
type Clock interface {
	Now() int64
}

// MonotonicClock counts microseconds since it was created. The streamer
// stamps capture and sync times with it.
type MonotonicClock struct {
	start time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Now() int64 {
	return time.Since(c.start).Microseconds()
}

// WallClock returns Unix microseconds. Players use it so that local
// deadlines map directly onto time.Time.
type WallClock struct{}

func (WallClock) Now() int64 {
	return time.Now().UnixMicro()
}

// Sample is one round trip. T1 and T4 are player clock readings, T2 and T3
// are streamer clock readings, all in microseconds.
type Sample struct {
	T1, T2, T3, T4 int64
}

// Offset returns ((T2-T1)+(T3-T4))/2 in microseconds.
func (s Sample) Offset() float64 {
	return float64((s.T2-s.T1)+(s.T3-s.T4)) / 2
}

// RTT returns (T4-T1)-(T3-T2) in microseconds.
func (s Sample) RTT() int64 {
	return (s.T4 - s.T1) - (s.T3 - s.T2)
}

// State is a snapshot of a clock estimate. Offset values are in microseconds
// and are subtracted from a streamer timestamp to get player time.
type State struct {
	Offset   float64 `json:"offset"`
	Smoothed float64 `json:"smoothed"`
	Drift    float64 `json:"drift"`
	RTT      int64   `json:"rtt"`
	MinRTT   int64   `json:"min_rtt"`
	Samples  int     `json:"samples"`
	Rejected int     `json:"rejected"`
	// LastLocal is the player clock (T4) of the last accepted sample.
	LastLocal int64     `json:"last_local"`
	LastSync  time.Time `json:"last_sync"`
	Quality   Quality   `json:"quality"`
}

// OffsetDuration returns the smoothed offset as a duration.
func (s State) OffsetDuration() time.Duration {
	return time.Duration(s.Smoothed * float64(time.Microsecond))
}

// FilterConfig tunes outlier rejection and smoothing. Durations are in
// microseconds to match the wire timestamps.
type FilterConfig struct {
	MaxRTT                int64
	RTTMultiple           float64
	RTTFloor              int64
	MaxResidual           int64
	SmoothingRate         float64
	MaxConsecutiveRejects int
	DegradedRTT           int64
	DriftWindow           int64
	MaxDrift              float64
	StaleAfter            time.Duration
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MaxRTT:                100000,
		RTTMultiple:           3,
		RTTFloor:              2000,
		MaxResidual:           50000,
		SmoothingRate:         0.1,
		MaxConsecutiveRejects: 5,
		DegradedRTT:           50000,
		DriftWindow:           2000000,
		MaxDrift:              200e-6,
		StaleAfter:            30 * time.Minute,
	}
}

// Filter combines successive samples into an offset and drift estimate.
type Filter struct {
	mu     sync.RWMutex
	cfg    FilterConfig
	state  State
	hasMin bool
	streak int

	// drift anchor: smoothed offset at a past local time
	anchorLocal  int64
	anchorOffset float64
	hasDrift     bool

	now func() time.Time
}

// NewFilter creates a filter. A zero config selects the defaults.
func NewFilter(cfg FilterConfig) *Filter {
	if cfg == (FilterConfig{}) {
		cfg = DefaultFilterConfig()
	}
	return &Filter{
		cfg:   cfg,
		state: State{Quality: QualityLost},
		now:   time.Now,
	}
}

// Add feeds one sample. It returns ErrRejected when the sample was discarded
// and ErrImplausible once MaxConsecutiveRejects samples in a row were.
func (f *Filter) Add(s Sample) (State, error) {
	rtt := s.RTT()
	measured := s.Offset()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.state.RTT = rtt

	if rtt < 0 {
		return f.reject("negative rtt %dµs", rtt)
	}
	if rtt > f.cfg.MaxRTT {
		return f.reject("rtt %dµs above limit %dµs", rtt, f.cfg.MaxRTT)
	}

	if !f.hasMin || rtt < f.state.MinRTT {
		f.state.MinRTT = rtt
		f.hasMin = true
	}
	gate := int64(float64(f.state.MinRTT) * f.cfg.RTTMultiple)
	if floor := f.state.MinRTT + f.cfg.RTTFloor; floor > gate {
		gate = floor
	}
	if rtt > gate {
		return f.reject("rtt %dµs above %dµs gate", rtt, gate)
	}

	if f.state.Samples == 0 {
		f.state.Smoothed = measured
		f.anchorLocal = s.T4
		f.anchorOffset = measured
	} else {
		dt := float64(s.T4 - f.state.LastLocal)
		if dt <= 0 {
			return f.reject("non-monotonic local time")
		}

		predicted := f.state.Smoothed + f.state.Drift*dt
		residual := measured - predicted
		if math.Abs(residual) > float64(f.cfg.MaxResidual) {
			return f.reject("residual %.0fµs", residual)
		}

		// Plain average while the estimate is young, fixed gain afterwards.
		gain := f.cfg.SmoothingRate
		if g := 1 / float64(f.state.Samples+1); g > gain {
			gain = g
		}
		f.state.Smoothed = predicted + gain*residual

		if span := s.T4 - f.anchorLocal; span >= f.cfg.DriftWindow {
			observed := (f.state.Smoothed - f.anchorOffset) / float64(span)
			if f.hasDrift {
				observed = f.state.Drift + f.cfg.SmoothingRate*(observed-f.state.Drift)
			}
			f.state.Drift = clamp(observed, f.cfg.MaxDrift)
			f.hasDrift = true
			f.anchorLocal = s.T4
			f.anchorOffset = f.state.Smoothed
		}
	}

	f.streak = 0
	f.state.Offset = measured
	f.state.LastLocal = s.T4
	f.state.LastSync = f.now()
	f.state.Samples++
	if rtt < f.cfg.DegradedRTT {
		f.state.Quality = QualityGood
	} else {
		f.state.Quality = QualityDegraded
	}

	return f.state, nil
}

func (f *Filter) reject(format string, args ...interface{}) (State, error) {
	f.state.Rejected++
	f.streak++
	if f.cfg.MaxConsecutiveRejects > 0 && f.streak >= f.cfg.MaxConsecutiveRejects {
		f.state.Quality = QualityLost
		return f.state, fmt.Errorf("%w: %d in a row, last: %s", ErrImplausible, f.streak, fmt.Sprintf(format, args...))
	}
	return f.state, fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

func clamp(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	return math.Max(-limit, math.Min(limit, v))
}

// State returns the current estimate.
func (f *Filter) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Synced reports whether at least one sample has been accepted.
func (f *Filter) Synced() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Samples > 0 && f.state.Quality != QualityLost
}

// Reset forgets every sample.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = State{Quality: QualityLost}
	f.hasMin = false
	f.hasDrift = false
	f.streak = 0
}

// Restart forgets the RTT minimum and the reject streak but keeps the
// offset and drift, so a path whose latency rose can be measured again.
func (f *Filter) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasMin = false
	f.streak = 0
}

// CheckQuality marks the estimate lost when it has not been refreshed within
// StaleAfter.
func (f *Filter) CheckQuality(now time.Time) Quality {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Samples > 0 && f.cfg.StaleAfter > 0 && now.Sub(f.state.LastSync) > f.cfg.StaleAfter {
		f.state.Quality = QualityLost
	}
	return f.state.Quality
}

// StreamerToLocal converts a streamer timestamp into the local clock.
// Before the first sample the two clocks are assumed equal.
func (f *Filter) StreamerToLocal(streamer int64) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.state.Samples == 0 {
		return streamer
	}

	// local = streamer - (smoothed + drift*(local - lastLocal)), solved for local
	numerator := float64(streamer) - f.state.Smoothed + f.state.Drift*float64(f.state.LastLocal)
	return int64(math.Round(numerator / (1 + f.state.Drift)))
}

// LocalToStreamer converts a local timestamp into the streamer clock.
func (f *Filter) LocalToStreamer(local int64) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.state.Samples == 0 {
		return local
	}
	offset := f.state.Smoothed + f.state.Drift*float64(local-f.state.LastLocal)
	return local + int64(math.Round(offset))
}
