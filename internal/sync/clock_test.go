// ABOUTME: Tests for clock offset estimation
// ABOUTME: Tests sample math, outlier rejection, drift tracking and time conversion
package sync

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestSampleOffsetAndRTT(t *testing.T) {
	s := Sample{T1: 1000, T2: 1005, T3: 1006, T4: 1012}

	if got := s.Offset(); got != -0.5 {
		t.Errorf("expected offset -0.5, got %v", got)
	}
	if got := s.RTT(); got != 11 {
		t.Errorf("expected rtt 11, got %d", got)
	}
}

func TestRTTCalculation(t *testing.T) {
	// 4.5ms round trip with 0.5ms spent on the streamer
	t1 := int64(1000000)
	t2 := int64(2000)
	t3 := int64(2500)
	t4 := int64(1005000)

	f := NewFilter(FilterConfig{})
	state, err := f.Add(Sample{t1, t2, t3, t4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state.RTT != 4500 {
		t.Errorf("expected RTT 4500µs, got %dµs", state.RTT)
	}
}

func TestOffsetErrorBoundedByHalfRTT(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		trueOffset := rng.Int63n(2000000) - 1000000
		d1 := rng.Int63n(20000)
		d2 := rng.Int63n(20000)
		processing := rng.Int63n(500)

		t1 := rng.Int63n(1 << 40)
		t2 := t1 + d1 + trueOffset
		t3 := t2 + processing
		t4 := t3 - trueOffset + d2

		s := Sample{t1, t2, t3, t4}
		if s.RTT() != d1+d2 {
			t.Fatalf("expected rtt %d, got %d", d1+d2, s.RTT())
		}

		errMicros := math.Abs(s.Offset() - float64(trueOffset))
		if errMicros > float64(s.RTT())/2 {
			t.Fatalf("offset error %.1fµs exceeds half rtt %dµs", errMicros, s.RTT())
		}
	}
}

func TestOffsetExactForSymmetricDelay(t *testing.T) {
	for _, d := range []int64{10000, 1000, 100, 10, 0} {
		trueOffset := int64(-123456)
		t1 := int64(5000000)
		t2 := t1 + d + trueOffset
		t3 := t2 + 50
		t4 := t3 - trueOffset + d

		got := Sample{t1, t2, t3, t4}.Offset()
		if got != float64(trueOffset) {
			t.Errorf("delay %d: expected offset %d, got %v", d, trueOffset, got)
		}
	}
}

func TestFilterFirstSampleInitializes(t *testing.T) {
	f := NewFilter(FilterConfig{})
	if f.Synced() {
		t.Error("expected not synced initially")
	}

	state, err := f.Add(Sample{T1: 1000, T2: 6000, T3: 6100, T4: 1300})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// ((6000-1000)+(6100-1300))/2 = 4900
	if state.Smoothed != 4900 {
		t.Errorf("expected smoothed offset 4900, got %v", state.Smoothed)
	}
	if state.Quality != QualityGood {
		t.Errorf("expected QualityGood, got %v", state.Quality)
	}
	if !f.Synced() {
		t.Error("expected synced after first sample")
	}
}

func TestHighRTTRejection(t *testing.T) {
	f := NewFilter(FilterConfig{})

	// 150ms round trip is above the 100ms ceiling
	_, err := f.Add(Sample{T1: 0, T2: 75000, T3: 75000, T4: 150000})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if f.State().Samples != 0 {
		t.Error("expected rejected sample not to count")
	}
}

func TestRTTMultipleOfMinimumRejected(t *testing.T) {
	f := NewFilter(FilterConfig{})

	if _, err := f.Add(Sample{T1: 0, T2: 500, T3: 500, T4: 1000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := f.State().Smoothed

	// 10ms round trip against a 1ms minimum: gate is max(3ms, 1ms+2ms)
	_, err := f.Add(Sample{T1: 100000, T2: 109000, T3: 109000, T4: 110000})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if f.State().Smoothed != before {
		t.Errorf("expected offset unchanged at %v, got %v", before, f.State().Smoothed)
	}

	// 2.5ms is inside the gate
	if _, err := f.Add(Sample{T1: 200000, T2: 201250, T3: 201250, T4: 202500}); err != nil {
		t.Errorf("expected sample inside gate to be accepted, got %v", err)
	}
}

func TestImplausibleAfterConsecutiveRejects(t *testing.T) {
	f := NewFilter(FilterConfig{})
	if _, err := f.Add(Sample{T1: 0, T2: 500, T3: 500, T4: 1000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var err error
	for i := 0; i < DefaultFilterConfig().MaxConsecutiveRejects; i++ {
		base := int64(i+1) * 1000000
		// negative round trip
		_, err = f.Add(Sample{T1: base, T2: base, T3: base + 5000, T4: base + 1000})
	}

	if !errors.Is(err, ErrImplausible) {
		t.Fatalf("expected ErrImplausible, got %v", err)
	}
	if f.State().Quality != QualityLost {
		t.Errorf("expected QualityLost, got %v", f.State().Quality)
	}
	if f.Synced() {
		t.Error("expected filter to report unsynced")
	}
}

func TestFilterConvergesUnderJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	f := NewFilter(FilterConfig{})

	const trueOffset = 5000
	local := int64(1000000)
	for i := 0; i < 50; i++ {
		d1 := 1000 + rng.Int63n(400)
		d2 := 1000 + rng.Int63n(400)
		t1 := local
		t2 := t1 + d1 + trueOffset
		t3 := t2 + 100
		t4 := t3 - trueOffset + d2
		f.Add(Sample{t1, t2, t3, t4})
		local += 100000
	}

	got := f.State().Smoothed
	if math.Abs(got-trueOffset) > 200 {
		t.Errorf("expected smoothed offset near %d, got %.1f", trueOffset, got)
	}
}

func TestDriftTracking(t *testing.T) {
	f := NewFilter(FilterConfig{})

	const drift = 50e-6
	var local int64 = 10000000
	var offset float64
	for i := 0; i < 60; i++ {
		offset = 1000 + drift*float64(local-10000000)
		o := int64(offset)
		t1 := local
		t2 := t1 + 500 + o
		t3 := t2
		t4 := t3 - o + 500
		f.Add(Sample{t1, t2, t3, t4})
		local += 1000000
	}

	state := f.State()
	if state.Drift <= 0 || state.Drift > DefaultFilterConfig().MaxDrift {
		t.Errorf("expected positive drift within clamp, got %.9f", state.Drift)
	}
	if math.Abs(state.Smoothed-offset) > 1000 {
		t.Errorf("expected smoothed offset within 1ms of %.1f, got %.1f", offset, state.Smoothed)
	}
}

func TestStreamerToLocalConversion(t *testing.T) {
	f := NewFilter(FilterConfig{})

	if got := f.StreamerToLocal(123456); got != 123456 {
		t.Errorf("expected identity before sync, got %d", got)
	}

	// Streamer clock is 2s ahead of the local clock
	now := time.Now().UnixMicro()
	f.Add(Sample{T1: now - 1000, T2: now + 2000000 - 500, T3: now + 2000000 - 500, T4: now})

	streamer := now + 2000000 + 100000
	local := f.StreamerToLocal(streamer)
	if diff := local - (now + 100000); diff < -1 || diff > 1 {
		t.Errorf("time conversion off by %dµs", diff)
	}

	if back := f.LocalToStreamer(local); back < streamer-1 || back > streamer+1 {
		t.Errorf("expected round trip to %d, got %d", streamer, back)
	}
}

func TestQualityTracking(t *testing.T) {
	f := NewFilter(FilterConfig{})

	if q := f.CheckQuality(time.Now()); q != QualityLost {
		t.Errorf("expected QualityLost before sync, got %v", q)
	}

	f.Add(Sample{T1: 0, T2: 500, T3: 500, T4: 1000})
	if q := f.CheckQuality(time.Now()); q != QualityGood {
		t.Errorf("expected QualityGood after sync, got %v", q)
	}

	stale := f.State().LastSync.Add(DefaultFilterConfig().StaleAfter + time.Second)
	if q := f.CheckQuality(stale); q != QualityLost {
		t.Errorf("expected QualityLost after going stale, got %v", q)
	}
}

func TestReset(t *testing.T) {
	f := NewFilter(FilterConfig{})
	f.Add(Sample{T1: 0, T2: 500, T3: 500, T4: 1000})
	f.Reset()

	state := f.State()
	if state.Samples != 0 || state.MinRTT != 0 || state.Quality != QualityLost {
		t.Errorf("expected cleared state, got %+v", state)
	}
}

func TestRestartKeepsOffset(t *testing.T) {
	f := NewFilter(FilterConfig{})
	f.Add(Sample{T1: 0, T2: 750, T3: 750, T4: 500})
	before := f.State()

	// 4ms is above the 2.5ms gate built on the 500µs minimum
	if _, err := f.Add(Sample{T1: 10000, T2: 12500, T3: 12500, T4: 14000}); err == nil {
		t.Fatal("expected rejection before restart")
	}

	f.Restart()
	state, err := f.Add(Sample{T1: 20000, T2: 22500, T3: 22500, T4: 24000})
	if err != nil {
		t.Fatalf("expected sample accepted after restart: %v", err)
	}
	if state.MinRTT != 4000 {
		t.Errorf("expected new minimum 4000, got %d", state.MinRTT)
	}
	if state.Samples != before.Samples+1 {
		t.Errorf("expected samples kept, got %d", state.Samples)
	}
	if state.Smoothed < 400 || state.Smoothed > 600 {
		t.Errorf("expected offset near 500, got %.1f", state.Smoothed)
	}
}

func TestConcurrentAccess(t *testing.T) {
	f := NewFilter(FilterConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			base := int64(i) * 1000000
			f.Add(Sample{T1: base, T2: base + 500, T3: base + 500, T4: base + 1000})
			f.StreamerToLocal(base)
			f.State()
		}(i)
	}
	wg.Wait()
}
