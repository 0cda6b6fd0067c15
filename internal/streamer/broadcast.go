// ABOUTME: Capture loop that stamps, encodes and fans out one frame per tick
// ABOUTME: A slow player only loses its own frames, capture errors stop the streamer
package streamer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/audera/audera-go/internal/audio"
	"github.com/audera/audera-go/internal/runner"
)

// timeline assigns capture timestamps on an ideal frame grid so scheduling
// jitter in the capture loop does not reach the players. It re-anchors on
// the clock when the source drifts more than maxSkew off the grid.
type timeline struct {
	frameMicros float64
	maxSkew     int64

	base    int64
	n       int64
	started bool
}

func newTimeline(frame time.Duration) *timeline {
	micros := float64(frame) / float64(time.Microsecond)
	return &timeline{
		frameMicros: micros,
		maxSkew:     int64(4 * micros),
	}
}

// stamp returns the capture time for the next frame read at now.
func (t *timeline) stamp(now int64) (ts int64, reanchored bool) {
	if !t.started {
		t.base, t.n, t.started = now, 0, true
	}

	ts = t.base + int64(math.Round(float64(t.n)*t.frameMicros))
	if skew := now - ts; skew > t.maxSkew || skew < -t.maxSkew {
		t.base, t.n = now, 0
		ts = now
		reanchored = true
	}
	t.n++
	return ts, reanchored
}

// broadcast is the capture loop. It only returns on cancellation or a
// fatal source or encoder error.
func (s *Streamer) broadcast(ctx context.Context) error {
	samples := make([]int32, s.cfg.Format.FrameLen())

	for {
		n, err := s.source.ReadFrame(ctx, samples)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, audio.ErrDevice) {
				err = fmt.Errorf("%w: %v", audio.ErrDevice, err)
			}
			return runner.Fatal(fmt.Errorf("capture: %w", err))
		}
		if n < len(samples) {
			clear(samples[n:])
		}

		capture, reanchored := s.timeline.stamp(s.clock.Now())
		if reanchored {
			s.log.Debugw("capture timeline re-anchored", "capture_us", capture)
		}
		s.metrics.FrameCaptured()

		start := time.Now()
		payload, err := s.encoder.Encode(samples)
		if err != nil {
			return runner.Fatal(fmt.Errorf("encode: %w", err))
		}
		s.metrics.ObserveEncode(time.Since(start))

		s.fanOut(capture, payload)
	}
}

// fanOut offers one encoded frame to every member of the current snapshot.
func (s *Streamer) fanOut(capture int64, payload []byte) {
	snap := s.registry.Snapshot()

	for _, rec := range snap.Players {
		p := s.peer(rec.ID)
		if p == nil {
			continue
		}

		ok, drops := p.Offer(capture, payload)
		if ok {
			continue
		}
		s.metrics.FrameDropped(rec.ID, "queue_full")
		if drops >= s.cfg.EvictAfterDrops {
			s.evict(p, fmt.Sprintf("%d consecutive frames dropped", drops))
		}
	}
}
