// ABOUTME: Deadline-driven playback scheduler
// ABOUTME: Wakes on the buffer's next deadline or on ingest and hands due slots to the output stage
package player

import (
	"context"
	"sync"
	"time"

	"github.com/audera/audera-go/internal/metrics"
	"github.com/audera/audera-go/internal/protocol"
	internalsync "github.com/audera/audera-go/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SchedulerConfig tunes the scheduler around its buffer
type SchedulerConfig struct {
	// OutputQueue bounds releases waiting for the output stage
	OutputQueue int
	// ResetAfterLate consecutive late frames trigger the late-streak hook.
	// Zero disables it.
	ResetAfterLate int
}

// Scheduler owns a ReceiveBuffer and releases its frames on time
type Scheduler struct {
	mu    sync.Mutex
	buf   *ReceiveBuffer
	clock internalsync.Clock

	cfg     SchedulerConfig
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	notify chan struct{}
	output chan Release

	lateStreak   int
	lateLog      *rate.Limiter
	onLateStreak func()
}

// NewScheduler creates a playback scheduler
func NewScheduler(buf *ReceiveBuffer, clock internalsync.Clock, cfg SchedulerConfig, m *metrics.Metrics, log *zap.SugaredLogger) *Scheduler {
	if cfg.OutputQueue <= 0 {
		cfg.OutputQueue = 4
	}
	return &Scheduler{
		buf:     buf,
		clock:   clock,
		cfg:     cfg,
		log:     log,
		metrics: m,
		notify:  make(chan struct{}, 1),
		output:  make(chan Release, cfg.OutputQueue),
		lateLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// OnLateStreak registers fn to run when too many frames in a row arrive late.
func (s *Scheduler) OnLateStreak(fn func()) {
	s.mu.Lock()
	s.onLateStreak = fn
	s.mu.Unlock()
}

// Ingest adds a received frame.
func (s *Scheduler) Ingest(f protocol.AudioFrame) IngestResult {
	s.mu.Lock()
	now := s.clock.Now()
	res := s.buf.Ingest(f, now)

	var hook func()
	switch res {
	case Late:
		s.lateStreak++
		if s.lateLog.Allow() {
			s.log.Debugw("late frame dropped", "seq", f.Seq,
				"late_by", time.Duration(now-s.buf.deadline(f.Capture))*time.Microsecond, "streak", s.lateStreak)
		}
		if s.cfg.ResetAfterLate > 0 && s.lateStreak >= s.cfg.ResetAfterLate {
			s.lateStreak = 0
			hook = s.onLateStreak
		}
	case Accepted, Overrun:
		s.lateStreak = 0
	}
	depth := s.buf.Len()
	s.mu.Unlock()

	s.metrics.FrameIngested(res.String())
	s.metrics.SetBufferDepth(depth)
	if hook != nil {
		s.log.Warnw("frames keep arriving late, asking for a session reset")
		hook()
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return res
}

// Configure installs the deadline mapping and frame length for a new
// session and empties the buffer.
func (s *Scheduler) Configure(deadline DeadlineFunc, frame time.Duration) {
	s.mu.Lock()
	s.buf.SetDeadline(deadline)
	s.buf.SetFrameDuration(frame)
	s.buf.Reset()
	s.lateStreak = 0
	s.mu.Unlock()
	s.wake()
}

// Reset empties the buffer. The next frame starts a new sequence.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.buf.Reset()
	s.lateStreak = 0
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run releases due slots until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		releases := s.buf.Poll(s.clock.Now())
		wake, pending := s.buf.NextWake()
		depth := s.buf.Len()
		s.mu.Unlock()

		s.metrics.SetBufferDepth(depth)
		for _, r := range releases {
			s.metrics.FrameReleased(r.Kind.String())
			if r.Kind == Drop {
				if s.lateLog.Allow() {
					s.log.Debugw("frame missed its deadline", "seq", r.Seq)
				}
				continue
			}
			select {
			case s.output <- r:
			case <-ctx.Done():
				return nil
			}
		}

		var fire <-chan time.Time
		if pending {
			d := time.Duration(wake-s.clock.Now()) * time.Microsecond
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		case <-fire:
		}
		timer.Stop()
	}
}

// Output returns the release channel
func (s *Scheduler) Output() <-chan Release {
	return s.output
}

// Stats returns buffer statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Stats()
}

// Depth is the number of buffered frames.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}
