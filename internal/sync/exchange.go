// ABOUTME: Round-trip exchange driver with bounded retries
// ABOUTME: Runs probe rounds against a peer and feeds the results into a Filter
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Prober performs one four-timestamp exchange with a peer.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) (Sample, error)

func (fn ProbeFunc) Probe(ctx context.Context) (Sample, error) { return fn(ctx) }

// SyncOptions bounds one synchronization run.
type SyncOptions struct {
	Rounds          int
	MinSamples      int
	Spacing         time.Duration
	ExchangeTimeout time.Duration
	Attempts        int
	Backoff         time.Duration
	MaxBackoff      time.Duration
}

func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		Rounds:          8,
		MinSamples:      3,
		Spacing:         50 * time.Millisecond,
		ExchangeTimeout: 2 * time.Second,
		Attempts:        3,
		Backoff:         500 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
	}
}

// SyncFailure reports a synchronization run that never produced enough
// accepted samples.
type SyncFailure struct {
	Attempts int
	Accepted int
	Err      error
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("clock sync failed after %d attempt(s), %d sample(s) accepted: %v", e.Attempts, e.Accepted, e.Err)
}

func (e *SyncFailure) Unwrap() error { return e.Err }

// Synchronize runs up to opts.Attempts rounds of exchanges and returns the
// filter state once at least opts.MinSamples samples were accepted in one
// attempt.
func Synchronize(ctx context.Context, p Prober, f *Filter, opts SyncOptions) (State, error) {
	if opts.Rounds <= 0 {
		opts.Rounds = 1
	}
	if opts.MinSamples <= 0 || opts.MinSamples > opts.Rounds {
		opts.MinSamples = 1
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	var (
		lastErr  error
		accepted int
		delay    = opts.Backoff
	)

	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		accepted = 0
		f.Restart()

	rounds:
		for i := 0; i < opts.Rounds; i++ {
			if i > 0 && opts.Spacing > 0 {
				if err := sleep(ctx, opts.Spacing); err != nil {
					return f.State(), &SyncFailure{Attempts: attempt, Accepted: accepted, Err: err}
				}
			}

			sample, err := probe(ctx, p, opts.ExchangeTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return f.State(), &SyncFailure{Attempts: attempt, Accepted: accepted, Err: ctx.Err()}
				}
				lastErr = fmt.Errorf("%w: %v", ErrNoResponse, err)
				continue
			}

			if _, err := f.Add(sample); err != nil {
				lastErr = err
				if errors.Is(err, ErrImplausible) {
					break rounds
				}
				continue
			}
			accepted++
		}

		if accepted >= opts.MinSamples {
			return f.State(), nil
		}
		if lastErr == nil {
			lastErr = ErrNoResponse
		}

		if attempt < opts.Attempts && delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return f.State(), &SyncFailure{Attempts: attempt, Accepted: accepted, Err: err}
			}
			delay *= 2
			if opts.MaxBackoff > 0 && delay > opts.MaxBackoff {
				delay = opts.MaxBackoff
			}
		}
	}

	return f.State(), &SyncFailure{Attempts: opts.Attempts, Accepted: accepted, Err: lastErr}
}

func probe(ctx context.Context, p Prober, timeout time.Duration) (Sample, error) {
	if timeout <= 0 {
		return p.Probe(ctx)
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Probe(pctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
