// ABOUTME: Tests for the task runner
// ABOUTME: Periodic, continuous and fatal task behavior
package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRunner() *Runner {
	return New(zap.NewNop().Sugar())
}

func TestPeriodicTaskSurvivesErrors(t *testing.T) {
	r := newRunner()
	var calls atomic.Int32

	r.Add(Task{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("transient")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	require.NoError(t, r.Run(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "transient", status[0].LastErr)
	assert.Equal(t, status[0].Runs, status[0].Errors)
}

func TestFatalErrorStopsEveryTask(t *testing.T) {
	r := newRunner()
	boom := errors.New("device unplugged")
	var stopped atomic.Bool

	r.Add(Task{
		Name: "capture",
		Run: func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return Fatal(boom)
		},
	})
	r.Add(Task{
		Name:     "sweep",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			if ctx.Err() != nil {
				stopped.Store(true)
			}
			return nil
		},
	})
	r.Add(Task{
		Name: "waiter",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)
			return ctx.Err()
		},
	})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "task capture")
	assert.True(t, stopped.Load())
}

func TestPeriodicFatalStops(t *testing.T) {
	r := newRunner()
	r.Add(Task{
		Name:     "sync",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			return Fatal(errors.New("broken"))
		},
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on a fatal periodic error")
	}
}

func TestContinuousErrorCancelsGroup(t *testing.T) {
	r := newRunner()
	r.Add(Task{
		Name: "broadcast",
		Run: func(ctx context.Context) error {
			return errors.New("encoder failed")
		},
	})
	r.Add(Task{
		Name: "reader",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	})

	err := r.Run(context.Background())
	assert.EqualError(t, err, "task broadcast: encoder failed")
}

func TestCancelIsCleanShutdown(t *testing.T) {
	r := newRunner()
	r.Add(Task{
		Name: "loop",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	assert.NoError(t, r.Run(ctx))
}

func TestFatalNil(t *testing.T) {
	assert.Nil(t, Fatal(nil))
	assert.False(t, IsFatal(errors.New("plain")))
}
