// ABOUTME: Runs independently paced tasks under one cancellation scope
// ABOUTME: Periodic tasks survive their own errors, fatal errors stop everything
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is one unit of work. Interval > 0 makes it periodic: Run is called
// once at start and then on every tick. Interval == 0 makes it continuous:
// Run is called once and owns its own loop until ctx is done.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as one that must stop the whole runner.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// TaskStatus is a task's run history
type TaskStatus struct {
	Name    string
	Runs    int
	Errors  int
	LastErr string
	LastRun time.Time
}

// Runner owns a set of tasks
type Runner struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	tasks  []Task
	status map[string]*TaskStatus
}

func New(log *zap.SugaredLogger) *Runner {
	return &Runner{
		log:    log,
		status: make(map[string]*TaskStatus),
	}
}

// Add registers a task. It must be called before Run.
func (r *Runner) Add(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	r.status[t.Name] = &TaskStatus{Name: t.Name}
}

// Run starts every task and blocks until ctx is cancelled or a task fails
// fatally. Cancellation of ctx is a clean shutdown and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	tasks := append([]Task(nil), r.tasks...)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			var err error
			if t.Interval > 0 {
				err = r.periodic(gctx, t)
			} else {
				err = r.once(gctx, t)
			}
			if err != nil {
				return fmt.Errorf("task %s: %w", t.Name, err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) periodic(ctx context.Context, t Task) error {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		err := r.invoke(ctx, t)
		switch {
		case err == nil:
		case IsFatal(err):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			r.log.Warnw("task failed", "task", t.Name, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) once(ctx context.Context, t Task) error {
	err := r.invoke(ctx, t)
	if err != nil && ctx.Err() != nil && !IsFatal(err) {
		// stopped because something else failed or we are shutting down
		return nil
	}
	return err
}

func (r *Runner) invoke(ctx context.Context, t Task) error {
	err := t.Run(ctx)

	r.mu.Lock()
	s := r.status[t.Name]
	s.Runs++
	s.LastRun = time.Now()
	if err != nil {
		s.Errors++
		s.LastErr = err.Error()
	}
	r.mu.Unlock()
	return err
}

// Status returns every task's history, ordered by name.
func (r *Runner) Status() []TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TaskStatus, 0, len(r.status))
	for _, s := range r.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
