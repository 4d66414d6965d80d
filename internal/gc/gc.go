// Package gc runs the broker's periodic housekeeping tasks.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/mobileatlas/simtunnel/internal/logging"
	"github.com/mobileatlas/simtunnel/internal/metrics"
	"github.com/mobileatlas/simtunnel/internal/recovery"
)

// Task performs one housekeeping pass and returns how many items it removed.
type Task func(ctx context.Context) (int, error)

type namedTask struct {
	name string
	fn   Task
}

// Runner executes registered tasks at a fixed interval. A failing or
// panicking task is logged and counted; it never stops the other tasks or
// the loop.
type Runner struct {
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	tasks []namedTask
}

// New creates a Runner.
func New(interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Runner{
		interval: interval,
		logger:   logger.With(logging.KeyComponent, "gc"),
		metrics:  m,
	}
}

// Register adds a task. Tasks registered while Run is active are picked up
// on the next cycle.
func (r *Runner) Register(name string, fn Task) {
	r.mu.Lock()
	r.tasks = append(r.tasks, namedTask{name: name, fn: fn})
	r.mu.Unlock()
}

// Tasks returns the registered task names.
func (r *Runner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		names[i] = t.name
	}
	return names
}

// RunOnce runs every task concurrently and waits for all of them. The
// returned error combines the failures of individual tasks.
func (r *Runner) RunOnce(ctx context.Context) error {
	r.mu.Lock()
	tasks := make([]namedTask, len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, t := range tasks {
		wg.Add(1)
		go func(t namedTask) {
			defer wg.Done()
			if err := r.runTask(ctx, t); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return errs
}

func (r *Runner) runTask(ctx context.Context, t namedTask) error {
	start := time.Now()
	var removed int
	err := recovery.Call(t.name, func() error {
		var err error
		removed, err = t.fn(ctx)
		return err
	})
	elapsed := time.Since(start)

	if err != nil {
		r.metrics.RecordGC(t.name, "error", removed, elapsed.Seconds())
		r.logger.Error("gc task failed", logging.KeyTask, t.name, logging.KeyError, err)
		return fmt.Errorf("gc task %s: %w", t.name, err)
	}
	r.metrics.RecordGC(t.name, "ok", removed, elapsed.Seconds())
	if removed > 0 {
		r.logger.Debug("gc task removed items",
			logging.KeyTask, t.name,
			logging.KeyCount, removed,
			logging.KeyDuration, elapsed)
	}
	return nil
}

// Run executes all tasks every interval until ctx ends.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("gc started", "interval", r.interval, "tasks", r.Tasks())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
