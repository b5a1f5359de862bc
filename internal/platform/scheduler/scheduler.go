// Package scheduler runs periodic background tasks without overlap: a tick
// that arrives while the previous run of the same task is still active is
// skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrBusy is returned by Trigger when the task is already running.
var ErrBusy = errors.New("scheduler: task already running")

// TaskFunc is one unit of periodic work.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	running  atomic.Bool
	skipped  atomic.Int64
	runs     atomic.Int64
}

// Runner owns a set of named periodic tasks.
type Runner struct {
	log   zerolog.Logger
	tasks map[string]*task
	order []string
	wg    sync.WaitGroup
}

func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{log: log, tasks: make(map[string]*task)}
}

// Add registers a task. It must be called before Start.
func (r *Runner) Add(name string, interval time.Duration, fn TaskFunc) {
	r.tasks[name] = &task{name: name, interval: interval, fn: fn}
	r.order = append(r.order, name)
}

// Start runs every task on its own ticker until ctx is cancelled, then
// waits for in-flight runs to finish.
func (r *Runner) Start(ctx context.Context) {
	var loops sync.WaitGroup
	for _, name := range r.order {
		t := r.tasks[name]
		if t.interval <= 0 {
			r.log.Warn().Str("task", t.name).Msg("task has no interval, not scheduled")
			continue
		}
		loops.Add(1)
		go func() {
			defer loops.Done()
			r.loop(ctx, t)
		}()
	}
	loops.Wait()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, t *task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	r.log.Info().Str("task", t.name).Dur("interval", t.interval).Msg("scheduled task started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.launch(ctx, t) {
				t.skipped.Add(1)
				r.log.Warn().Str("task", t.name).Msg("previous run still active, skipping tick")
			}
		}
	}
}

// launch starts t in the background unless it is already running.
func (r *Runner) launch(ctx context.Context, t *task) bool {
	if !t.running.CompareAndSwap(false, true) {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, t)
	}()
	return true
}

func (r *Runner) run(ctx context.Context, t *task) error {
	defer t.running.Store(false)

	start := time.Now()
	err := t.fn(ctx)
	t.runs.Add(1)
	if err != nil {
		r.log.Error().Err(err).Str("task", t.name).Dur("duration", time.Since(start)).Msg("scheduled task failed")
		return err
	}
	r.log.Debug().Str("task", t.name).Dur("duration", time.Since(start)).Msg("scheduled task completed")
	return nil
}

// Trigger runs the named task synchronously, sharing the overlap guard with
// the ticker.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	t, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	if !t.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return r.run(ctx, t)
}

// Stats reports completed runs and skipped ticks for a task.
func (r *Runner) Stats(name string) (runs, skipped int64) {
	t, ok := r.tasks[name]
	if !ok {
		return 0, 0
	}
	return t.runs.Load(), t.skipped.Load()
}
