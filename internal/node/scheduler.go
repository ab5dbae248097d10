package node

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// task is one periodic job owned by the scheduler.
type task struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	running atomic.Bool
}

// scheduler drives the node's periodic work (heartbeats, election epochs,
// sync cycles, sweeps) on injected-clockless real tickers. Each task is
// single-flight: a tick that fires while the previous run is still going is
// skipped, never queued. Pausing (process backgrounded) suppresses ticks
// without touching any durable state; resuming re-arms them.
type scheduler struct {
	tasks  []*task
	paused atomic.Bool
	log    *slog.Logger
}

func newScheduler(log *slog.Logger) *scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &scheduler{log: log}
}

func (s *scheduler) add(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.tasks = append(s.tasks, &task{name: name, interval: interval, fn: fn})
}

// run spawns one goroutine per task and blocks until the context ends.
func (s *scheduler) run(ctx context.Context) {
	for _, t := range s.tasks {
		go s.loop(ctx, t)
	}
	<-ctx.Done()
}

func (s *scheduler) loop(ctx context.Context, t *task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, t)
		}
	}
}

// fire runs one task invocation if the scheduler is live and the task idle.
func (s *scheduler) fire(ctx context.Context, t *task) {
	if s.paused.Load() {
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		s.log.Debug("task still running, tick skipped", "task", t.name)
		return
	}
	defer t.running.Store(false)
	t.fn(ctx)
}

// pause suppresses all scheduled work until resume.
func (s *scheduler) pause() {
	s.paused.Store(true)
	s.log.Info("scheduler paused")
}

// resume re-arms scheduled work after a pause.
func (s *scheduler) resume() {
	s.paused.Store(false)
	s.log.Info("scheduler resumed")
}
