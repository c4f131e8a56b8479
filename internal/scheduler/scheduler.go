// Package scheduler provides a cancellable periodic task runner. Tests
// drive ticks deterministically through TickNow instead of waiting on
// wall-clock timers.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Task is a unit of periodic work.
type Task func(ctx context.Context)

// Scheduler runs a task on a fixed interval until stopped.
type Scheduler struct {
	interval time.Duration
	task     Task

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a scheduler that runs task every interval.
func New(interval time.Duration, task Task) *Scheduler {
	return &Scheduler{interval: interval, task: task}
}

// Start launches the ticker loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.task(ctx)
			}
		}
	}()
}

// TickNow runs the task once, synchronously. Used by tests and by
// callers that want an immediate first run before the interval elapses.
func (s *Scheduler) TickNow(ctx context.Context) {
	s.task(ctx)
}

// Stop cancels the ticker loop and waits for an in-flight task to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}
