// Package schedule runs periodic tasks on a fixed-size pool. Every firing of
// every task must first acquire a pool slot, so long-running tasks delay
// others but never run unbounded in parallel. A task never overlaps itself.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is used when a non-positive pool size is requested.
const DefaultPoolSize = 5

// Task is one scheduled unit of work. It receives a context that is
// cancelled when the task is cancelled or the scheduler shuts down.
type Task func(ctx context.Context)

// Scheduler owns the pool and every task scheduled on it. Create one with
// [New] and release it with [Scheduler.Shutdown].
type Scheduler struct {
	sem    *semaphore.Weighted
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a scheduler with size concurrent slots.
func New(size int, logger *slog.Logger) *Scheduler {
	if size < 1 {
		size = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sem:    semaphore.NewWeighted(int64(size)),
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ScheduleAtFixedRate runs task first after delay and then every period.
// Firings that would start while the previous run is still executing are
// dropped. The returned function cancels the task and waits for an in-flight
// run to return; calling it more than once is harmless. After Shutdown,
// nothing is scheduled and the returned function is a no-op.
func (s *Scheduler) ScheduleAtFixedRate(name string, delay, period time.Duration, task Task) (cancel func()) {
	if period <= 0 {
		panic("schedule: non-positive period for task " + name)
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debug("scheduler closed, task not scheduled", "task", name)
		return func() {}
	}
	ctx, stop := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(done)
		s.loop(ctx, name, delay, period, task)
	}()

	return func() {
		stop()
		<-done
	}
}

func (s *Scheduler) loop(ctx context.Context, name string, delay, period time.Duration, task Task) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.run(ctx, name, task)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, name, task)
		}
	}
}

// run executes one firing inside a pool slot. A panicking task is logged and
// does not kill the schedule.
func (s *Scheduler) run(ctx context.Context, name string, task Task) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", "task", name, "panic", r)
		}
	}()
	task(ctx)
}

// Shutdown cancels every task and waits for in-flight runs to return.
// It is safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
