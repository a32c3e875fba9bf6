package trigger

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Scheduler runs functions after a delay.
type Scheduler interface {
	// Schedule runs fn once delay has passed. It returns false when the
	// scheduler no longer accepts work.
	Schedule(delay time.Duration, fn func(ctx context.Context)) bool
}

// TimerScheduler is a Scheduler backed by time.AfterFunc with a bound on the
// number of functions running at once.
type TimerScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	mu      sync.Mutex
	stopped bool
	next    uint64
	timers  map[uint64]*time.Timer
	wg      sync.WaitGroup
}

// NewTimerScheduler creates a scheduler running at most workers functions
// concurrently.
func NewTimerScheduler(workers int) *TimerScheduler {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(workers)),
		timers: make(map[uint64]*time.Timer),
	}
}

// Schedule implements Scheduler.
func (s *TimerScheduler) Schedule(delay time.Duration, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	id := s.next
	s.next++
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		fn(s.ctx)
	})
	return true
}

// Stop drops functions that have not started yet, cancels the context of
// running ones and waits for them to return.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
