// Package scheduler runs delayed tasks on a bounded worker pool. Keyed tasks
// can be cancelled or flushed early with extra arguments.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/vovakirdan/wirecall/internal/metrics"
)

var (
	// ErrKeyInUse is returned when a live task is already registered under the key.
	ErrKeyInUse = errors.New("scheduler: key in use")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("scheduler: stopped")
)

// Task is a scheduled function receiving its captured arguments.
type Task[T any] func(args T)

type entry[T any] struct {
	fn        Task[T]
	args      T
	timer     *clock.Timer
	key       int64
	keyed     bool
	cancelled bool
}

// Scheduler executes tasks with arguments of type T.
type Scheduler[T any] struct {
	clock   clock.Clock
	pool    *pool.Pool
	metrics *metrics.Metrics
	log     *zerolog.Logger

	mu         sync.Mutex
	keyed      map[int64]*entry[T]
	live       map[*entry[T]]struct{}
	stopped    bool
	submitting sync.WaitGroup
}

// New creates a scheduler running at most workers tasks concurrently.
func New[T any](clk clock.Clock, workers int, m *metrics.Metrics, logger *zerolog.Logger) *Scheduler[T] {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler[T]{
		clock:   clk,
		pool:    pool.New().WithMaxGoroutines(workers),
		metrics: m,
		log:     logger,
		keyed:   make(map[int64]*entry[T]),
		live:    make(map[*entry[T]]struct{}),
	}
}

// Schedule runs fn(args) at the given time.
func (s *Scheduler[T]) Schedule(at time.Time, fn Task[T], args T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.arm(&entry[T]{fn: fn, args: args}, s.until(at))
	return nil
}

// ScheduleKeyed runs fn(args) at the given time under key. A live task
// under the same key is never replaced: ErrKeyInUse is returned instead.
func (s *Scheduler[T]) ScheduleKeyed(key int64, at time.Time, fn Task[T], args T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.keyed[key]; ok {
		return ErrKeyInUse
	}
	e := &entry[T]{fn: fn, args: args, key: key, keyed: true}
	s.keyed[key] = e
	s.arm(e, s.until(at))
	return nil
}

// RunImmediately cancels the task under key and resubmits its function to run
// after delay, with extend applied once to the original arguments. The
// resubmitted task is no longer addressable by key, so a second call is a
// no-op. Reports whether a live task was found.
func (s *Scheduler[T]) RunImmediately(key int64, delay time.Duration, extend func(T) T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	e, ok := s.keyed[key]
	if !ok {
		return false
	}
	s.cancelLocked(e)

	args := e.args
	if extend != nil {
		args = extend(args)
	}
	s.arm(&entry[T]{fn: e.fn, args: args}, delay)
	s.metrics.SchedulerEvent("flushed")
	return true
}

// Cancel drops the task under key. Reports whether a live task was found.
func (s *Scheduler[T]) Cancel(key int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.keyed[key]
	if !ok {
		return false
	}
	s.cancelLocked(e)
	s.metrics.SchedulerEvent("cancelled")
	return true
}

// Has reports whether a live task is registered under key.
func (s *Scheduler[T]) Has(key int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keyed[key]
	return ok
}

// Stop cancels pending timers and waits for running tasks.
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for e := range s.live {
		s.cancelLocked(e)
	}
	s.mu.Unlock()

	s.submitting.Wait()
	s.pool.Wait()
}

func (s *Scheduler[T]) until(at time.Time) time.Duration {
	d := at.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// arm starts the entry's timer. Caller holds mu.
func (s *Scheduler[T]) arm(e *entry[T], delay time.Duration) {
	s.live[e] = struct{}{}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(e) })
	s.metrics.SchedulerEvent("scheduled")
}

// cancelLocked stops e. A timer that already fired finds e cancelled in fire.
func (s *Scheduler[T]) cancelLocked(e *entry[T]) {
	e.cancelled = true
	e.timer.Stop()
	delete(s.live, e)
	if e.keyed && s.keyed[e.key] == e {
		delete(s.keyed, e.key)
	}
}

func (s *Scheduler[T]) fire(e *entry[T]) {
	s.mu.Lock()
	if s.stopped || e.cancelled {
		s.mu.Unlock()
		return
	}
	delete(s.live, e)
	if e.keyed && s.keyed[e.key] == e {
		delete(s.keyed, e.key)
	}
	s.submitting.Add(1)
	s.mu.Unlock()

	s.pool.Go(func() { s.run(e) })
	s.submitting.Done()
}

func (s *Scheduler[T]) run(e *entry[T]) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Int64("key", e.key).Msg("scheduled task panicked")
		}
	}()
	s.metrics.SchedulerEvent("executed")
	e.fn(e.args)
}
