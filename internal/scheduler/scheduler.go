// Package scheduler runs keyed one-shot deadlines: search timeouts and chat
// timeouts. Re-arming a key replaces its deadline, and a deadline that was
// replaced or cancelled never fires, even if its timer already expired.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func is a deadline callback. The context is cancelled when the scheduler stops.
type Func = func(ctx context.Context)

type entry struct {
	gen      uint64
	timer    *time.Timer
	deadline time.Time
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Arm schedules fn to run after d under key, replacing any pending deadline for key.
func (s *Scheduler) Arm(key string, d time.Duration, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.entries[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	e := &entry{gen: gen, deadline: time.Now().Add(d)}
	e.timer = time.AfterFunc(d, func() { s.fire(key, gen, fn) })
	s.entries[key] = e
}

func (s *Scheduler) fire(key string, gen uint64, fn Func) {
	s.mu.Lock()
	cur, ok := s.entries[key]
	if !ok || cur.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("deadline callback panicked", slog.String("key", key), slog.Any("panic", r))
		}
	}()
	fn(s.ctx)
}

// Cancel drops the pending deadline for key and reports whether there was one.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, key)
	return true
}

// Pending returns the deadline armed for key.
func (s *Scheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every pending deadline and waits for running callbacks.
// Arm is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
