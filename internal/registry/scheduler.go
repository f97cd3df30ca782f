package registry

import (
	"sync"
	"time"
)

// Scheduler decides when a scheduled flush callback runs. The registry
// arms at most one flush per session at a time; the scheduler only picks
// the moment. Production uses a short timer so bursty PTY reads coalesce
// into one notification; tests drive flushes by hand.
type Scheduler interface {
	ScheduleFlush(fn func())
}

// DefaultFlushDelay bounds notification frequency under sustained output.
const DefaultFlushDelay = 4 * time.Millisecond

type timerScheduler struct {
	delay time.Duration
}

// NewTimerScheduler returns the production scheduler.
func NewTimerScheduler(delay time.Duration) Scheduler {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	return &timerScheduler{delay: delay}
}

func (s *timerScheduler) ScheduleFlush(fn func()) {
	time.AfterFunc(s.delay, fn)
}

// ManualScheduler queues flush callbacks until RunAll is called. It exists
// so tests control flush timing deterministically.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

func NewManualScheduler() *ManualScheduler { return &ManualScheduler{} }

func (s *ManualScheduler) ScheduleFlush(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
}

// Pending reports how many flushes are armed.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RunAll runs every armed flush, including ones armed while running.
func (s *ManualScheduler) RunAll() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		fn()
	}
}
