// Package timer provides the timer scheduling used by the pairing state
// machines. Callbacks never run concurrently with the dispatch loop: a Loop
// scheduler posts every expiry back onto the loop goroutine.
package timer

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// ClockScheduler schedules callbacks on a clockwork clock.
type ClockScheduler struct {
	clock clockwork.Clock
}

// NewClockScheduler returns a scheduler backed by clock. A nil clock means
// the real wall clock.
func NewClockScheduler(clock clockwork.Clock) *ClockScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ClockScheduler{clock: clock}
}

func (s *ClockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return s.clock.AfterFunc(d, f)
}

func (s *ClockScheduler) Now() time.Time { return s.clock.Now() }

// Loop wraps a scheduler so that expiries are delivered through post, which
// is expected to hand the callback to the single dispatch goroutine.
type Loop struct {
	inner Scheduler
	post  func(func())
}

// NewLoop creates a loop-bound scheduler.
func NewLoop(inner Scheduler, post func(func())) *Loop {
	return &Loop{inner: inner, post: post}
}

func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.inner = l.inner.AfterFunc(d, func() {
		l.post(func() {
			if t.stopped.Load() {
				return
			}
			t.ran.Store(true)
			f()
		})
	})
	return t
}

func (l *Loop) Now() time.Time { return l.inner.Now() }

// loopTimer makes Stop effective even when the expiry has already been
// posted but not yet run by the loop.
type loopTimer struct {
	inner   Timer
	stopped atomic.Bool
	ran     atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	if t.inner.Stop() {
		return true
	}
	return !t.ran.Load()
}

// Stop stops t if it is non-nil. It exists so that state machines can keep
// optional timers in plain fields.
func Stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}
