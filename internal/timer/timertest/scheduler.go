// Package timertest provides a deterministic virtual-time scheduler for tests.
package timertest

import (
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/swaplink/internal/timer"
)

// Epoch is the virtual time every Scheduler starts at.
var Epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

// Scheduler fires callbacks only when the test advances virtual time.
// Callbacks run on the goroutine calling Advance, outside the lock, so they
// may schedule further timers.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// New returns a scheduler at Epoch.
func New() *Scheduler {
	return &Scheduler{now: Epoch}
}

type fakeTimer struct {
	s       *Scheduler
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) timer.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &fakeTimer{s: s, at: s.now.Add(d), seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves virtual time forward by d, firing every timer that becomes
// due in deadline order.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDueLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(s.now) {
			s.now = next.at
		}
		f := next.f
		s.mu.Unlock()
		f()
	}
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// Deadlines returns the remaining delays of the pending timers, soonest first.
func (s *Scheduler) Deadlines() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			out = append(out, t.at.Sub(s.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scheduler) nextDueLocked(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range s.timers {
		if t.fired || t.stopped || t.at.After(target) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}
