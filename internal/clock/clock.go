// Package clock abstracts wall-clock time so timer-driven components can be
// tested with a simulated clock.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a one-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the system clock.
type Real struct{}

// Now returns time.Now.
func (Real) Now() time.Time { return time.Now() }

// NewTimer wraps time.NewTimer.
func (Real) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Fake is a manually advanced clock.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the simulated time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTimer creates a timer that fires when the clock is advanced past its deadline.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- f.now
		return t
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer whose deadline passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	sort.Slice(f.timers, func(i, j int) bool {
		return f.timers[i].deadline.Before(f.timers[j].deadline)
	})

	remaining := f.timers[:0]
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	f.timers = remaining
	f.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

// BlockUntil waits until at least n timers are armed.
func (f *Fake) BlockUntil(n int) {
	for f.Pending() < n {
		time.Sleep(time.Millisecond)
	}
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	ch       chan time.Time
	mu       sync.Mutex
	fired    bool
	stopped  bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	if t.fired || t.stopped {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	t.mu.Unlock()

	t.clock.mu.Lock()
	for i, other := range t.clock.timers {
		if other == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			break
		}
	}
	t.clock.mu.Unlock()
	return true
}

func (t *fakeTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return
	}
	t.fired = true
	t.ch <- now
}
