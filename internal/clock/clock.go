// Package clock abstracts the timers used by the loader and stream so tests can
// drive retries and reconnects without sleeping.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the sync layer depends on
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call
type Timer interface {
	// Stop prevents the call; it reports false if the call already ran or was stopped
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced Clock. Callbacks run synchronously inside Advance
// or Fire, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	history []time.Duration
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	delay    time.Duration
	f        func()
	done     bool
}

// NewFake returns a Fake clock starting at t
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), delay: d, f: f}
	c.pending = append(c.pending, t)
	c.history = append(c.history, d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.clock.removeLocked(t)
	return true
}

func (c *Fake) removeLocked(t *fakeTimer) {
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward and runs every timer that came due
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := c.takeDueLocked(c.now)
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// Fire runs the earliest pending timer regardless of its deadline and moves
// the clock to that deadline. It reports whether a timer ran.
func (c *Fake) Fire() bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	c.sortLocked()
	t := c.pending[0]
	c.pending = c.pending[1:]
	t.done = true
	if t.deadline.After(c.now) {
		c.now = t.deadline
	}
	c.mu.Unlock()
	t.f()
	return true
}

// Pending returns the delays of timers that have not run, earliest first
func (c *Fake) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sortLocked()
	out := make([]time.Duration, len(c.pending))
	for i, t := range c.pending {
		out[i] = t.delay
	}
	return out
}

// History returns the delay of every AfterFunc call in scheduling order
func (c *Fake) History() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.history...)
}

func (c *Fake) takeDueLocked(now time.Time) []*fakeTimer {
	c.sortLocked()
	var due []*fakeTimer
	rest := c.pending[:0]
	for _, t := range c.pending {
		if !t.deadline.After(now) {
			t.done = true
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	c.pending = rest
	return due
}

func (c *Fake) sortLocked() {
	sort.SliceStable(c.pending, func(i, j int) bool {
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})
}
