package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only when Advance is
// called. AfterFunc callbacks run synchronously inside Advance, in
// deadline order, without the clock's lock held, so callbacks may
// schedule or stop other timers.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	callback func()
	channel  chan time.Time
	interval time.Duration
	active   bool
}

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f to run when the clock is advanced past d.
// If d <= 0, f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	w := &waiter{callback: f}
	if d <= 0 {
		f()
	} else {
		c.mu.Lock()
		c.scheduleLocked(w, d)
		c.mu.Unlock()
	}

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := w.active
			c.removeLocked(w)
			return wasActive
		},
	}
}

// NewTicker returns a Ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	ch := make(chan time.Time, 1)
	w := &waiter{channel: ch, interval: d}

	c.mu.Lock()
	c.scheduleLocked(w, d)
	c.mu.Unlock()

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(w)
		},
	}
}

// Advance moves the clock forward by d, firing every timer and ticker
// whose deadline falls within the new time. A ticker spanning several
// intervals fires once per interval; sends that overflow C are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.nextDueLocked(target)
		if w == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		// Time observed by the callback is the waiter's deadline.
		c.current = w.deadline
		fireAt := w.deadline
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
		} else {
			c.removeLocked(w)
		}
		c.mu.Unlock()

		if w.callback != nil {
			w.callback()
		} else {
			select {
			case w.channel <- fireAt:
			default:
			}
		}
	}
}

// PendingCount returns the number of scheduled timers and tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) scheduleLocked(w *waiter, d time.Duration) {
	w.deadline = c.current.Add(d)
	w.active = true
	c.waiters = append(c.waiters, w)
}

func (c *FakeClock) removeLocked(w *waiter) {
	w.active = false
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// nextDueLocked returns the earliest waiter due at or before target.
func (c *FakeClock) nextDueLocked(target time.Time) *waiter {
	if len(c.waiters) == 0 {
		return nil
	}
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	if first := c.waiters[0]; !first.deadline.After(target) {
		return first
	}
	return nil
}
