package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time only moves when Advance or Set
// is called; pending After channels and tickers fire as their deadlines
// are crossed. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed chan struct{}
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	interval time.Duration
	stopped  bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial, changed: make(chan struct{})}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that fires once the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addWaiter(&fakeWaiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{deadline: c.current.Add(d), channel: channel, interval: d}
	c.addWaiter(waiter)

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is crossed, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(c.current.Add(d))
}

// Set moves the clock to t. Moving backwards fires nothing.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(t)
}

// Waiters returns the number of pending After channels and live tickers.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}

// BlockUntil waits until at least n waiters are registered. Tests call it
// before Advance to make sure the goroutine under test is parked on the
// clock.
func (c *FakeClock) BlockUntil(n int) {
	for {
		c.mu.Lock()
		count := 0
		for _, w := range c.waiters {
			if !w.stopped {
				count++
			}
		}
		changed := c.changed
		c.mu.Unlock()

		if count >= n {
			return
		}
		<-changed
	}
}

func (c *FakeClock) addWaiter(w *fakeWaiter) {
	c.waiters = append(c.waiters, w)
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *FakeClock) setLocked(t time.Time) {
	if t.After(c.current) {
		c.current = t
	}

	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(c.current) {
			remaining = append(remaining, w)
			continue
		}
		select {
		case w.channel <- w.deadline:
		default:
		}
		if w.interval > 0 {
			for !w.deadline.After(c.current) {
				w.deadline = w.deadline.Add(w.interval)
			}
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}
