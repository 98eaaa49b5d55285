package clock

import (
	"sort"
	"sync"
	"time"
)

// DeterministicClock is a Clock that only advances when AdvanceTime is
// called, firing any timers or tickers that become due. Time never moves
// on its own, making scheduling behaviour fully reproducible in tests.
type DeterministicClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*deterministicTimer
}

func NewDeterministicClock(now time.Time) *DeterministicClock {
	return &DeterministicClock{now: now}
}

func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *DeterministicClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}

func (c *DeterministicClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &deterministicTimer{
		ch:  make(chan time.Time, 1),
		due: c.now.Add(d),
	}
	if d <= 0 {
		t.fire(c.now)
	} else {
		c.pending = append(c.pending, t)
	}
	return t.ch
}

func (c *DeterministicClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &deterministicTimer{
		ch:       make(chan time.Time, 1),
		due:      c.now.Add(d),
		interval: d,
		clock:    c,
	}
	c.pending = append(c.pending, t)
	return t
}

// AdvanceTime moves the clock forward by d, firing due timers in order.
func (c *DeterministicClock) AdvanceTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.now.Add(d)
	for {
		next := c.nextDue(target)
		if next == nil {
			break
		}
		c.now = next.due
		next.fire(c.now)
		if next.interval > 0 && !next.stopped {
			next.due = next.due.Add(next.interval)
			c.pending = append(c.pending, next)
		}
	}
	c.now = target
}

// nextDue pops the earliest pending timer due at or before limit.
func (c *DeterministicClock) nextDue(limit time.Time) *deterministicTimer {
	sort.SliceStable(c.pending, func(i, j int) bool {
		return c.pending[i].due.Before(c.pending[j].due)
	})
	for i, t := range c.pending {
		if t.stopped {
			continue
		}
		if t.due.After(limit) {
			return nil
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		return t
	}
	return nil
}

type deterministicTimer struct {
	ch       chan time.Time
	due      time.Time
	interval time.Duration
	stopped  bool
	clock    *DeterministicClock
}

func (t *deterministicTimer) fire(now time.Time) {
	// Drop the tick if the consumer hasn't read the previous one,
	// matching time.Ticker semantics.
	select {
	case t.ch <- now:
	default:
	}
}

func (t *deterministicTimer) Ch() <-chan time.Time {
	return t.ch
}

func (t *deterministicTimer) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

func (t *deterministicTimer) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.interval = d
	t.due = t.clock.now.Add(d)
	t.stopped = false
}
