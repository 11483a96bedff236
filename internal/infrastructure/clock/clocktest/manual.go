package clocktest

import (
	"sort"
	"sync"
	"time"

	"watchparty/internal/infrastructure/clock/port"
)

// ManualClock is a port.Clock whose time only moves when Advance is called.
// Due callbacks run synchronously inside Advance, in deadline order, so tests
// observe a deterministic interleaving.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

var _ port.Clock = (*ManualClock)(nil)

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, fn func()) port.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clk: c, id: c.seq, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d and fires every timer whose deadline has
// been reached. Callbacks may schedule new timers; those fire too if they
// fall within the advanced window.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

func (c *ManualClock) popDue(target time.Time) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].id < c.timers[j].id
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})

	for i, t := range c.timers {
		if !t.deadline.After(target) {
			c.timers = append(c.timers[:i:i], c.timers[i+1:]...)
			if t.deadline.After(c.now) {
				c.now = t.deadline
			}
			return t
		}
	}
	return nil
}

func (c *ManualClock) remove(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.timers {
		if t.id == id {
			c.timers = append(c.timers[:i:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	clk      *ManualClock
	id       uint64
	deadline time.Time
	fn       func()
}

func (t *manualTimer) Stop() bool { return t.clk.remove(t.id) }
