package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced clock for tests. Safe for concurrent use.
type FakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// AdvanceDays moves the clock forward by whole calendar days.
func (c *FakeClock) AdvanceDays(days int) {
	c.mu.Lock()
	c.now = c.now.AddDate(0, 0, days)
	c.mu.Unlock()
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}
