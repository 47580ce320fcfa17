package engine

import (
	"sync"
	"time"
)

type (
	// Clock is the time source the engine runs on. Production code uses
	// WallClock; tests use a VirtualClock so transport behavior can be
	// verified deterministically without wall-clock sleeps.
	Clock interface {
		Now() time.Time
		// Tick returns a channel delivering position-poll ticks at roughly
		// the given interval.
		Tick(d time.Duration) <-chan time.Time
	}

	WallClock struct{}

	// VirtualClock is a manually advanced clock. Advance moves time forward
	// and delivers one poll tick per call, so a test controls exactly how
	// often the engine polls and how much time passes between polls.
	VirtualClock struct {
		mu    sync.Mutex
		now   time.Time
		ticks chan time.Time
	}
)

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) Tick(d time.Duration) <-chan time.Time {
	return time.NewTicker(d).C
}

func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start, ticks: make(chan time.Time, 256)}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Tick(d time.Duration) <-chan time.Time { return c.ticks }

// Advance moves the clock forward and triggers one position poll.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	c.ticks <- now
}
