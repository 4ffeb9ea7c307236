package vote

import (
	"sync"
	"time"
)

// Countdown runs one callback at a deadline. Re-arming or cancelling bumps a
// generation counter, so a timer that already fired for an old deadline
// finds itself stale and does nothing.
type Countdown struct {
	mu       sync.Mutex
	gen      uint64
	timer    *time.Timer
	deadline time.Time
	now      func() time.Time
}

func NewCountdown() *Countdown {
	return &Countdown{now: time.Now}
}

// Arm schedules fire at deadline, replacing any earlier schedule. A deadline
// in the past fires straight away.
func (c *Countdown) Arm(deadline time.Time, fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.deadline = deadline

	wait := deadline.Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	c.timer = time.AfterFunc(wait, func() {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.deadline = time.Time{}
		c.mu.Unlock()
		fire()
	})
}

func (c *Countdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.deadline = time.Time{}
}

// Remaining is the time left before the armed deadline, zero when idle.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline.IsZero() {
		return 0
	}
	if d := c.deadline.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

func (c *Countdown) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}
