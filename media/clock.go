package media

import (
	"context"
	"sync"
	"time"
)

// Clock is the frame scheduler. Now is a monotonic high-resolution reading;
// NextFrame suspends until the next display refresh and returns its timestamp.
type Clock interface {
	Now() time.Duration
	NextFrame(ctx context.Context) (time.Duration, error)
}

// RealClock ticks at the display refresh rate on the monotonic wall clock
type RealClock struct {
	origin   time.Time
	interval time.Duration
}

// NewRealClock creates a clock whose frames are aligned to refreshRate Hz
func NewRealClock(refreshRate int) *RealClock {
	if refreshRate <= 0 {
		refreshRate = 60
	}
	return &RealClock{
		origin:   time.Now(),
		interval: time.Second / time.Duration(refreshRate),
	}
}

func (c *RealClock) Now() time.Duration {
	return time.Since(c.origin)
}

func (c *RealClock) NextFrame(ctx context.Context) (time.Duration, error) {
	now := c.Now()
	next := (now/c.interval + 1) * c.interval

	timer := time.NewTimer(next - now)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return c.Now(), ctx.Err()
	case <-timer.C:
		return c.Now(), nil
	}
}

// StepClock is a virtual clock: every NextFrame advances time by a fixed step
// without sleeping. Renders driven by it are deterministic.
type StepClock struct {
	mu   sync.Mutex
	now  time.Duration
	step time.Duration
}

func NewStepClock(step time.Duration) *StepClock {
	return &StepClock{step: step}
}

func (c *StepClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *StepClock) NextFrame(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return c.Now(), err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now, nil
}

// Advance moves the clock forward without producing a frame
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}
