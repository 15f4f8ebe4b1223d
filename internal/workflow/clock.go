package workflow

import (
	"context"
	"sync"
	"time"
)

// Clock is the scheduler's only source of time.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until t or until ctx is done, returning context.Cause(ctx) in that case.
	SleepUntil(ctx context.Context, t time.Time) error
}

// RealClock returns a Clock backed by the system time.
func RealClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// ManualClock is a Clock that only moves when advanced. It is used by tests.
type ManualClock struct {
	mu       sync.Mutex
	now      time.Time
	sleepers map[*sleeper]struct{}
}

type sleeper struct {
	until time.Time
	wake  chan struct{}
}

// NewManualClock creates a manual clock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, sleepers: make(map[*sleeper]struct{})}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SleepUntil blocks until the clock is advanced to t or ctx is done.
func (c *ManualClock) SleepUntil(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	if !t.After(c.now) {
		c.mu.Unlock()
		return nil
	}
	s := &sleeper{until: t, wake: make(chan struct{})}
	c.sleepers[s] = struct{}{}
	c.mu.Unlock()

	select {
	case <-s.wake:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.sleepers, s)
		c.mu.Unlock()
		return context.Cause(ctx)
	}
}

// Advance moves the clock forward and wakes every sleeper whose time has come.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	for s := range c.sleepers {
		if !s.until.After(c.now) {
			close(s.wake)
			delete(c.sleepers, s)
		}
	}
}

// Sleepers returns the number of goroutines blocked in SleepUntil.
func (c *ManualClock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleepers)
}

// WaitForSleepers polls until at least n goroutines are sleeping or timeout elapses.
func (c *ManualClock) WaitForSleepers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Sleepers() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return c.Sleepers() >= n
}
