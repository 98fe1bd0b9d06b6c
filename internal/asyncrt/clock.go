package asyncrt

import (
	"math"
	"sync/atomic"
	"time"

	"fortio.org/safecast"
)

// Clock supplies monotonic time for the timer wheel. The runtime never
// reads wall-clock time directly; tests substitute a VirtualClock to
// drive deadlines deterministically.
type Clock interface {
	NowMs() uint64
	SleepUntilMs(deadlineMs uint64)
}

// VirtualClock advances only when the scheduler explicitly moves it.
// SleepUntilMs jumps the clock forward without blocking, which lets
// timer tests run in simulated time.
type VirtualClock struct {
	nowMs atomic.Uint64
}

// NewVirtualClock returns a clock positioned at startMs.
func NewVirtualClock(startMs uint64) *VirtualClock {
	c := &VirtualClock{}
	c.nowMs.Store(startMs)
	return c
}

// NowMs returns the current virtual time.
func (c *VirtualClock) NowMs() uint64 {
	if c == nil {
		return 0
	}
	return c.nowMs.Load()
}

// SleepUntilMs advances the clock to the deadline without blocking.
func (c *VirtualClock) SleepUntilMs(deadlineMs uint64) {
	if c == nil {
		return
	}
	for {
		now := c.nowMs.Load()
		if deadlineMs <= now {
			return
		}
		if c.nowMs.CompareAndSwap(now, deadlineMs) {
			return
		}
	}
}

// Advance moves the clock forward by deltaMs.
func (c *VirtualClock) Advance(deltaMs uint64) {
	if c == nil {
		return
	}
	c.nowMs.Add(deltaMs)
}

// RealClock reads monotonic time and blocks the OS thread until the
// requested deadline.
type RealClock struct {
	base time.Time
}

// NewRealClock returns a clock anchored at the current monotonic instant.
func NewRealClock() *RealClock {
	return &RealClock{base: time.Now()}
}

// NowMs returns milliseconds elapsed since the clock was created.
func (c *RealClock) NowMs() uint64 {
	if c == nil {
		return 0
	}
	ms := time.Since(c.base).Milliseconds()
	if ms <= 0 {
		return 0
	}
	out, err := safecast.Conv[uint64](ms)
	if err != nil {
		return 0
	}
	return out
}

// SleepUntilMs blocks until the deadline has passed.
func (c *RealClock) SleepUntilMs(deadlineMs uint64) {
	if c == nil {
		return
	}
	now := c.NowMs()
	if deadlineMs <= now {
		return
	}
	delta := deadlineMs - now
	maxMs := uint64(math.MaxInt64 / int64(time.Millisecond))
	if delta > maxMs {
		delta = maxMs
	}
	delay, err := safecast.Conv[int64](delta)
	if err != nil {
		return
	}
	time.Sleep(time.Duration(delay) * time.Millisecond)
}

// durationToMs converts a duration to whole milliseconds, rounding up
// so that short positive timeouts never collapse to zero.
func durationToMs(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	out, err := safecast.Conv[uint64](int64(ms))
	if err != nil {
		return math.MaxUint64
	}
	return out
}
