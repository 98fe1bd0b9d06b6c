// Package observ provides lightweight runtime observability: atomic
// activity counters and wall-clock phase timing for benchmarks.
package observ

import "sync/atomic"

// Counters aggregates scheduler activity. All fields are safe for
// concurrent update from workers, pool threads, and the timekeeper.
type Counters struct {
	Spawned      atomic.Int64
	Completed    atomic.Int64
	Panicked     atomic.Int64
	Cancelled    atomic.Int64
	Steals       atomic.Int64
	Wakes        atomic.Int64
	TimersFired  atomic.Int64
	BlockingRuns atomic.Int64
}

// NewCounters creates a zeroed counter set.
func NewCounters() *Counters { return &Counters{} }

// CounterReport is the serializable snapshot of a counter set.
type CounterReport struct {
	Spawned      int64 `json:"spawned"`
	Completed    int64 `json:"completed"`
	Panicked     int64 `json:"panicked,omitempty"`
	Cancelled    int64 `json:"cancelled,omitempty"`
	Steals       int64 `json:"steals"`
	Wakes        int64 `json:"wakes"`
	TimersFired  int64 `json:"timers_fired"`
	BlockingRuns int64 `json:"blocking_runs"`
}

// Report captures a point-in-time snapshot.
func (c *Counters) Report() CounterReport {
	if c == nil {
		return CounterReport{}
	}
	return CounterReport{
		Spawned:      c.Spawned.Load(),
		Completed:    c.Completed.Load(),
		Panicked:     c.Panicked.Load(),
		Cancelled:    c.Cancelled.Load(),
		Steals:       c.Steals.Load(),
		Wakes:        c.Wakes.Load(),
		TimersFired:  c.TimersFired.Load(),
		BlockingRuns: c.BlockingRuns.Load(),
	}
}
