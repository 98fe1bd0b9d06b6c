package trace

import (
	"io"
	"sync"
)

// RingTracer keeps the most recent events in a fixed circular buffer.
// This is the post-mortem sink: workers emit continuously at near-zero
// cost and the buffer is dumped or snapshotted after the run, so a
// scheduler stall or lost wakeup leaves its last moments behind without
// the runtime ever blocking on I/O.
type RingTracer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	head     int  // next write position
	full     bool // has wrapped around
	level    Level
}

// NewRingTracer creates a ring holding the last capacity events.
func NewRingTracer(capacity int, level Level) *RingTracer {
	if capacity <= 0 {
		capacity = defaultRingSize
	}

	return &RingTracer{
		events:   make([]Event, capacity),
		capacity: capacity,
		level:    level,
	}
}

// Emit records an event, overwriting the oldest once the ring is full.
// Heartbeats bypass the level filter so liveness marks survive even at
// restrictive levels.
func (t *RingTracer) Emit(ev *Event) {
	if !t.level.ShouldEmit(ev.Scope) && ev.Kind != KindHeartbeat {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stored := *ev
	stored.Seq = NextSeq()
	t.events[t.head] = stored
	t.head = (t.head + 1) % t.capacity

	if t.head == 0 {
		t.full = true
	}
}

// Snapshot returns a copy of the stored events, oldest first.
func (t *RingTracer) Snapshot() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.full {
		result := make([]Event, t.head)
		copy(result, t.events[:t.head])
		return result
	}

	// Wrapped: stitch [head:capacity] + [0:head].
	result := make([]Event, t.capacity)
	copy(result, t.events[t.head:])
	copy(result[t.capacity-t.head:], t.events[:t.head])
	return result
}

// Dump formats every stored event to w. The snapshot is taken up front,
// so workers keep emitting while the dump writes.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	events := t.Snapshot()

	for _, ev := range events {
		data := FormatEvent(&ev, format)
		if _, err := w.Write(data); err != nil {
			return err
		}
	}

	return nil
}

// Flush is a no-op; the ring is always current.
func (t *RingTracer) Flush() error {
	return nil
}

// Close is a no-op; the ring holds no external resources.
func (t *RingTracer) Close() error {
	return nil
}

// Level returns the configured filter level.
func (t *RingTracer) Level() Level {
	return t.level
}

// Enabled reports whether any events pass the filter.
func (t *RingTracer) Enabled() bool {
	return t.level > LevelOff
}
