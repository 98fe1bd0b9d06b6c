package asyncrt

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	wheelBits   = 6
	wheelSlots  = 1 << wheelBits // 64
	wheelMask   = wheelSlots - 1
	wheelLevels = 4
)

// Timer handle states.
const (
	timerPending uint32 = iota
	timerFired
	timerCancelled
)

// TimerHandle is the caller's reference to an armed timer. Cancellation
// is lazy: the handle is flagged and the wheel drops it whenever the
// containing slot is next touched, so cancel is O(1).
type TimerHandle struct {
	deadline uint64 // absolute, ms
	state    atomic.Uint32
	waker    Waker
}

// Deadline returns the absolute deadline in clock milliseconds.
func (h *TimerHandle) Deadline() uint64 {
	if h == nil {
		return 0
	}
	return h.deadline
}

// Fired reports whether the timer has fired.
func (h *TimerHandle) Fired() bool {
	return h != nil && h.state.Load() == timerFired
}

// Cancel disarms the timer. Returns false when it already fired.
func (h *TimerHandle) Cancel() bool {
	if h == nil {
		return false
	}
	return h.state.CompareAndSwap(timerPending, timerCancelled)
}

// fire marks the timer fired and wakes its task. Lost races against
// Cancel are no-ops.
func (h *TimerHandle) fire() bool {
	if !h.state.CompareAndSwap(timerPending, timerFired) {
		return false
	}
	if h.waker.Valid() {
		h.waker.Wake()
	}
	return true
}

// wheel is a hierarchical timer wheel: four levels of 64 slots at 1ms
// resolution, covering roughly 64ms, 4s, 4.5m, and 4.8h per level.
// Deadlines beyond the top level park in the highest slot and cascade
// down as time advances.
type wheel struct {
	clock Clock
	kick  func() // interrupts the timekeeper wait after an earlier insert

	mu     sync.Mutex
	slots  [wheelLevels][wheelSlots][]*TimerHandle
	timeMs uint64
	count  int
}

func newWheel(clock Clock, kick func()) *wheel {
	return &wheel{clock: clock, kick: kick, timeMs: clock.NowMs()}
}

// insert arms a timer at an absolute deadline. A deadline at or before
// the wheel's current time fires immediately.
func (w *wheel) insert(deadlineMs uint64, wk Waker) *TimerHandle {
	h := &TimerHandle{deadline: deadlineMs, waker: wk}
	w.mu.Lock()
	if deadlineMs <= w.timeMs {
		w.mu.Unlock()
		h.fire()
		return h
	}
	w.place(h)
	w.count++
	w.mu.Unlock()
	if w.kick != nil {
		w.kick()
	}
	return h
}

// place files a handle into the level matching its remaining delta.
// Caller holds w.mu.
func (w *wheel) place(h *TimerHandle) {
	delta := h.deadline - w.timeMs
	for lvl := 0; lvl < wheelLevels; lvl++ {
		span := uint64(1) << (wheelBits * (lvl + 1))
		if delta < span || lvl == wheelLevels-1 {
			slot := (h.deadline >> (wheelBits * lvl)) & wheelMask
			w.slots[lvl][slot] = append(w.slots[lvl][slot], h)
			return
		}
	}
}

// takeSlot empties a slot, dropping cancelled handles. Caller holds
// w.mu.
func (w *wheel) takeSlot(lvl int, slot uint64) []*TimerHandle {
	entries := w.slots[lvl][slot]
	if len(entries) == 0 {
		return nil
	}
	w.slots[lvl][slot] = nil
	live := entries[:0]
	for _, h := range entries {
		if h.state.Load() == timerCancelled {
			w.count--
			continue
		}
		live = append(live, h)
	}
	return live
}

// advance moves wheel time forward to now, cascading upper levels at
// revolution boundaries, and fires every due timer. Returns the number
// fired.
func (w *wheel) advance(now uint64) int {
	w.mu.Lock()
	if now <= w.timeMs {
		w.mu.Unlock()
		return 0
	}
	if w.count == 0 {
		w.timeMs = now
		w.mu.Unlock()
		return 0
	}

	var due []*TimerHandle
	for w.timeMs < now {
		w.timeMs++
		due = append(due, w.takeSlot(0, w.timeMs&wheelMask)...)
		if w.timeMs&wheelMask == 0 {
			// A level-0 revolution completed; pull the next window down
			// from each upper level that also wrapped.
			for lvl := 1; lvl < wheelLevels; lvl++ {
				idx := (w.timeMs >> (wheelBits * lvl)) & wheelMask
				for _, h := range w.takeSlot(lvl, idx) {
					if h.deadline <= w.timeMs {
						due = append(due, h)
					} else {
						w.count--
						w.place(h)
						w.count++
					}
				}
				if idx != 0 {
					break
				}
			}
		}
		if w.count == len(due) {
			w.timeMs = now
			break
		}
	}
	w.count -= len(due)
	w.mu.Unlock()

	fired := 0
	for _, h := range due {
		if h.fire() {
			fired++
		}
	}
	return fired
}

// nextDeadline returns the earliest pending deadline, if any.
func (w *wheel) nextDeadline() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var (
		best  uint64
		found bool
	)
	for lvl := 0; lvl < wheelLevels; lvl++ {
		for slot := 0; slot < wheelSlots; slot++ {
			for _, h := range w.slots[lvl][slot] {
				if h.state.Load() != timerPending {
					continue
				}
				if !found || h.deadline < best {
					best = h.deadline
					found = true
				}
			}
		}
	}
	return best, found
}

// SleepOp suspends the polling task until a duration elapses. Arms the
// timer on first poll; cancellation at a checkpoint disarms it.
type SleepOp struct {
	d time.Duration
	h *TimerHandle
}

// SleepFor returns a poll-able sleep operation.
func SleepFor(d time.Duration) *SleepOp { return &SleepOp{d: d} }

// Poll arms the timer on first call and reports Pending until it fires.
func (op *SleepOp) Poll(tc *TaskContext) (Poll, error) {
	if err := tc.Err(); err != nil {
		if op.h != nil {
			op.h.Cancel()
		}
		return Poll{}, err
	}
	if op.h == nil {
		rt := tc.Runtime()
		deadline := rt.clock.NowMs() + durationToMs(op.d)
		op.h = rt.wheel.insert(deadline, tc.Waker())
	}
	if op.h.Fired() {
		return Ready(nil), nil
	}
	return Pending(), nil
}

// TimeoutOp races an inner operation against a deadline. If the timer
// fires first the task observes a TimeoutError; state the inner
// operation parked externally (channel waiters, select subscriptions)
// is withdrawn so no later delivery lands on a dead waiter.
type TimeoutOp struct {
	inner Op
	d     time.Duration
	h     *TimerHandle
}

// WithTimeout wraps an operation with a deadline.
func WithTimeout(inner Op, d time.Duration) *TimeoutOp {
	return &TimeoutOp{inner: inner, d: d}
}

// Poll arms the deadline on first call, then advances the inner
// operation until it completes or the timer wins.
func (op *TimeoutOp) Poll(tc *TaskContext) (Poll, error) {
	if op.h == nil {
		rt := tc.Runtime()
		deadline := rt.clock.NowMs() + durationToMs(op.d)
		op.h = rt.wheel.insert(deadline, tc.Waker())
	}
	p, err := op.inner.Poll(tc)
	if err != nil {
		op.h.Cancel()
		return Poll{}, err
	}
	if p.Done {
		op.h.Cancel()
		return p, nil
	}
	if op.h.Fired() {
		if ab, ok := op.inner.(abandoner); ok && !ab.Abandon() {
			// The inner operation was consumed in the race with the
			// deadline. Its result wins: a re-poll observes the
			// delivered state, and nothing in flight is dropped.
			return op.inner.Poll(tc)
		}
		return Poll{}, &TimeoutError{After: op.d}
	}
	return Pending(), nil
}

// YieldOp reschedules the polling task to the back of the run queue
// exactly once, giving siblings a turn.
type YieldOp struct {
	yielded bool
}

// Yield returns a poll-able cooperative yield.
func Yield() *YieldOp { return &YieldOp{} }

// Poll wakes the task immediately on first call and completes on the
// second.
func (op *YieldOp) Poll(tc *TaskContext) (Poll, error) {
	if err := tc.Err(); err != nil {
		return Poll{}, err
	}
	if op.yielded {
		return Ready(nil), nil
	}
	op.yielded = true
	tc.Waker().Wake()
	return Pending(), nil
}
