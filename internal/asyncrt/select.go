package asyncrt

import (
	"fmt"
	"time"
)

type armKind uint8

const (
	armRecv armKind = iota
	armSend
	armTimeout
	armDefault
)

// SelectArm is one alternative of a select operation.
type SelectArm struct {
	kind armKind
	ch   *Channel
	val  any
	d    time.Duration
}

// RecvArm selects on channel readability.
func RecvArm(ch *Channel) SelectArm { return SelectArm{kind: armRecv, ch: ch} }

// SendArm selects on delivering v to the channel.
func SendArm(ch *Channel, v any) SelectArm { return SelectArm{kind: armSend, ch: ch, val: v} }

// TimeoutArm makes the select fire after d when no other arm commits
// first. At most one per select.
func TimeoutArm(d time.Duration) SelectArm { return SelectArm{kind: armTimeout, d: d} }

// DefaultArm commits immediately when no other arm is ready on the
// first poll.
func DefaultArm() SelectArm { return SelectArm{kind: armDefault} }

// SelectResult reports which arm committed. For receive arms Value and
// OK mirror RecvResult; TimedOut marks the timeout arm; Err carries a
// closed-channel send failure.
type SelectResult struct {
	Index    int
	Value    any
	OK       bool
	TimedOut bool
	Err      error
}

// SelectOp races its arms and commits exactly one: readiness
// notifications wake the task, and the poll re-runs a try pass so only
// the winning arm consumes. Two simultaneously-ready arms never both
// take effect.
type SelectOp struct {
	arms       []SelectArm
	subs       []uint64 // parallel to arms; 0 for non-channel arms
	timer      *TimerHandle
	registered bool
}

// NewSelect builds a select over the given arms. Arms are tried in
// declaration order; at most one timeout and one default arm are
// allowed.
func NewSelect(arms ...SelectArm) (*SelectOp, error) {
	if len(arms) == 0 {
		return nil, fmt.Errorf("asyncrt: select with no arms")
	}
	timeouts, defaults := 0, 0
	for _, a := range arms {
		switch a.kind {
		case armTimeout:
			timeouts++
		case armDefault:
			defaults++
		}
	}
	if timeouts > 1 {
		return nil, fmt.Errorf("asyncrt: select with %d timeout arms", timeouts)
	}
	if defaults > 1 {
		return nil, fmt.Errorf("asyncrt: select with %d default arms", defaults)
	}
	return &SelectOp{arms: arms, subs: make([]uint64, len(arms))}, nil
}

// tryCommit runs one try pass over the arms in declaration order.
func (op *SelectOp) tryCommit() (SelectResult, bool) {
	for i, a := range op.arms {
		switch a.kind {
		case armRecv:
			v, ok, closed := a.ch.TryRecv()
			if ok || closed {
				return SelectResult{Index: i, Value: v, OK: ok}, true
			}
		case armSend:
			ok, err := a.ch.TrySend(a.val)
			if err != nil {
				return SelectResult{Index: i, Err: err}, true
			}
			if ok {
				return SelectResult{Index: i}, true
			}
		case armTimeout:
			if op.timer.Fired() {
				return SelectResult{Index: i, TimedOut: true}, true
			}
		}
	}
	return SelectResult{}, false
}

// register subscribes every channel arm and arms the timeout.
func (op *SelectOp) register(tc *TaskContext) {
	w := tc.Waker()
	for i, a := range op.arms {
		switch a.kind {
		case armRecv:
			op.subs[i] = a.ch.subscribe(w, true)
		case armSend:
			op.subs[i] = a.ch.subscribe(w, false)
		case armTimeout:
			rt := tc.Runtime()
			deadline := rt.clock.NowMs() + durationToMs(a.d)
			op.timer = rt.wheel.insert(deadline, w)
		}
	}
	op.registered = true
}

// Release tears down subscriptions and the timeout timer. Called
// automatically on commit, error, and cancellation.
func (op *SelectOp) Release() {
	if op == nil {
		return
	}
	for i, a := range op.arms {
		if op.subs[i] != 0 {
			a.ch.unsubscribe(op.subs[i])
			op.subs[i] = 0
		}
	}
	if op.timer != nil {
		op.timer.Cancel()
		op.timer = nil
	}
	op.registered = false
}

// Poll runs a try pass, then registers and re-tries to close the race
// between trying and subscribing. Ready carries a SelectResult.
func (op *SelectOp) Poll(tc *TaskContext) (Poll, error) {
	if op == nil || len(op.arms) == 0 {
		return Poll{}, fmt.Errorf("asyncrt: poll of empty select")
	}
	if err := tc.Err(); err != nil {
		op.Release()
		return Poll{}, err
	}
	if res, ok := op.tryCommit(); ok {
		op.Release()
		return Ready(res), nil
	}
	if !op.registered {
		if i := op.defaultIndex(); i >= 0 {
			return Ready(SelectResult{Index: i}), nil
		}
		op.register(tc)
		// The readiness edge may have fired between the try pass and
		// registration; a second pass catches it.
		if res, ok := op.tryCommit(); ok {
			op.Release()
			return Ready(res), nil
		}
	}
	return Pending(), nil
}

// Abandon releases subscriptions and the timeout timer when the select
// is dropped before committing. Subscriptions never hold values, so
// abandonment always succeeds.
func (op *SelectOp) Abandon() bool {
	op.Release()
	return true
}

func (op *SelectOp) defaultIndex() int {
	for i, a := range op.arms {
		if a.kind == armDefault {
			return i
		}
	}
	return -1
}
