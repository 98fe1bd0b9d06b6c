package asyncrt

// Poll is the compiler-lowered suspension contract. Source-level
// suspension syntax is lowered into a state machine whose step function
// returns Pending until the awaited event arrives, then Ready with the
// produced value. The scheduler treats every task uniformly as "advance
// until Pending or Ready".
type Poll struct {
	// Done reports whether the task produced its final value.
	Done bool
	// Value is the task's result when Done.
	Value any
}

// Pending reports that the task suspended. A waker must have been
// registered with the responsible driver before returning Pending,
// otherwise the task is never resumed.
func Pending() Poll { return Poll{} }

// Ready reports that the task completed with the given value.
func Ready(v any) Poll { return Poll{Done: true, Value: v} }

// PollFunc is the step function of a lowered task state machine. A
// non-nil error completes the task with that error as its result.
type PollFunc func(tc *TaskContext) (Poll, error)

// Poll makes a bare PollFunc usable as an Op.
func (f PollFunc) Poll(tc *TaskContext) (Poll, error) { return f(tc) }

// Op is a poll-able suspension operation: the object form of PollFunc,
// used where a wrapper needs to see more of the operation than its step
// function (WithTimeout).
type Op interface {
	Poll(tc *TaskContext) (Poll, error)
}

// abandoner is implemented by operations that park state in an external
// queue (channel waiters, select subscriptions) and must withdraw it
// when the operation is dropped before completing. Abandon reports
// whether the withdrawal happened in time; false means the parked state
// was already consumed and the operation's result stands.
type abandoner interface {
	Abandon() bool
}

// Outcome is a task's delivered result: exactly one of Value or Err is
// meaningful, and it is written exactly once.
type Outcome struct {
	Value any
	Err   error
}
