package asyncrt

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// TaskID identifies a spawned task.
type TaskID uint64

// TaskState describes task scheduling state. Transitions form a DAG:
// the only way back into Running is through Ready.
type TaskState uint32

const (
	// TaskReady means the task is enqueued and runnable.
	TaskReady TaskState = iota
	// TaskRunning means a worker is advancing the task's state machine.
	TaskRunning
	// TaskSuspended means the task parked with a waker registered.
	TaskSuspended
	// TaskBlocked means the task handed a closure to the blocking pool.
	TaskBlocked
	// TaskCancelled means cancellation was observed; cleanup polls may
	// still run before the task reaches TaskCompleted.
	TaskCancelled
	// TaskCompleted means the result slot is written. Terminal.
	TaskCompleted
)

// String returns the string representation of TaskState.
func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskBlocked:
		return "blocked"
	case TaskCancelled:
		return "cancelled"
	case TaskCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// validTransition encodes the task state DAG.
func validTransition(from, to TaskState) bool {
	if from == to {
		return false
	}
	switch from {
	case TaskReady:
		return to == TaskRunning || to == TaskCancelled || to == TaskCompleted
	case TaskRunning:
		return to == TaskSuspended || to == TaskBlocked || to == TaskReady ||
			to == TaskCancelled || to == TaskCompleted
	case TaskSuspended, TaskBlocked, TaskCancelled:
		return to == TaskReady || to == TaskCompleted
	case TaskCompleted:
		return false
	default:
		return false
	}
}

// Wake flag values. Wake is idempotent: a double wake collapses into a
// single ready-enqueue.
const (
	wakeIdle uint32 = iota
	wakeNotified
	wakeRunning
)

const noWorker int32 = -1

// Task is the coroutine descriptor: identity, state machine, growable
// stack, result slot, and the weak back-reference to its owning scope.
type Task struct {
	id   TaskID
	rt   *Runtime
	poll PollFunc

	state    atomic.Uint32 // TaskState
	wakeFlag atomic.Uint32 // wakeIdle | wakeNotified | wakeRunning
	enqueued atomic.Bool   // guards against presence in two queues

	cancelled  atomic.Bool
	completed  atomic.Bool  // guards complete against shutdown races
	workerHint atomic.Int32 // last worker that ran the task, noWorker if none

	scope ScopeRef // weak (id+generation) back-reference, not ownership
	stack *Stack

	// parkState is the state the task enters when its poll returns
	// Pending: TaskSuspended by default, TaskBlocked for pool handoff.
	parkState TaskState

	mu          sync.Mutex
	outcome     Outcome
	joinWakers  []Waker
	blockResult *Outcome // written by a blocking-pool thread
	done        chan struct{}
}

// ID returns the task identifier.
func (t *Task) ID() TaskID {
	if t == nil {
		return 0
	}
	return t.id
}

// State returns the task's current scheduling state.
func (t *Task) State() TaskState {
	if t == nil {
		return TaskCompleted
	}
	return TaskState(t.state.Load())
}

// transition moves the task between states, aborting the process on a
// DAG violation: an inconsistent scheduler cannot recover safely.
func (t *Task) transition(to TaskState) {
	for {
		from := TaskState(t.state.Load())
		if !validTransition(from, to) {
			panic(fmt.Sprintf("asyncrt: invalid task %d transition %s -> %s", t.id, from, to))
		}
		if t.state.CompareAndSwap(uint32(from), uint32(to)) {
			return
		}
	}
}

// Cancel sets the cooperative cancellation flag and wakes the task so
// the flag is observed at its next checkpoint. Cancellation never
// preempts running code.
func (t *Task) Cancel() {
	if t == nil || t.State() == TaskCompleted {
		return
	}
	if t.cancelled.CompareAndSwap(false, true) {
		t.Waker().Wake()
	}
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	if t == nil {
		return false
	}
	return t.cancelled.Load()
}

// Waker returns a wake handle for drivers. Wakers stay valid for the
// lifetime of the task; waking a completed task is a no-op.
func (t *Task) Waker() Waker { return Waker{task: t} }

// complete writes the result slot exactly once, transitions the task to
// its terminal state, releases the stack, and wakes joiners.
func (t *Task) complete(out Outcome) {
	if t == nil || !t.completed.CompareAndSwap(false, true) {
		return
	}
	// A cancelled task passes through TaskCancelled on its way to
	// TaskCompleted: cleanup has run by the time the result is written.
	if errorsIsCancelled(out.Err) && t.State() != TaskCancelled {
		t.transition(TaskCancelled)
	}
	t.transition(TaskCompleted)

	t.mu.Lock()
	t.outcome = out
	wakers := t.joinWakers
	t.joinWakers = nil
	done := t.done
	t.mu.Unlock()

	t.stack.release()
	if done != nil {
		close(done)
	}
	for _, w := range wakers {
		w.Wake()
	}
	if t.rt != nil {
		t.rt.taskCompleted(t, out)
	}
}

// result returns the outcome; valid only after TaskCompleted.
func (t *Task) result() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// addJoinWaker registers a waker fired on completion. Returns false if
// the task is already terminal, in which case the caller must not park.
func (t *Task) addJoinWaker(w Waker) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() == TaskCompleted {
		return false
	}
	t.joinWakers = append(t.joinWakers, w)
	return true
}

// Handle is the public reference to a spawned task.
type Handle struct {
	task *Task
}

// ID returns the identifier of the underlying task.
func (h *Handle) ID() TaskID {
	if h == nil {
		return 0
	}
	return h.task.ID()
}

// Cancel requests cooperative cancellation of the task.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.task.Cancel()
}

// Join blocks the calling OS thread until the task completes and
// returns its result. Intended for host code outside the runtime; tasks
// join each other with JoinOp.
func (h *Handle) Join() (any, error) {
	if h == nil || h.task == nil {
		return nil, fmt.Errorf("asyncrt: join on nil handle")
	}
	<-h.task.done
	out := h.task.result()
	return out.Value, out.Err
}

// Done reports whether the task has reached its terminal state.
func (h *Handle) Done() bool {
	if h == nil || h.task == nil {
		return true
	}
	return h.task.State() == TaskCompleted
}

// JoinOp is the suspension-point form of join, consumed by lowered
// code: poll it from inside another task until it reports Done.
type JoinOp struct {
	h      *Handle
	parked bool
}

// Join returns a poll-able join operation for the handle.
func (h *Handle) JoinOp() *JoinOp { return &JoinOp{h: h} }

// Poll advances the join: Pending until the target task completes, then
// Ready with the target's value (or its error).
func (op *JoinOp) Poll(tc *TaskContext) (Poll, error) {
	if op == nil || op.h == nil || op.h.task == nil {
		return Poll{}, fmt.Errorf("asyncrt: join on nil handle")
	}
	target := op.h.task
	if target.State() == TaskCompleted {
		out := target.result()
		return Ready(out.Value), out.Err
	}
	if !op.parked {
		if !target.addJoinWaker(tc.Waker()) {
			out := target.result()
			return Ready(out.Value), out.Err
		}
		op.parked = true
	}
	return Pending(), nil
}

// TaskContext is passed to every poll. It carries the cancellation
// checkpoint, the waker, the stack, and the fairness budget.
type TaskContext struct {
	task   *Task
	rt     *Runtime
	budget int32
}

// Runtime returns the owning runtime handle.
func (tc *TaskContext) Runtime() *Runtime {
	if tc == nil {
		return nil
	}
	return tc.rt
}

// TaskID returns the running task's identifier.
func (tc *TaskContext) TaskID() TaskID {
	if tc == nil {
		return 0
	}
	return tc.task.ID()
}

// Waker returns the running task's waker for driver registration.
func (tc *TaskContext) Waker() Waker {
	if tc == nil {
		return Waker{}
	}
	return tc.task.Waker()
}

// Stack returns the task's segmented stack.
func (tc *TaskContext) Stack() *Stack {
	if tc == nil {
		return nil
	}
	return tc.task.stack
}

// Cancelled is the cooperative cancellation checkpoint. Lowered code
// checks it at every suspension point and unwinds with Err() when set.
func (tc *TaskContext) Cancelled() bool {
	if tc == nil {
		return false
	}
	return tc.task.Cancelled()
}

// Err returns the error a cancelled or shut-down task should complete
// with, or nil.
func (tc *TaskContext) Err() error {
	if tc == nil {
		return nil
	}
	if tc.rt != nil && tc.rt.shuttingDown() {
		return ErrShutdown
	}
	if tc.task.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// ConsumeBudget decrements the fairness budget by one step and reports
// whether the task should yield at the next safe point.
func (tc *TaskContext) ConsumeBudget() bool {
	if tc == nil {
		return false
	}
	tc.budget--
	return tc.budget <= 0
}

// YieldRequested reports whether the fairness budget is exhausted.
func (tc *TaskContext) YieldRequested() bool {
	if tc == nil {
		return false
	}
	return tc.budget <= 0
}

// markBlocked flags that the pending park is a blocking-pool handoff.
func (tc *TaskContext) markBlocked() {
	if tc == nil {
		return
	}
	tc.task.parkState = TaskBlocked
}
