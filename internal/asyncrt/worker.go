package asyncrt

import (
	"fmt"
	"math/rand"

	"indent/internal/trace"
)

// worker is an OS thread executing tasks from a local deque. On local
// exhaustion it steals half of a random peer's queue, falls back to the
// global injector, and finally parks.
type worker struct {
	id    int
	rt    *Runtime
	local workDeque
	rng   *rand.Rand
	tick  uint32
}

func newWorker(id int, rt *Runtime, seed int64) *worker {
	return &worker{
		id: id,
		rt: rt,
		//nolint:gosec // scheduler jitter, not cryptography
		rng: rand.New(rand.NewSource(seed)),
	}
}

// run is the worker loop. It exits when the runtime shuts down.
func (w *worker) run() {
	defer w.rt.workerWG.Done()
	for {
		t := w.findTask()
		if t == nil {
			return
		}
		w.resume(t)
	}
}

// findTask implements the scheduling policy: local LIFO pop, randomized
// steal of half a peer's queue, then the injector, then park. A
// starvation guard checks the injector first every K rounds so
// externally-woken tasks cannot wait behind an endless local stream.
func (w *worker) findTask() *Task {
	rt := w.rt
	for {
		if rt.shuttingDown() {
			return nil
		}
		gen := rt.notifyGeneration()

		w.tick++
		if rt.cfg.StarvationRounds > 0 && w.tick%rt.cfg.StarvationRounds == 0 {
			if t := rt.injector.pop(); t != nil {
				return t
			}
		}
		if t := w.local.pop(); t != nil {
			return t
		}
		if t := w.stealAny(); t != nil {
			return t
		}
		if t := rt.injector.pop(); t != nil {
			return t
		}
		if rt.driveIdle() {
			continue
		}
		if !rt.park(gen) {
			return nil
		}
	}
}

// stealAny attempts a randomized steal of roughly half of one peer's
// queue, trying each peer once.
func (w *worker) stealAny() *Task {
	peers := w.rt.workers
	if len(peers) <= 1 {
		return nil
	}
	offset := w.rng.Intn(len(peers))
	for i := 0; i < len(peers); i++ {
		victim := peers[(offset+i)%len(peers)]
		if victim.id == w.id {
			continue
		}
		if t := victim.local.stealHalf(&w.local); t != nil {
			w.rt.stats.Steals.Add(1)
			return t
		}
	}
	return nil
}

// resume advances the task's state machine until it returns Pending,
// Ready, or panics. Panics unwind to the task boundary only and become
// the task's result.
func (w *worker) resume(t *Task) {
	rt := w.rt
	t.enqueued.Store(false)

	switch t.State() {
	case TaskCompleted:
		// Completed while queued (shutdown or cancel race); never
		// resume past the terminal state.
		return
	case TaskRunning:
		panic(fmt.Sprintf("asyncrt: task %d resumed while running", t.id))
	}

	t.wakeFlag.Store(wakeRunning)
	t.transition(TaskRunning)
	t.workerHint.Store(int32(w.id))
	t.parkState = TaskSuspended

	tc := &TaskContext{task: t, rt: rt, budget: rt.cfg.Budget}

	var span *trace.Span
	if rt.tracer.Enabled() {
		span = trace.Begin(rt.tracer, trace.ScopeOp, "resume", 0).
			WithTask(uint64(t.id)).WithWorker(w.id)
	}

	poll, err := runPoll(t, tc)
	if span != nil {
		span.End(poll.stateString())
	}

	switch {
	case err != nil:
		t.complete(Outcome{Err: err})
	case poll.Done:
		t.complete(Outcome{Value: poll.Value})
	default:
		t.transition(t.parkState)
		if !t.wakeFlag.CompareAndSwap(wakeRunning, wakeIdle) {
			// Woken while running; the enqueue is ours.
			rt.schedule(t)
		}
	}
}

// runPoll invokes the task's step function with the panic boundary in
// place.
func runPoll(t *Task, tc *TaskContext) (poll Poll, err error) {
	defer func() {
		if r := recover(); r != nil {
			poll = Poll{}
			err = newPanicError(r)
		}
	}()
	return t.poll(tc)
}

func (p Poll) stateString() string {
	if p.Done {
		return "ready"
	}
	return "pending"
}
