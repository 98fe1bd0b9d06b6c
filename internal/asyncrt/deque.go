package asyncrt

import (
	"sync"

	"github.com/gammazero/deque"
)

// workDeque is a per-worker double-ended run queue. The owning worker
// pushes and pops at the back (LIFO, recency-favoring); thieves steal
// from the front. A short critical section per operation keeps the
// queue lock-light; ownership of each task moves with the pop.
type workDeque struct {
	mu sync.Mutex
	dq deque.Deque[*Task]
}

// push adds a task at the owner end.
func (q *workDeque) push(t *Task) {
	q.mu.Lock()
	q.dq.PushBack(t)
	q.mu.Unlock()
}

// pop removes the most recently pushed task (owner end).
func (q *workDeque) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dq.Len() == 0 {
		return nil
	}
	return q.dq.PopBack()
}

// stealHalf moves roughly half of the queue (rounded up, oldest first)
// into dst and returns one task for immediate execution. Returns nil if
// the victim was empty.
func (q *workDeque) stealHalf(dst *workDeque) *Task {
	q.mu.Lock()
	n := q.dq.Len()
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	take := (n + 1) / 2
	batch := make([]*Task, 0, take)
	for i := 0; i < take; i++ {
		batch = append(batch, q.dq.PopFront())
	}
	q.mu.Unlock()

	first := batch[0]
	if len(batch) > 1 {
		dst.mu.Lock()
		for _, t := range batch[1:] {
			dst.dq.PushBack(t)
		}
		dst.mu.Unlock()
	}
	return first
}

// size returns the current queue length.
func (q *workDeque) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dq.Len()
}

// drain removes and returns every queued task.
func (q *workDeque) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, q.dq.Len())
	for q.dq.Len() > 0 {
		out = append(out, q.dq.PopFront())
	}
	return out
}

// injector is the global fallback queue. Non-worker wakers (reactor,
// blocking pool, host code) enqueue here when a task has no active
// worker to return to.
type injector struct {
	mu sync.Mutex
	dq deque.Deque[*Task]
}

// push appends a task in FIFO order.
func (q *injector) push(t *Task) {
	q.mu.Lock()
	q.dq.PushBack(t)
	q.mu.Unlock()
}

// pop removes the oldest task.
func (q *injector) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dq.Len() == 0 {
		return nil
	}
	return q.dq.PopFront()
}

// size returns the current queue length.
func (q *injector) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dq.Len()
}

// drain removes and returns every queued task.
func (q *injector) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, q.dq.Len())
	for q.dq.Len() > 0 {
		out = append(out, q.dq.PopFront())
	}
	return out
}
