package asyncrt

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type blockingJob struct {
	t  *Task
	fn func() (any, error)
}

// blockingPool runs opaque blocking closures on dedicated OS threads so
// they never occupy a scheduler worker. The pool is elastic: threads
// spawn on demand up to a ceiling and exit after an idle timeout. At
// the ceiling, submission fails with ErrPoolExhausted rather than
// queueing unboundedly.
type blockingPool struct {
	rt      *Runtime
	sem     *semaphore.Weighted
	idle    time.Duration
	jobs    chan blockingJob
	wg      sync.WaitGroup
	closing sync.Once
}

func newBlockingPool(rt *Runtime, ceiling int, idle time.Duration) *blockingPool {
	return &blockingPool{
		rt:   rt,
		sem:  semaphore.NewWeighted(int64(ceiling)),
		idle: idle,
		jobs: make(chan blockingJob),
	}
}

// submit hands a closure to an idle pool thread, growing the pool by
// one thread when none is free and the ceiling permits.
func (p *blockingPool) submit(t *Task, fn func() (any, error)) error {
	if p.rt.shuttingDown() {
		return ErrShutdown
	}
	job := blockingJob{t: t, fn: fn}
	select {
	case p.jobs <- job:
		return nil
	default:
	}
	if !p.sem.TryAcquire(1) {
		return ErrPoolExhausted
	}
	p.wg.Add(1)
	go p.thread(job)
	return nil
}

// thread runs its seed job, then serves further jobs until idle timeout
// or shutdown.
func (p *blockingPool) thread(first blockingJob) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	p.runJob(first)
	idle := time.NewTimer(p.idle)
	defer idle.Stop()
	for {
		select {
		case job := <-p.jobs:
			p.runJob(job)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.idle)
		case <-idle.C:
			return
		case <-p.rt.stopCh:
			return
		}
	}
}

// runJob executes the closure with a panic boundary and delivers the
// result to the task's blocking slot before waking it.
func (p *blockingPool) runJob(job blockingJob) {
	out := runBlocking(job.fn)
	job.t.mu.Lock()
	job.t.blockResult = &out
	job.t.mu.Unlock()
	p.rt.stats.BlockingRuns.Add(1)
	job.t.Waker().Wake()
}

func runBlocking(fn func() (any, error)) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: newPanicError(r)}
		}
	}()
	v, err := fn()
	return Outcome{Value: v, Err: err}
}

// close waits for in-flight closures to finish. Threads observe the
// runtime stop channel and exit on their own.
func (p *blockingPool) close() {
	p.closing.Do(func() {
		p.wg.Wait()
	})
}

// BlockingOp moves a blocking closure off the scheduler. The closure is
// not interruptible: a cancellation requested mid-run is observed at
// the task's next checkpoint, after the result is delivered.
type BlockingOp struct {
	fn        func() (any, error)
	submitted bool
}

// Blocking returns a poll-able operation running fn on the pool.
func Blocking(fn func() (any, error)) *BlockingOp {
	return &BlockingOp{fn: fn}
}

// Poll submits the closure on first call, then reports Pending until
// the pool thread delivers the result.
func (op *BlockingOp) Poll(tc *TaskContext) (Poll, error) {
	t := tc.task
	t.mu.Lock()
	res := t.blockResult
	t.blockResult = nil
	t.mu.Unlock()

	if op.submitted {
		if res != nil {
			return Ready(res.Value), res.Err
		}
		// Spurious wake (cancel or shutdown flag) while the closure is
		// still running; the handoff cannot be abandoned.
		tc.markBlocked()
		return Pending(), nil
	}
	if err := tc.Err(); err != nil {
		return Poll{}, err
	}
	if err := tc.Runtime().pool.submit(t, op.fn); err != nil {
		return Poll{}, err
	}
	op.submitted = true
	tc.markBlocked()
	return Pending(), nil
}
