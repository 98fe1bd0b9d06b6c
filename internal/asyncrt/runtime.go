package asyncrt

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"fortio.org/safecast"

	"indent/internal/observ"
	"indent/internal/trace"
)

// Default configuration values.
const (
	// DefaultStackInitial is the initial stack segment size per task.
	DefaultStackInitial = 2 << 10 // 2 KiB
	// DefaultStackCeiling bounds segmented stack growth per task.
	DefaultStackCeiling = 1 << 20 // 1 MiB
	// DefaultBudget is the number of fairness steps per resume.
	DefaultBudget = 64
	// DefaultStarvationRounds is K: every K scheduling rounds a worker
	// services the injector before its own queue.
	DefaultStarvationRounds = 61
	// DefaultBlockingCeiling caps the blocking pool thread count.
	DefaultBlockingCeiling = 64
	// DefaultBlockingIdle is how long an idle pool thread lingers.
	DefaultBlockingIdle = 5 * time.Second

	// keeperParkMs bounds the timekeeper wait when no timer is armed.
	keeperParkMs = 100
)

// Config configures runtime scheduling behavior.
type Config struct {
	// Workers is the number of OS worker threads. Defaults to NumCPU.
	Workers int
	// Deterministic forces a single worker driven by a virtual clock
	// with seedable scheduling, for reproducible interleavings.
	Deterministic bool
	// Seed seeds steal randomization in deterministic mode.
	Seed uint64

	StackInitial int
	StackCeiling int
	// StackAllocator supplies stack segments. Defaults to the Go heap.
	StackAllocator StackAllocator

	BlockingCeiling int
	BlockingIdle    time.Duration

	// Budget is the cooperative fairness budget per resume; lowered
	// code checks YieldRequested at safe points.
	Budget int32
	// StarvationRounds is the injector promotion interval K.
	StarvationRounds uint32

	// Clock overrides time. Defaults to a RealClock, or a VirtualClock
	// in deterministic mode.
	Clock Clock
	// Tracer receives span/point events at spawn/resume boundaries.
	Tracer trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.Deterministic {
		c.Workers = 1
		if c.Clock == nil {
			c.Clock = NewVirtualClock(0)
		}
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.StackInitial <= 0 {
		c.StackInitial = DefaultStackInitial
	}
	if c.StackCeiling < c.StackInitial {
		c.StackCeiling = DefaultStackCeiling
	}
	if c.StackAllocator == nil {
		c.StackAllocator = heapStackAllocator{}
	}
	if c.BlockingCeiling <= 0 {
		c.BlockingCeiling = DefaultBlockingCeiling
	}
	if c.BlockingIdle <= 0 {
		c.BlockingIdle = DefaultBlockingIdle
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.StarvationRounds == 0 {
		c.StarvationRounds = DefaultStarvationRounds
	}
	if c.Clock == nil {
		c.Clock = NewRealClock()
	}
	if c.Tracer == nil {
		c.Tracer = trace.Nop
	}
	return c
}

// Stats is a point-in-time snapshot of runtime activity.
type Stats struct {
	Spawned        int64
	Completed      int64
	Panicked       int64
	CancelledCount int64
	Steals         int64
	Wakes          int64
	TimersFired    int64
	BlockingRuns   int64
	LiveTasks      int
	OrphanScopes   int
}

// Runtime is the process-wide scheduler handle. All access to scheduler
// state is routed through it; there is no ambient singleton. The
// lifecycle is explicit: NewRuntime, Start, Shutdown.
type Runtime struct {
	cfg    Config
	clock  Clock
	tracer trace.Tracer
	stats  *observ.Counters

	workers  []*worker
	injector injector
	wheel    *wheel
	pool     *blockingPool
	driver   *ioDriver
	orphans  *orphanRegistry

	tasksMu sync.Mutex
	tasks   map[TaskID]*Task

	scopesMu sync.Mutex
	scopes   map[ScopeID]*Scope

	nextTask  atomic.Uint64
	nextScope atomic.Uint64

	parkMu    sync.Mutex
	parkCond  *sync.Cond
	notifyGen uint64
	parked    int

	stopCh    chan struct{}
	timerKick chan struct{}
	workerWG  sync.WaitGroup
	keeperWG  sync.WaitGroup

	started  atomic.Bool
	stopping atomic.Bool
}

// NewRuntime constructs a runtime with the provided configuration. The
// runtime does not execute tasks until Start.
func NewRuntime(cfg Config) *Runtime {
	cfg = cfg.withDefaults()
	rt := &Runtime{
		cfg:       cfg,
		clock:     cfg.Clock,
		tracer:    cfg.Tracer,
		stats:     observ.NewCounters(),
		tasks:     make(map[TaskID]*Task),
		scopes:    make(map[ScopeID]*Scope),
		stopCh:    make(chan struct{}),
		timerKick: make(chan struct{}, 1),
	}
	rt.parkCond = sync.NewCond(&rt.parkMu)
	rt.wheel = newWheel(cfg.Clock, rt.kickTimekeeper)
	rt.orphans = newOrphanRegistry()
	rt.pool = newBlockingPool(rt, cfg.BlockingCeiling, cfg.BlockingIdle)

	var seed int64
	if cfg.Seed != 0 {
		if s, err := safecast.Conv[int64](cfg.Seed); err == nil {
			seed = s
		}
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rt.workers = make([]*worker, cfg.Workers)
	for i := range rt.workers {
		rt.workers[i] = newWorker(i, rt, seed+int64(i))
	}
	return rt
}

// Start launches the worker threads and, outside deterministic mode,
// the timekeeper loop that bounds reactor waits by the next timer
// deadline.
func (rt *Runtime) Start() error {
	if rt == nil {
		return fmt.Errorf("asyncrt: nil runtime")
	}
	if !rt.started.CompareAndSwap(false, true) {
		return fmt.Errorf("asyncrt: runtime already started")
	}

	if driver, err := newIODriver(rt); err == nil {
		rt.driver = driver
	} else {
		// No reactor backend on this platform; I/O registration will
		// report a typed unsupported error instead.
		trace.Point(rt.tracer, trace.ScopeRuntime, "reactor", err.Error())
	}

	rt.workerWG.Add(len(rt.workers))
	for _, w := range rt.workers {
		go w.run()
	}
	if !rt.cfg.Deterministic {
		rt.keeperWG.Add(1)
		go rt.timekeeper()
	}
	trace.Point(rt.tracer, trace.ScopeRuntime, "start", fmt.Sprintf("workers=%d", len(rt.workers)))
	return nil
}

// Shutdown tears the runtime down: orphan scopes are cancelled, workers
// drained and stopped, and every task still pending completes with
// ErrShutdown. Safe to call once after Start.
func (rt *Runtime) Shutdown() {
	if rt == nil || !rt.stopping.CompareAndSwap(false, true) {
		return
	}
	rt.orphans.cancelAll()
	close(rt.stopCh)
	rt.kickTimekeeper()

	rt.parkMu.Lock()
	rt.notifyGen++
	rt.parkCond.Broadcast()
	rt.parkMu.Unlock()

	rt.workerWG.Wait()
	rt.keeperWG.Wait()
	rt.pool.close()
	if rt.driver != nil {
		rt.driver.close()
	}

	// Deliver shutdown results to everything still live.
	rt.tasksMu.Lock()
	live := make([]*Task, 0, len(rt.tasks))
	for _, t := range rt.tasks {
		live = append(live, t)
	}
	rt.tasksMu.Unlock()
	for _, t := range live {
		t.complete(Outcome{Err: ErrShutdown})
	}
	trace.Point(rt.tracer, trace.ScopeRuntime, "shutdown", "")
}

func (rt *Runtime) shuttingDown() bool {
	if rt == nil {
		return true
	}
	return rt.stopping.Load()
}

// Spawn creates a root task from a lowered poll function and enqueues
// it. Tasks spawned inside a scope use Scope.Spawn instead.
func (rt *Runtime) Spawn(fn PollFunc) (*Handle, error) {
	return rt.spawn(fn, nil, ScopeRef{})
}

func (rt *Runtime) spawn(fn PollFunc, creator *TaskContext, scope ScopeRef) (*Handle, error) {
	if rt == nil || fn == nil {
		return nil, fmt.Errorf("asyncrt: spawn requires a poll function")
	}
	if rt.shuttingDown() {
		return nil, ErrShutdown
	}
	stack, err := newStack(rt.cfg.StackAllocator, rt.cfg.StackInitial, rt.cfg.StackCeiling)
	if err != nil {
		return nil, fmt.Errorf("asyncrt: stack allocation: %w", err)
	}
	t := &Task{
		id:    TaskID(rt.nextTask.Add(1)),
		rt:    rt,
		poll:  fn,
		scope: scope,
		stack: stack,
		done:  make(chan struct{}),
	}
	t.workerHint.Store(noWorker)
	if creator != nil {
		// Spawn lands on the creating worker's local queue.
		t.workerHint.Store(creator.task.workerHint.Load())
	}
	t.parkState = TaskSuspended

	rt.tasksMu.Lock()
	rt.tasks[t.id] = t
	rt.tasksMu.Unlock()

	rt.stats.Spawned.Add(1)
	trace.Point(rt.tracer, trace.ScopeTask, "spawn", fmt.Sprintf("task=%d", t.id))

	t.wakeFlag.Store(wakeNotified)
	rt.schedule(t)
	return &Handle{task: t}, nil
}

// schedule makes a task runnable: it lands on its last-known worker's
// queue, or the injector when that worker is unknown. The enqueued
// guard ensures a task is never present in two queues.
func (rt *Runtime) schedule(t *Task) {
	if rt == nil || t == nil || t.State() == TaskCompleted {
		return
	}
	if !t.enqueued.CompareAndSwap(false, true) {
		return
	}
	switch t.State() {
	case TaskSuspended, TaskBlocked:
		t.transition(TaskReady)
	}
	rt.stats.Wakes.Add(1)

	hint := t.workerHint.Load()
	if hint >= 0 && int(hint) < len(rt.workers) && !rt.shuttingDown() {
		rt.workers[hint].local.push(t)
	} else {
		rt.injector.push(t)
	}
	rt.notify()
}

func (rt *Runtime) notify() {
	rt.parkMu.Lock()
	rt.notifyGen++
	rt.parkCond.Signal()
	rt.parkMu.Unlock()
}

func (rt *Runtime) notifyGeneration() uint64 {
	rt.parkMu.Lock()
	defer rt.parkMu.Unlock()
	return rt.notifyGen
}

// park blocks the calling worker until new work is signalled. Returns
// false when the runtime is shutting down. The generation check closes
// the window between a worker's last queue scan and its wait.
func (rt *Runtime) park(gen uint64) bool {
	rt.parkMu.Lock()
	if rt.shuttingDown() {
		rt.parkMu.Unlock()
		return false
	}
	if rt.notifyGen != gen {
		rt.parkMu.Unlock()
		return true
	}
	rt.parked++
	rt.parkCond.Wait()
	rt.parked--
	rt.parkMu.Unlock()
	return !rt.shuttingDown()
}

// driveIdle advances virtual time to the next timer deadline when the
// runtime has no runnable work. Only the deterministic single-worker
// mode drives time from the worker itself; otherwise the timekeeper
// owns the clock.
func (rt *Runtime) driveIdle() bool {
	if rt == nil || !rt.cfg.Deterministic {
		return false
	}
	woke := false
	if next, ok := rt.wheel.nextDeadline(); ok {
		rt.clock.SleepUntilMs(next)
		if fired := rt.wheel.advance(rt.clock.NowMs()); fired > 0 {
			rt.stats.TimersFired.Add(int64(fired))
			woke = true
		}
	}
	if rt.driver != nil && rt.driver.wait(0) > 0 {
		woke = true
	}
	return woke
}

// timekeeper fires due timers and bounds the reactor wait by the next
// timer deadline, so no dedicated polling thread spins.
func (rt *Runtime) timekeeper() {
	defer rt.keeperWG.Done()
	for !rt.shuttingDown() {
		now := rt.clock.NowMs()
		if fired := rt.wheel.advance(now); fired > 0 {
			rt.stats.TimersFired.Add(int64(fired))
			continue
		}
		waitMs := int64(keeperParkMs)
		if next, ok := rt.wheel.nextDeadline(); ok {
			delta := next - now
			if conv, err := safecast.Conv[int64](delta); err == nil && conv < waitMs {
				waitMs = conv
			}
			if waitMs <= 0 {
				continue
			}
		}
		if rt.driver != nil {
			rt.driver.wait(waitMs)
			continue
		}
		select {
		case <-rt.timerKick:
		case <-rt.stopCh:
		case <-time.After(time.Duration(waitMs) * time.Millisecond):
		}
	}
}

// kickTimekeeper interrupts the current timer/reactor wait, e.g. after
// inserting an earlier deadline.
func (rt *Runtime) kickTimekeeper() {
	if rt == nil {
		return
	}
	select {
	case rt.timerKick <- struct{}{}:
	default:
	}
	if rt.driver != nil {
		rt.driver.wakeup()
	}
}

// taskCompleted is the completion hook: stats, tracing, task-table
// removal, and scope barrier accounting.
func (rt *Runtime) taskCompleted(t *Task, out Outcome) {
	if rt == nil || t == nil {
		return
	}
	rt.stats.Completed.Add(1)
	switch {
	case errorsIsPanic(out.Err):
		rt.stats.Panicked.Add(1)
	case errorsIsCancelled(out.Err):
		rt.stats.Cancelled.Add(1)
	}
	trace.Point(rt.tracer, trace.ScopeTask, "complete", fmt.Sprintf("task=%d", t.id))

	rt.tasksMu.Lock()
	delete(rt.tasks, t.id)
	rt.tasksMu.Unlock()

	if s := rt.resolveScope(t.scope); s != nil {
		s.childDone(t, out)
	}
}

// Stats returns a snapshot of runtime counters.
func (rt *Runtime) Stats() Stats {
	if rt == nil {
		return Stats{}
	}
	rt.tasksMu.Lock()
	liveTasks := len(rt.tasks)
	rt.tasksMu.Unlock()
	return Stats{
		Spawned:        rt.stats.Spawned.Load(),
		Completed:      rt.stats.Completed.Load(),
		Panicked:       rt.stats.Panicked.Load(),
		CancelledCount: rt.stats.Cancelled.Load(),
		Steals:         rt.stats.Steals.Load(),
		Wakes:          rt.stats.Wakes.Load(),
		TimersFired:    rt.stats.TimersFired.Load(),
		BlockingRuns:   rt.stats.BlockingRuns.Load(),
		LiveTasks:      liveTasks,
		OrphanScopes:   rt.orphans.size(),
	}
}

// Clock returns the runtime's clock.
func (rt *Runtime) Clock() Clock {
	if rt == nil {
		return nil
	}
	return rt.clock
}

// Tracer returns the runtime's tracer.
func (rt *Runtime) Tracer() trace.Tracer {
	if rt == nil {
		return trace.Nop
	}
	return rt.tracer
}
