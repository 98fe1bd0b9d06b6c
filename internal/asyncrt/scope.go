package asyncrt

import (
	"fmt"
	"sync"

	"indent/internal/trace"
)

// ScopeID identifies a concurrency scope.
type ScopeID uint64

// ScopeRef is a weak back-reference from a task to its owning scope. It
// carries a generation stamp so a stale reference to a finished (and
// potentially reused) scope slot resolves to nothing instead of a live
// stranger.
type ScopeRef struct {
	ID  ScopeID
	Gen uint32
}

func (r ScopeRef) valid() bool { return r.ID != 0 }

// Scope is a structured-concurrency barrier: children spawned into it
// cannot outlive it, and joining it waits for every child including
// ones spawned while the join is in progress. With failfast set, the
// first child failure cancels the remaining siblings.
type Scope struct {
	id       ScopeID
	gen      uint32
	rt       *Runtime
	failfast bool
	detached bool
	parent   *Scope

	mu         sync.Mutex
	live       int
	tasks      map[TaskID]*Task
	childSc    map[ScopeID]*Scope
	cancelled  bool
	joining    bool
	finished   bool
	first      error
	suppressed []error
	joinWakers []Waker
	done       chan struct{}
}

// ScopeOptions configures scope creation.
type ScopeOptions struct {
	// Failfast cancels all siblings as soon as one child fails.
	Failfast bool
	// Detached severs the scope from its creator: it survives the
	// creating task and is tracked in the orphan registry until joined
	// or cancelled at shutdown.
	Detached bool
}

// NewScope creates a scope. A scope created from inside a task (tc
// non-nil) nests under that task's scope for cancellation propagation
// unless detached.
func (rt *Runtime) NewScope(tc *TaskContext, opts ScopeOptions) (*Scope, error) {
	if rt == nil {
		return nil, fmt.Errorf("asyncrt: nil runtime")
	}
	if rt.shuttingDown() {
		return nil, ErrShutdown
	}
	s := &Scope{
		id:       ScopeID(rt.nextScope.Add(1)),
		gen:      1,
		rt:       rt,
		failfast: opts.Failfast,
		detached: opts.Detached,
		tasks:    make(map[TaskID]*Task),
		done:     make(chan struct{}),
	}
	rt.scopesMu.Lock()
	rt.scopes[s.id] = s
	rt.scopesMu.Unlock()

	if opts.Detached {
		rt.orphans.add(s)
	} else if tc != nil {
		if parent := rt.resolveScope(tc.task.scope); parent != nil {
			s.parent = parent
			parent.addChildScope(s)
			if parent.Cancelled() {
				s.Cancel()
			}
		}
	}
	trace.Point(rt.tracer, trace.ScopeTask, "scope", fmt.Sprintf("open scope=%d detached=%v", s.id, opts.Detached))
	return s, nil
}

// resolveScope maps a weak reference to the live scope, or nil when the
// reference is unset, stale, or the scope already finished.
func (rt *Runtime) resolveScope(ref ScopeRef) *Scope {
	if rt == nil || !ref.valid() {
		return nil
	}
	rt.scopesMu.Lock()
	s := rt.scopes[ref.ID]
	rt.scopesMu.Unlock()
	if s == nil || s.gen != ref.Gen {
		return nil
	}
	return s
}

// Ref returns the weak reference identifying this scope.
func (s *Scope) Ref() ScopeRef {
	if s == nil {
		return ScopeRef{}
	}
	return ScopeRef{ID: s.id, Gen: s.gen}
}

// ID returns the scope identifier.
func (s *Scope) ID() ScopeID {
	if s == nil {
		return 0
	}
	return s.id
}

// Spawn creates a child task inside the scope. A child spawned into an
// already-cancelled scope starts with its cancellation flag set and
// observes it at its first checkpoint.
func (s *Scope) Spawn(tc *TaskContext, fn PollFunc) (*Handle, error) {
	if s == nil {
		return nil, fmt.Errorf("asyncrt: spawn on nil scope")
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil, ErrScopeClosed
	}
	s.live++
	bornCancelled := s.cancelled
	s.mu.Unlock()

	h, err := s.rt.spawn(fn, tc, s.Ref())
	if err != nil {
		s.mu.Lock()
		s.live--
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.tasks[h.task.id] = h.task
	s.mu.Unlock()

	if bornCancelled {
		h.Cancel()
	}
	return h, nil
}

func (s *Scope) addChildScope(child *Scope) {
	s.mu.Lock()
	if s.childSc == nil {
		s.childSc = make(map[ScopeID]*Scope)
	}
	s.childSc[child.id] = child
	s.mu.Unlock()
}

func (s *Scope) removeChildScope(id ScopeID) {
	s.mu.Lock()
	delete(s.childSc, id)
	s.mu.Unlock()
}

// Cancel requests cooperative cancellation of every child task and
// nested scope. Idempotent.
func (s *Scope) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	children := make([]*Scope, 0, len(s.childSc))
	for _, c := range s.childSc {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	for _, c := range children {
		c.Cancel()
	}
}

// Cancelled reports whether scope cancellation was requested.
func (s *Scope) Cancelled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// childDone is the completion hook run for every child task. It records
// failures, triggers failfast sibling cancellation, and releases the
// join barrier when the last child finishes.
func (s *Scope) childDone(t *Task, out Outcome) {
	s.mu.Lock()
	delete(s.tasks, t.id)
	s.live--

	if out.Err != nil {
		// Cancellation fallout from our own failfast sweep is not a new
		// failure; anything else is recorded.
		fallout := s.cancelled && errorsIsCancelled(out.Err)
		if !fallout {
			if s.first == nil {
				s.first = out.Err
				if s.failfast && !s.cancelled {
					s.mu.Unlock()
					s.Cancel()
					s.mu.Lock()
				}
			} else {
				s.suppressed = append(s.suppressed, out.Err)
			}
		}
	}

	if s.joining && s.live == 0 && !s.finished {
		s.finishLocked()
		return
	}
	s.mu.Unlock()
}

// finishLocked tears the scope down: deregisters it, wakes joiners, and
// closes the barrier. Called with s.mu held; unlocks it.
func (s *Scope) finishLocked() {
	s.finished = true
	wakers := s.joinWakers
	s.joinWakers = nil
	done := s.done
	s.mu.Unlock()

	s.rt.scopesMu.Lock()
	delete(s.rt.scopes, s.id)
	s.rt.scopesMu.Unlock()
	if s.detached {
		s.rt.orphans.remove(s.id)
	}
	if s.parent != nil {
		s.parent.removeChildScope(s.id)
	}
	trace.Point(s.rt.tracer, trace.ScopeTask, "scope", fmt.Sprintf("close scope=%d", s.id))

	close(done)
	for _, w := range wakers {
		w.Wake()
	}
}

// err assembles the scope result under no lock contention concerns:
// first failure wins, the rest ride along as suppressed.
func (s *Scope) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first == nil {
		return nil
	}
	return &ScopeError{First: s.first, Suppressed: s.suppressed}
}

// beginJoin flips the scope into its joining phase. Returns true if the
// barrier is already released.
func (s *Scope) beginJoin() bool {
	s.mu.Lock()
	s.joining = true
	if s.live == 0 && !s.finished {
		s.finishLocked()
		return true
	}
	finished := s.finished
	s.mu.Unlock()
	return finished
}

// Join blocks the calling OS thread until every child completes and
// returns the aggregated error, if any. Host-code counterpart of
// JoinOp.
func (s *Scope) Join() error {
	if s == nil {
		return fmt.Errorf("asyncrt: join on nil scope")
	}
	if !s.beginJoin() {
		<-s.done
	}
	return s.err()
}

// addJoinWaker registers a waker fired at barrier release. Returns
// false when the scope is already finished.
func (s *Scope) addJoinWaker(w Waker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.joinWakers = append(s.joinWakers, w)
	return true
}

// ScopeJoinOp is the suspension-point form of scope join, polled by
// lowered code from inside a task.
type ScopeJoinOp struct {
	s      *Scope
	parked bool
}

// JoinOp returns a poll-able join for the scope barrier.
func (s *Scope) JoinOp() *ScopeJoinOp { return &ScopeJoinOp{s: s} }

// Poll advances the join: Pending until every child has completed, then
// Ready carrying the scope's aggregated error.
func (op *ScopeJoinOp) Poll(tc *TaskContext) (Poll, error) {
	if op == nil || op.s == nil {
		return Poll{}, fmt.Errorf("asyncrt: join on nil scope")
	}
	if op.s.beginJoin() {
		return Ready(nil), op.s.err()
	}
	if !op.parked {
		if !op.s.addJoinWaker(tc.Waker()) {
			return Ready(nil), op.s.err()
		}
		op.parked = true
	}
	op.s.mu.Lock()
	finished := op.s.finished
	op.s.mu.Unlock()
	if finished {
		return Ready(nil), op.s.err()
	}
	return Pending(), nil
}

// Concurrent runs body with a fresh failfast scope and joins it before
// returning: children spawned by body cannot outlive the call. A panic
// in body cancels the children, waits for them, and then re-raises.
// Host-code entry point; lowered code opens scopes explicitly.
func (rt *Runtime) Concurrent(body func(*Scope) error) error {
	s, err := rt.NewScope(nil, ScopeOptions{Failfast: true})
	if err != nil {
		return err
	}

	var rec any
	var bodyErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				rec = r
				s.Cancel()
			}
		}()
		bodyErr = body(s)
	}()
	if rec != nil {
		_ = s.Join()
		panic(rec)
	}
	if bodyErr != nil {
		s.Cancel()
	}
	joinErr := s.Join()
	if bodyErr != nil {
		return bodyErr
	}
	return joinErr
}

// Detach runs body against a fresh detached root scope and returns
// without joining it: children outlive the caller and are tracked in
// the orphan registry until the scope finishes or shutdown cancels it.
// The returned scope lets the host cancel or join later. A body error
// cancels the scope's children before returning.
func (rt *Runtime) Detach(body func(*Scope) error) (*Scope, error) {
	s, err := rt.NewScope(nil, ScopeOptions{Failfast: true, Detached: true})
	if err != nil {
		return nil, err
	}
	if err := body(s); err != nil {
		s.Cancel()
		return s, err
	}
	return s, nil
}

// orphanRegistry tracks detached scopes so shutdown can cancel and
// account for them instead of leaking silently.
type orphanRegistry struct {
	mu     sync.Mutex
	scopes map[ScopeID]*Scope
}

func newOrphanRegistry() *orphanRegistry {
	return &orphanRegistry{scopes: make(map[ScopeID]*Scope)}
}

func (r *orphanRegistry) add(s *Scope) {
	r.mu.Lock()
	r.scopes[s.id] = s
	r.mu.Unlock()
}

func (r *orphanRegistry) remove(id ScopeID) {
	r.mu.Lock()
	delete(r.scopes, id)
	r.mu.Unlock()
}

func (r *orphanRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scopes)
}

func (r *orphanRegistry) cancelAll() {
	r.mu.Lock()
	scopes := make([]*Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		scopes = append(scopes, s)
	}
	r.mu.Unlock()
	for _, s := range scopes {
		s.Cancel()
	}
}
