package asyncrt

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScopeJoinWaitsForAllChildren(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 4})

	var completed atomic.Int64
	err := rt.Concurrent(func(s *Scope) error {
		for i := 0; i < 50; i++ {
			sleep := SleepFor(time.Duration(1+i%5) * time.Millisecond)
			_, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
				p, err := sleep.Poll(tc)
				if err != nil {
					return Poll{}, err
				}
				if !p.Done {
					return Pending(), nil
				}
				completed.Add(1)
				return Ready(nil), nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Concurrent: %v", err)
	}
	if got := completed.Load(); got != 50 {
		t.Fatalf("completed = %d, want 50", got)
	}
}

func TestScopeFailfastCancelsSiblings(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 4})

	boom := errors.New("boom")
	var sawCancel atomic.Bool
	err := rt.Concurrent(func(s *Scope) error {
		// A sibling that parks until cancelled.
		if _, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
			if err := tc.Err(); err != nil {
				sawCancel.Store(true)
				return Poll{}, err
			}
			return Pending(), nil
		}); err != nil {
			return err
		}
		// A child that fails immediately.
		if _, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
			return Poll{}, boom
		}); err != nil {
			return err
		}
		return nil
	})

	var se *ScopeError
	if !errors.As(err, &se) {
		t.Fatalf("Concurrent err = %v, want ScopeError", err)
	}
	if !errors.Is(se.First, boom) {
		t.Fatalf("First = %v, want %v", se.First, boom)
	}
	if !sawCancel.Load() {
		t.Fatal("sibling did not observe cancellation")
	}
}

func TestScopePanicInChildDeliveredAtJoin(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	err := rt.Concurrent(func(s *Scope) error {
		_, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
			panic("child blew up")
		})
		return err
	})

	var se *ScopeError
	if !errors.As(err, &se) {
		t.Fatalf("Concurrent err = %v, want ScopeError", err)
	}
	var pe *PanicError
	if !errors.As(se.First, &pe) {
		t.Fatalf("First = %v, want PanicError", se.First)
	}
}

func TestScopeSuppressedErrors(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 1})

	first := errors.New("first")
	second := errors.New("second")
	s, err := rt.NewScope(nil, ScopeOptions{})
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	if _, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
		return Poll{}, first
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
		return Poll{}, second
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	err = s.Join()
	var se *ScopeError
	if !errors.As(err, &se) {
		t.Fatalf("Join err = %v, want ScopeError", err)
	}
	if len(se.Suppressed) != 1 {
		t.Fatalf("Suppressed = %d errors, want 1", len(se.Suppressed))
	}
}

func TestSpawnIntoCancelledScopeStartsCancelled(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	s, err := rt.NewScope(nil, ScopeOptions{})
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	s.Cancel()

	h, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
		if err := tc.Err(); err != nil {
			return Poll{}, err
		}
		return Ready("ran to completion"), nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := h.Join(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Join err = %v, want ErrCancelled", err)
	}
	_ = s.Join()
}

func TestSpawnAfterJoinFails(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 1})

	s, err := rt.NewScope(nil, ScopeOptions{})
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	if err := s.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
		return Ready(nil), nil
	}); !errors.Is(err, ErrScopeClosed) {
		t.Fatalf("Spawn err = %v, want ErrScopeClosed", err)
	}
}

func TestDetachedScopeOutlivesCreatorAndDrains(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	detached, err := rt.NewScope(nil, ScopeOptions{Detached: true})
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}
	if rt.Stats().OrphanScopes != 1 {
		t.Fatalf("OrphanScopes = %d, want 1", rt.Stats().OrphanScopes)
	}

	done := make(chan struct{})
	if _, err := detached.Spawn(nil, func(tc *TaskContext) (Poll, error) {
		close(done)
		return Ready(nil), nil
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	<-done
	if err := detached.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if rt.Stats().OrphanScopes != 0 {
		t.Fatalf("OrphanScopes after join = %d, want 0", rt.Stats().OrphanScopes)
	}
}

func TestDetachReturnsWithoutJoining(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	release := make(chan struct{})
	s, err := rt.Detach(func(s *Scope) error {
		_, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
			select {
			case <-release:
				return Ready(nil), nil
			default:
			}
			if err := tc.Err(); err != nil {
				return Poll{}, err
			}
			tc.Waker().Wake()
			return Pending(), nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}

	// Detach must not block on the still-running child.
	if rt.Stats().OrphanScopes != 1 {
		t.Fatalf("OrphanScopes = %d, want 1", rt.Stats().OrphanScopes)
	}

	close(release)
	if err := s.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if rt.Stats().OrphanScopes != 0 {
		t.Fatalf("OrphanScopes after join = %d, want 0", rt.Stats().OrphanScopes)
	}
}

func TestNestedScopeCancelPropagates(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	outer, err := rt.NewScope(nil, ScopeOptions{})
	if err != nil {
		t.Fatalf("NewScope: %v", err)
	}

	innerCh := make(chan *Scope, 1)
	if _, err := outer.Spawn(nil, func(tc *TaskContext) (Poll, error) {
		inner, err := rt.NewScope(tc, ScopeOptions{})
		if err != nil {
			return Poll{}, err
		}
		innerCh <- inner
		return Ready(nil), nil
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	inner := <-innerCh

	outer.Cancel()
	if !inner.Cancelled() {
		t.Fatal("nested scope not cancelled with its parent")
	}
	_ = inner.Join()
	_ = outer.Join()
}
