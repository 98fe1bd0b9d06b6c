package asyncrt

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBlockingDoesNotStallScheduler(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 1, BlockingCeiling: 4})

	release := make(chan struct{})
	block := Blocking(func() (any, error) {
		<-release
		return "slow", nil
	})
	slow, err := rt.Spawn(block.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// The single worker must keep making progress while the closure holds
	// a pool thread.
	var done atomic.Int64
	for i := 0; i < 20; i++ {
		h, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
			done.Add(1)
			return Ready(nil), nil
		})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		if _, err := h.Join(); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	if done.Load() != 20 {
		t.Fatalf("completed %d tasks while blocked, want 20", done.Load())
	}

	close(release)
	v, err := slow.Join()
	if err != nil {
		t.Fatalf("blocking Join: %v", err)
	}
	if v.(string) != "slow" {
		t.Fatalf("blocking result = %v, want slow", v)
	}
	if rt.Stats().BlockingRuns != 1 {
		t.Fatalf("BlockingRuns = %d, want 1", rt.Stats().BlockingRuns)
	}
}

func TestBlockingPoolCeiling(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2, BlockingCeiling: 2})

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	occupy := func() (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}

	var holders []*Handle
	for i := 0; i < 2; i++ {
		op := Blocking(occupy)
		h, err := rt.Spawn(op.Poll)
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		holders = append(holders, h)
	}

	// Both pool threads are now inside their closures.
	<-started
	<-started

	op := Blocking(func() (any, error) { return nil, nil })
	h, err := rt.Spawn(op.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := h.Join(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Join err = %v, want ErrPoolExhausted", err)
	}

	release <- struct{}{}
	release <- struct{}{}
	for _, h := range holders {
		if _, err := h.Join(); err != nil {
			t.Fatalf("holder Join: %v", err)
		}
	}
}

func TestBlockingPanicCaptured(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 1})

	op := Blocking(func() (any, error) {
		panic("thread blew up")
	})
	h, err := rt.Spawn(op.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_, err = h.Join()
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Join err = %v, want PanicError", err)
	}
	if pe.Value != "thread blew up" {
		t.Fatalf("panic value = %v", pe.Value)
	}
}

func TestBlockingResultValue(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	op := Blocking(func() (any, error) {
		time.Sleep(5 * time.Millisecond)
		return 1234, nil
	})
	h, err := rt.Spawn(op.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	v, err := h.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if v.(int) != 1234 {
		t.Fatalf("result = %v, want 1234", v)
	}
}

func TestBlockingThreadReuse(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2, BlockingCeiling: 1})

	for i := 0; i < 5; i++ {
		op := Blocking(func() (any, error) { return i, nil })
		h, err := rt.Spawn(op.Poll)
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		if _, err := h.Join(); err != nil {
			t.Fatalf("Join %d: %v", i, err)
		}
	}
	if got := rt.Stats().BlockingRuns; got != 5 {
		t.Fatalf("BlockingRuns = %d, want 5", got)
	}
}
