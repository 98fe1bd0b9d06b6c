package asyncrt

import (
	"errors"
	"testing"
)

// countingAllocator tracks allocate/release pairs.
type countingAllocator struct {
	allocs   int
	releases int
}

func (a *countingAllocator) Allocate(size int) ([]byte, error) {
	a.allocs++
	return make([]byte, size), nil
}

func (a *countingAllocator) Release([]byte) { a.releases++ }

func TestStackReserveWithinSegment(t *testing.T) {
	s, err := newStack(nil, 64, 1024)
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	a, err := s.Reserve(16)
	if err != nil || len(a) != 16 {
		t.Fatalf("Reserve = (%d bytes, %v)", len(a), err)
	}
	b, err := s.Reserve(16)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	a[0] = 1
	b[0] = 2
	if a[0] != 1 {
		t.Fatal("reservations alias each other")
	}
	if s.Segments() != 1 || s.Size() != 64 {
		t.Fatalf("segments=%d size=%d, want one 64-byte segment", s.Segments(), s.Size())
	}
}

func TestStackGrowthDoubles(t *testing.T) {
	s, err := newStack(nil, 64, 4096)
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	if _, err := s.Reserve(64); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := s.Reserve(1); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if s.Segments() != 2 || s.Size() != 64+128 {
		t.Fatalf("segments=%d size=%d, want doubled growth segment", s.Segments(), s.Size())
	}
}

func TestStackOversizedFrameGetsOwnSegment(t *testing.T) {
	s, err := newStack(nil, 64, 4096)
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	seg, err := s.Reserve(500)
	if err != nil || len(seg) != 500 {
		t.Fatalf("Reserve(500) = (%d bytes, %v)", len(seg), err)
	}
	if s.Size() != 64+500 {
		t.Fatalf("size = %d, want 564", s.Size())
	}
}

func TestStackCeiling(t *testing.T) {
	s, err := newStack(nil, 64, 128)
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	if _, err := s.Reserve(64); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// 64 bytes of headroom remain under the ceiling.
	if _, err := s.Reserve(64); err != nil {
		t.Fatalf("Reserve at ceiling: %v", err)
	}
	if _, err := s.Reserve(1); !errors.Is(err, ErrStackCeiling) {
		t.Fatalf("Reserve beyond ceiling err = %v, want ErrStackCeiling", err)
	}
}

func TestStackResetKeepsInitialSegment(t *testing.T) {
	alloc := &countingAllocator{}
	s, err := newStack(alloc, 64, 4096)
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	if _, err := s.Reserve(200); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if s.Segments() != 2 {
		t.Fatalf("segments = %d, want 2 before reset", s.Segments())
	}

	s.Reset()
	if s.Segments() != 1 || s.Size() != 64 {
		t.Fatalf("segments=%d size=%d after reset, want initial only", s.Segments(), s.Size())
	}
	if alloc.releases != 1 {
		t.Fatalf("releases = %d, want 1", alloc.releases)
	}

	// The initial segment is reusable after reset.
	if _, err := s.Reserve(32); err != nil {
		t.Fatalf("Reserve after reset: %v", err)
	}

	s.release()
	if alloc.releases != alloc.allocs {
		t.Fatalf("allocs=%d releases=%d, want balanced", alloc.allocs, alloc.releases)
	}
}

func TestTaskStackAccessible(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 1, StackInitial: 128, StackCeiling: 512})

	h, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
		frame, err := tc.Stack().Reserve(64)
		if err != nil {
			return Poll{}, err
		}
		frame[0] = 0xAB
		return Ready(int(frame[0])), nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	v, err := h.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if v.(int) != 0xAB {
		t.Fatalf("result = %v, want 171", v)
	}
}
