package asyncrt

// StackAllocator supplies raw stack segments for task frames. Stack
// memory is owned by an external region allocator; the runtime only
// requests and releases segments, it never implements allocation.
type StackAllocator interface {
	// Allocate returns a zeroed segment of exactly size bytes.
	Allocate(size int) ([]byte, error)
	// Release returns a segment obtained from Allocate.
	Release(seg []byte)
}

// heapStackAllocator is the default allocator used when no external
// allocator is configured. Segments come from the Go heap.
type heapStackAllocator struct{}

func (heapStackAllocator) Allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (heapStackAllocator) Release([]byte) {}

// Stack is a task's growable segmented stack. It starts at a small
// initial segment and doubles per growth step up to a configured
// ceiling. Lowered code reserves frame storage through it; segments are
// never moved, so reserved slices stay valid until Release.
type Stack struct {
	alloc    StackAllocator
	segments [][]byte
	top      int // bytes used in the last segment
	size     int // total bytes allocated across segments
	ceiling  int
}

func newStack(alloc StackAllocator, initial, ceiling int) (*Stack, error) {
	if alloc == nil {
		alloc = heapStackAllocator{}
	}
	if initial <= 0 {
		initial = DefaultStackInitial
	}
	if ceiling < initial {
		ceiling = initial
	}
	seg, err := alloc.Allocate(initial)
	if err != nil {
		return nil, err
	}
	return &Stack{
		alloc:    alloc,
		segments: [][]byte{seg},
		size:     initial,
		ceiling:  ceiling,
	}, nil
}

// Reserve returns n contiguous bytes of frame storage, growing the
// stack by a fresh segment when the current one is exhausted. Returns
// ErrStackCeiling if growth would exceed the ceiling.
func (s *Stack) Reserve(n int) ([]byte, error) {
	if s == nil || n <= 0 {
		return nil, nil
	}
	last := s.segments[len(s.segments)-1]
	if s.top+n <= len(last) {
		out := last[s.top : s.top+n]
		s.top += n
		return out, nil
	}
	// Double per growth step; a single oversized frame gets a segment
	// of its own size.
	next := len(last) * 2
	if next < n {
		next = n
	}
	if s.size+next > s.ceiling {
		next = s.ceiling - s.size
		if next < n {
			return nil, ErrStackCeiling
		}
	}
	seg, err := s.alloc.Allocate(next)
	if err != nil {
		return nil, err
	}
	s.segments = append(s.segments, seg)
	s.size += next
	s.top = n
	return seg[:n], nil
}

// Reset unwinds all frames, releasing growth segments back to the
// allocator and keeping only the initial one. Called when the state
// machine returns to its suspension boundary and no reserved frame
// storage remains live.
func (s *Stack) Reset() {
	if s == nil {
		return
	}
	for len(s.segments) > 1 {
		last := s.segments[len(s.segments)-1]
		s.segments = s.segments[:len(s.segments)-1]
		s.size -= len(last)
		s.alloc.Release(last)
	}
	s.top = 0
}

// Size returns total bytes currently allocated to the stack.
func (s *Stack) Size() int {
	if s == nil {
		return 0
	}
	return s.size
}

// Segments returns the number of live segments.
func (s *Stack) Segments() int {
	if s == nil {
		return 0
	}
	return len(s.segments)
}

// release returns every segment to the allocator. Called exactly once,
// after the task's result has been delivered.
func (s *Stack) release() {
	if s == nil {
		return
	}
	for _, seg := range s.segments {
		s.alloc.Release(seg)
	}
	s.segments = nil
	s.size = 0
	s.top = 0
}
