package asyncrt

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Sentinel errors for scheduler-level failure conditions.
var (
	// ErrShutdown is reported to tasks that are still pending when the
	// runtime begins teardown.
	ErrShutdown = errors.New("asyncrt: scheduler shutdown in progress")

	// ErrCancelled is reported by a task that observed its cancellation
	// flag at a checkpoint and unwound cooperatively.
	ErrCancelled = errors.New("asyncrt: task cancelled")

	// ErrPoolExhausted is returned when the blocking pool is at its
	// thread ceiling. Callers see explicit backpressure instead of a
	// silent deadlock.
	ErrPoolExhausted = errors.New("asyncrt: blocking pool at ceiling")

	// ErrStackCeiling is returned when a stack growth request would
	// exceed the configured segment ceiling.
	ErrStackCeiling = errors.New("asyncrt: stack ceiling exceeded")

	// ErrScopeClosed is returned when spawning into a scope whose join
	// barrier has already released.
	ErrScopeClosed = errors.New("asyncrt: scope already joined")

	// ErrChannelClosed is returned on send to a closed channel. Receives
	// on a closed channel drain the buffer and then report closure
	// without error.
	ErrChannelClosed = errors.New("asyncrt: send on closed channel")
)

func errorsIsCancelled(err error) bool {
	return err != nil && errors.Is(err, ErrCancelled)
}

func errorsIsPanic(err error) bool {
	var pe *PanicError
	return err != nil && errors.As(err, &pe)
}

// PanicError wraps a panic recovered at a task boundary together with
// the stack captured at the point of the panic. Panics never cross task
// boundaries silently; they become the task's result and are delivered
// at join.
type PanicError struct {
	// Value is the original value passed to panic().
	Value any

	// Stack is the goroutine stack trace at the point of panic.
	Stack string
}

// Error returns the panic value and the captured stack.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panic: %v\n\n%s", e.Value, e.Stack)
}

func newPanicError(v any) *PanicError {
	// runtime.Stack truncates gracefully if the buffer is too small.
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return &PanicError{Value: v, Stack: string(buf[:n])}
}

// TimeoutError reports that a timer arm fired before the raced
// operation completed.
type TimeoutError struct {
	After time.Duration
}

// Error returns a description including the elapsed deadline.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("asyncrt: timed out after %v", e.After)
}

// IOErrorKind classifies an I/O failure by OS errno category.
type IOErrorKind uint8

const (
	// IOErrOther covers errno values with no dedicated category.
	IOErrOther IOErrorKind = iota
	// IOErrExhausted covers resource exhaustion (EMFILE, ENFILE, ENOMEM, ENOBUFS).
	IOErrExhausted
	// IOErrClosed covers operations on closed or invalid descriptors (EBADF).
	IOErrClosed
	// IOErrInterrupted covers EINTR.
	IOErrInterrupted
	// IOErrUnsupported covers platforms without a reactor backend.
	IOErrUnsupported
)

// String returns the string representation of IOErrorKind.
func (k IOErrorKind) String() string {
	switch k {
	case IOErrOther:
		return "other"
	case IOErrExhausted:
		return "exhausted"
	case IOErrClosed:
		return "closed"
	case IOErrInterrupted:
		return "interrupted"
	case IOErrUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// IOError is the typed error surfaced to a task awaiting an I/O
// operation. The reactor itself never crashes the scheduler; failures
// are delivered here.
type IOError struct {
	Op   string
	Kind IOErrorKind
	Err  error
}

// Error returns the operation, category, and underlying errno text.
func (e *IOError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("asyncrt: io %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("asyncrt: io %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying OS error.
func (e *IOError) Unwrap() error { return e.Err }

// ScopeError aggregates child failures from a concurrent scope. The
// first failure wins; the rest are attached as suppressed.
type ScopeError struct {
	First      error
	Suppressed []error
}

// Error returns the primary error followed by a suppressed count.
func (e *ScopeError) Error() string {
	if len(e.Suppressed) == 0 {
		return e.First.Error()
	}
	var sb strings.Builder
	sb.WriteString(e.First.Error())
	fmt.Fprintf(&sb, " (+%d suppressed)", len(e.Suppressed))
	return sb.String()
}

// Unwrap returns the primary error.
func (e *ScopeError) Unwrap() error { return e.First }
