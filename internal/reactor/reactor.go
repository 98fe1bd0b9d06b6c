// Package reactor wraps the platform readiness facility (epoll on
// Linux, kqueue on Darwin) behind a small edge-agnostic surface. It
// knows nothing about tasks or wakers; the scheduler's I/O driver maps
// file descriptors back to suspended work.
package reactor

import "errors"

// ErrUnsupported is returned by New on platforms without a backend.
var ErrUnsupported = errors.New("reactor: no readiness backend on this platform")

// Interest selects the readiness directions to watch.
type Interest uint8

const (
	// Readable requests read-readiness notification.
	Readable Interest = 1 << iota
	// Writable requests write-readiness notification.
	Writable
)

// Has reports whether i includes want.
func (i Interest) Has(want Interest) bool { return i&want != 0 }

// Event is one readiness notification. Err marks an error or hangup
// condition on the descriptor; the owning code surfaces the concrete
// errno on its next operation.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Err      bool
}

// Reactor is a platform readiness poller. A single goroutine calls
// Wait; registration and Wakeup are safe from any goroutine.
type Reactor struct {
	be backend
}

// New opens the platform backend.
func New() (*Reactor, error) {
	be, err := newBackend()
	if err != nil {
		return nil, err
	}
	return &Reactor{be: be}, nil
}

// Add registers a descriptor for the given interest.
func (r *Reactor) Add(fd int, interest Interest) error { return r.be.add(fd, interest) }

// Modify changes the watched interest of a registered descriptor.
func (r *Reactor) Modify(fd int, interest Interest) error { return r.be.modify(fd, interest) }

// Remove deregisters a descriptor.
func (r *Reactor) Remove(fd int) error { return r.be.remove(fd) }

// Wait blocks up to timeoutMs (negative blocks indefinitely, zero polls)
// and fills events with ready descriptors. Interrupted waits return 0.
func (r *Reactor) Wait(events []Event, timeoutMs int) (int, error) {
	return r.be.wait(events, timeoutMs)
}

// Wakeup interrupts a concurrent Wait.
func (r *Reactor) Wakeup() error { return r.be.wakeup() }

// Close releases the backend.
func (r *Reactor) Close() error { return r.be.close() }

type backend interface {
	add(fd int, interest Interest) error
	modify(fd int, interest Interest) error
	remove(fd int) error
	wait(events []Event, timeoutMs int) (int, error)
	wakeup() error
	close() error
}
