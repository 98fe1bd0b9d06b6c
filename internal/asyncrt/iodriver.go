package asyncrt

import (
	"errors"
	"sync"
	"syscall"

	"indent/internal/reactor"
)

const ioEventBatch = 128

// ioSource is the per-descriptor registration: latched readiness plus
// the wakers parked on each direction.
type ioSource struct {
	fd int

	mu          sync.Mutex
	interest    reactor.Interest
	readReady   bool
	writeReady  bool
	errCond     bool
	readWaiters []Waker
	writeWaiter []Waker
}

// ioDriver bridges the reactor to the scheduler: registrations map
// descriptors to parked tasks, and the timekeeper's reactor wait
// doubles as the timer park, so readiness needs no dedicated thread.
type ioDriver struct {
	rt *Runtime
	r  *reactor.Reactor

	mu      sync.Mutex
	sources map[int]*ioSource

	events []reactor.Event
}

func newIODriver(rt *Runtime) (*ioDriver, error) {
	r, err := reactor.New()
	if err != nil {
		if errors.Is(err, reactor.ErrUnsupported) {
			return nil, &IOError{Op: "open", Kind: IOErrUnsupported, Err: err}
		}
		return nil, &IOError{Op: "open", Kind: classifyErrno(err), Err: err}
	}
	return &ioDriver{
		rt:      rt,
		r:       r,
		sources: make(map[int]*ioSource),
		events:  make([]reactor.Event, ioEventBatch),
	}, nil
}

// register parks a waker on a direction of fd, adding or widening the
// reactor registration as needed.
func (d *ioDriver) register(fd int, interest reactor.Interest, w Waker) error {
	d.mu.Lock()
	src, known := d.sources[fd]
	if !known {
		src = &ioSource{fd: fd}
		d.sources[fd] = src
	}
	d.mu.Unlock()

	src.mu.Lock()
	if interest.Has(reactor.Readable) {
		src.readWaiters = append(src.readWaiters, w)
	}
	if interest.Has(reactor.Writable) {
		src.writeWaiter = append(src.writeWaiter, w)
	}
	want := src.interest | interest
	narrow := src.interest
	src.interest = want
	src.mu.Unlock()

	if narrow == want {
		return nil
	}
	var err error
	if narrow == 0 {
		err = d.r.Add(fd, want)
	} else {
		err = d.r.Modify(fd, want)
	}
	if err != nil {
		src.mu.Lock()
		src.interest = narrow
		src.mu.Unlock()
		return &IOError{Op: "register", Kind: classifyErrno(err), Err: err}
	}
	d.r.Wakeup()
	return nil
}

// deregister removes the descriptor entirely, e.g. before closing it.
func (d *ioDriver) deregister(fd int) error {
	d.mu.Lock()
	src := d.sources[fd]
	delete(d.sources, fd)
	d.mu.Unlock()
	if src == nil {
		return nil
	}
	if err := d.r.Remove(fd); err != nil {
		return &IOError{Op: "deregister", Kind: classifyErrno(err), Err: err}
	}
	src.mu.Lock()
	waiters := append(src.readWaiters, src.writeWaiter...)
	src.readWaiters, src.writeWaiter = nil, nil
	src.errCond = true
	src.mu.Unlock()
	wakeAll(waiters)
	return nil
}

// wait blocks in the reactor up to timeoutMs and dispatches readiness
// to parked tasks. Returns the number of tasks woken.
func (d *ioDriver) wait(timeoutMs int64) int {
	n, err := d.r.Wait(d.events, int(timeoutMs))
	if err != nil {
		return 0
	}
	woken := 0
	for i := 0; i < n; i++ {
		ev := d.events[i]
		d.mu.Lock()
		src := d.sources[ev.FD]
		d.mu.Unlock()
		if src == nil {
			continue
		}
		var waiters []Waker
		src.mu.Lock()
		if ev.Err {
			src.errCond = true
		}
		if ev.Readable || ev.Err {
			src.readReady = true
			waiters = append(waiters, src.readWaiters...)
			src.readWaiters = nil
		}
		if ev.Writable || ev.Err {
			src.writeReady = true
			waiters = append(waiters, src.writeWaiter...)
			src.writeWaiter = nil
		}
		src.mu.Unlock()
		woken += len(waiters)
		wakeAll(waiters)
	}
	return woken
}

func (d *ioDriver) wakeup() {
	_ = d.r.Wakeup()
}

func (d *ioDriver) close() {
	_ = d.r.Close()
}

// consumeReady checks and clears the latched readiness of a direction.
func (d *ioDriver) consumeReady(fd int, interest reactor.Interest) (ready bool, errCond bool) {
	d.mu.Lock()
	src := d.sources[fd]
	d.mu.Unlock()
	if src == nil {
		return false, false
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if interest.Has(reactor.Readable) && src.readReady {
		src.readReady = false
		return true, src.errCond
	}
	if interest.Has(reactor.Writable) && src.writeReady {
		src.writeReady = false
		return true, src.errCond
	}
	return false, src.errCond
}

// classifyErrno maps an OS error to the runtime's I/O error taxonomy.
func classifyErrno(err error) IOErrorKind {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return IOErrOther
	}
	switch errno {
	case syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM, syscall.ENOBUFS:
		return IOErrExhausted
	case syscall.EBADF:
		return IOErrClosed
	case syscall.EINTR:
		return IOErrInterrupted
	default:
		return IOErrOther
	}
}

// IOOp suspends the polling task until a descriptor direction is ready.
// Readiness, not completion: the caller performs the actual syscall
// after Ready and re-awaits on EAGAIN.
type IOOp struct {
	fd         int
	interest   reactor.Interest
	registered bool
}

// AwaitReadable returns a poll-able wait for read-readiness of fd.
func AwaitReadable(fd int) *IOOp { return &IOOp{fd: fd, interest: reactor.Readable} }

// AwaitWritable returns a poll-able wait for write-readiness of fd.
func AwaitWritable(fd int) *IOOp { return &IOOp{fd: fd, interest: reactor.Writable} }

// Poll registers interest on first call and completes when the reactor
// reports the direction ready. An error or hangup condition on the
// descriptor also completes the wait, so the caller's next syscall
// surfaces the concrete errno.
func (op *IOOp) Poll(tc *TaskContext) (Poll, error) {
	d := tc.Runtime().driver
	if d == nil {
		return Poll{}, &IOError{Op: "await", Kind: IOErrUnsupported}
	}
	if op.registered {
		if ready, _ := d.consumeReady(op.fd, op.interest); ready {
			return Ready(nil), nil
		}
		if err := tc.Err(); err != nil {
			return Poll{}, err
		}
		// Spurious wake; re-park on the same direction.
		if err := d.register(op.fd, op.interest, tc.Waker()); err != nil {
			return Poll{}, err
		}
		return Pending(), nil
	}
	if err := tc.Err(); err != nil {
		return Poll{}, err
	}
	if err := d.register(op.fd, op.interest, tc.Waker()); err != nil {
		return Poll{}, err
	}
	op.registered = true
	// The edge may have been latched before registration.
	if ready, _ := d.consumeReady(op.fd, op.interest); ready {
		return Ready(nil), nil
	}
	return Pending(), nil
}

// DeregisterFD removes a descriptor from the reactor, waking any tasks
// still parked on it. Call before closing the descriptor.
func (rt *Runtime) DeregisterFD(fd int) error {
	if rt == nil || rt.driver == nil {
		return nil
	}
	return rt.driver.deregister(fd)
}
