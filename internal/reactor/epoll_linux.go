package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"fortio.org/safecast"
)

// epollBackend drives epoll with an eventfd for cross-thread wakeup.
type epollBackend struct {
	epfd   int
	wakeFD int

	mu  sync.Mutex
	evs []unix.EpollEvent
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	be := &epollBackend{epfd: epfd, wakeFD: wakeFD}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("reactor: register wake fd: %w", err)
	}
	return be, nil
}

func epollEvents(interest Interest) uint32 {
	var events uint32 = unix.EPOLLRDHUP
	if interest.Has(Readable) {
		events |= unix.EPOLLIN
	}
	if interest.Has(Writable) {
		events |= unix.EPOLLOUT
	}
	return events
}

func (b *epollBackend) ctl(op, fd int, interest Interest) error {
	fd32, err := safecast.Conv[int32](fd)
	if err != nil {
		return fmt.Errorf("reactor: fd out of range: %w", err)
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: fd32}
	if err := unix.EpollCtl(b.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl fd=%d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) add(fd int, interest Interest) error {
	return b.ctl(unix.EPOLL_CTL_ADD, fd, interest)
}

func (b *epollBackend) modify(fd int, interest Interest) error {
	return b.ctl(unix.EPOLL_CTL_MOD, fd, interest)
}

func (b *epollBackend) remove(fd int) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) wait(events []Event, timeoutMs int) (int, error) {
	b.mu.Lock()
	if cap(b.evs) < len(events) {
		b.evs = make([]unix.EpollEvent, len(events))
	}
	evs := b.evs[:len(events)]
	b.mu.Unlock()

	n, err := unix.EpollWait(b.epfd, evs, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	out := 0
	for i := 0; i < n; i++ {
		ev := evs[i]
		fd := int(ev.Fd)
		if fd == b.wakeFD {
			b.drainWake()
			continue
		}
		events[out] = Event{
			FD:       fd,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Err:      ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
		out++
	}
	return out, nil
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(b.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

func (b *epollBackend) wakeup() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(b.wakeFD, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("reactor: wakeup: %w", err)
	}
	return nil
}

func (b *epollBackend) close() error {
	err1 := unix.Close(b.wakeFD)
	err2 := unix.Close(b.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
