package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"fortio.org/safecast"
)

// kqueueBackend drives kqueue with an EVFILT_USER event for wakeup.
type kqueueBackend struct {
	kq int

	mu  sync.Mutex
	evs []unix.Kevent_t
}

const wakeIdent = 0

func newBackend() (backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("reactor: kqueue: %w", err)
	}
	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, fmt.Errorf("reactor: register wake event: %w", err)
	}
	return &kqueueBackend{kq: kq}, nil
}

func (b *kqueueBackend) changes(fd int, interest Interest, flags uint16) ([]unix.Kevent_t, error) {
	ident, err := safecast.Conv[uint64](fd)
	if err != nil {
		return nil, fmt.Errorf("reactor: fd out of range: %w", err)
	}
	var chs []unix.Kevent_t
	if interest.Has(Readable) {
		chs = append(chs, unix.Kevent_t{Ident: ident, Filter: unix.EVFILT_READ, Flags: flags})
	}
	if interest.Has(Writable) {
		chs = append(chs, unix.Kevent_t{Ident: ident, Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return chs, nil
}

func (b *kqueueBackend) add(fd int, interest Interest) error {
	chs, err := b.changes(fd, interest, unix.EV_ADD)
	if err != nil {
		return err
	}
	if _, err := unix.Kevent(b.kq, chs, nil, nil); err != nil {
		return fmt.Errorf("reactor: kevent add fd=%d: %w", fd, err)
	}
	return nil
}

func (b *kqueueBackend) modify(fd int, interest Interest) error {
	// kqueue filters are independent; re-adding replaces, and the
	// unwatched direction is deleted best-effort.
	if err := b.add(fd, interest); err != nil {
		return err
	}
	drop := ^interest & (Readable | Writable)
	if drop != 0 {
		if chs, err := b.changes(fd, drop, unix.EV_DELETE); err == nil {
			_, _ = unix.Kevent(b.kq, chs, nil, nil)
		}
	}
	return nil
}

func (b *kqueueBackend) remove(fd int) error {
	chs, err := b.changes(fd, Readable|Writable, unix.EV_DELETE)
	if err != nil {
		return err
	}
	// One direction may not be registered; ENOENT there is fine.
	for _, ch := range chs {
		if _, err := unix.Kevent(b.kq, []unix.Kevent_t{ch}, nil, nil); err != nil && err != unix.ENOENT {
			return fmt.Errorf("reactor: kevent del fd=%d: %w", fd, err)
		}
	}
	return nil
}

func (b *kqueueBackend) wait(events []Event, timeoutMs int) (int, error) {
	b.mu.Lock()
	if cap(b.evs) < len(events) {
		b.evs = make([]unix.Kevent_t, len(events))
	}
	evs := b.evs[:len(events)]
	b.mu.Unlock()

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, evs, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("reactor: kevent wait: %w", err)
	}

	out := 0
	for i := 0; i < n; i++ {
		ev := evs[i]
		if ev.Filter == unix.EVFILT_USER && ev.Ident == wakeIdent {
			continue
		}
		e := Event{
			FD:  int(ev.Ident),
			Err: ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0,
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.Readable = true
		case unix.EVFILT_WRITE:
			e.Writable = true
		}
		events[out] = e
		out++
	}
	return out, nil
}

func (b *kqueueBackend) wakeup() error {
	trigger := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{trigger}, nil, nil); err != nil {
		return fmt.Errorf("reactor: wakeup: %w", err)
	}
	return nil
}

func (b *kqueueBackend) close() error {
	return unix.Close(b.kq)
}
