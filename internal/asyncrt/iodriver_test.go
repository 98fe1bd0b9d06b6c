//go:build linux || darwin

package asyncrt

import (
	"os"
	"testing"
	"time"
)

func TestAwaitReadablePipe(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	rfd := int(r.Fd())

	op := AwaitReadable(rfd)
	h, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
		p, err := op.Poll(tc)
		if err != nil {
			return Poll{}, err
		}
		if !p.Done {
			return Pending(), nil
		}
		buf := make([]byte, 1)
		if _, err := r.Read(buf); err != nil {
			return Poll{}, err
		}
		return Ready(buf[0]), nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := w.Write([]byte{0x7F}); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, err := h.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if v.(byte) != 0x7F {
		t.Fatalf("read %v, want 0x7F", v)
	}
	if err := rt.DeregisterFD(rfd); err != nil {
		t.Fatalf("DeregisterFD: %v", err)
	}
}

func TestAwaitWritablePipe(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	wfd := int(w.Fd())

	// An empty pipe is writable as soon as the reactor looks at it.
	op := AwaitWritable(wfd)
	h, err := rt.Spawn(op.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := h.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := rt.DeregisterFD(wfd); err != nil {
		t.Fatalf("DeregisterFD: %v", err)
	}
}
