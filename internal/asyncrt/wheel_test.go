package asyncrt

import (
	"errors"
	"testing"
	"time"
)

func TestWheelFiresAtDeadline(t *testing.T) {
	clock := NewVirtualClock(0)
	w := newWheel(clock, nil)

	h := w.insert(10, Waker{})
	if h.Fired() {
		t.Fatal("timer fired before its deadline")
	}
	if fired := w.advance(9); fired != 0 {
		t.Fatalf("advance(9) fired %d timers, want 0", fired)
	}
	if fired := w.advance(10); fired != 1 {
		t.Fatalf("advance(10) fired %d timers, want 1", fired)
	}
	if !h.Fired() {
		t.Fatal("handle not marked fired")
	}
}

func TestWheelPastDeadlineFiresImmediately(t *testing.T) {
	clock := NewVirtualClock(100)
	w := newWheel(clock, nil)

	h := w.insert(50, Waker{})
	if !h.Fired() {
		t.Fatal("past deadline should fire at insert")
	}
}

func TestWheelCascadeAcrossLevels(t *testing.T) {
	clock := NewVirtualClock(0)
	w := newWheel(clock, nil)

	// Spread deadlines across level 0, 1 and 2 spans.
	deadlines := []uint64{3, 70, 5000, 300000}
	handles := make([]*TimerHandle, len(deadlines))
	for i, d := range deadlines {
		handles[i] = w.insert(d, Waker{})
	}

	for i, d := range deadlines {
		if handles[i].Fired() {
			t.Fatalf("timer %d fired early", i)
		}
		w.advance(d)
		if !handles[i].Fired() {
			t.Fatalf("timer %d (deadline %d) not fired at its deadline", i, d)
		}
		for j := i + 1; j < len(deadlines); j++ {
			if handles[j].Fired() {
				t.Fatalf("timer %d fired at %d, deadline is %d", j, d, deadlines[j])
			}
		}
	}
}

func TestWheelCancelBeforeFire(t *testing.T) {
	clock := NewVirtualClock(0)
	w := newWheel(clock, nil)

	h := w.insert(20, Waker{})
	if !h.Cancel() {
		t.Fatal("Cancel on pending timer should succeed")
	}
	if fired := w.advance(30); fired != 0 {
		t.Fatalf("cancelled timer fired (%d)", fired)
	}
	if h.Cancel() {
		t.Fatal("second Cancel should report already disarmed")
	}
	if _, found := w.nextDeadline(); found {
		t.Fatal("nextDeadline found work after lazy drop")
	}
}

func TestWheelNextDeadline(t *testing.T) {
	clock := NewVirtualClock(0)
	w := newWheel(clock, nil)

	if _, found := w.nextDeadline(); found {
		t.Fatal("empty wheel reported a deadline")
	}
	w.insert(500, Waker{})
	w.insert(40, Waker{})
	later := w.insert(100, Waker{})
	later.Cancel()

	d, found := w.nextDeadline()
	if !found || d != 40 {
		t.Fatalf("nextDeadline = (%d, %v), want (40, true)", d, found)
	}
}

func TestSleepForVirtualTime(t *testing.T) {
	rt := newTestRuntime(t, Config{Deterministic: true})

	sleep := SleepFor(3 * time.Second)
	h, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
		p, err := sleep.Poll(tc)
		if err != nil {
			return Poll{}, err
		}
		if !p.Done {
			return Pending(), nil
		}
		return Ready(rt.clock.NowMs()), nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	v, err := h.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if woke := v.(uint64); woke < 3000 {
		t.Fatalf("woke at %dms of virtual time, want >= 3000", woke)
	}
}

func TestWithTimeoutExpires(t *testing.T) {
	rt := newTestRuntime(t, Config{Deterministic: true})

	never := PollFunc(func(tc *TaskContext) (Poll, error) { return Pending(), nil })
	op := WithTimeout(never, 100*time.Millisecond)
	h, err := rt.Spawn(op.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_, err = h.Join()
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Join err = %v, want TimeoutError", err)
	}
	if te.After != 100*time.Millisecond {
		t.Fatalf("After = %v, want 100ms", te.After)
	}
}

func TestWithTimeoutInnerWins(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 1})

	quick := PollFunc(func(tc *TaskContext) (Poll, error) { return Ready("done"), nil })
	op := WithTimeout(quick, time.Hour)
	h, err := rt.Spawn(op.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	v, err := h.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if v.(string) != "done" {
		t.Fatalf("result = %v, want done", v)
	}
}

func TestTimeoutWithdrawsParkedReceiver(t *testing.T) {
	rt := newTestRuntime(t, Config{Deterministic: true})

	tx, rx := NewChannel[string](0)
	op := WithTimeout(rx.Recv(), 5*time.Millisecond)
	h, err := rt.Spawn(op.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_, err = h.Join()
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Join err = %v, want TimeoutError", err)
	}

	// The timed-out receiver must be withdrawn from the channel: a
	// rendezvous send now has no taker, so the value cannot vanish into
	// a dead waiter.
	delivered, err := tx.TrySend("payload")
	if err != nil {
		t.Fatalf("TrySend: %v", err)
	}
	if delivered {
		t.Fatal("TrySend delivered to a timed-out receiver")
	}
}

func TestTimeoutWithdrawsParkedSender(t *testing.T) {
	rt := newTestRuntime(t, Config{Deterministic: true})

	tx, rx := NewChannel[int](0)
	op := WithTimeout(tx.Send(7), 5*time.Millisecond)
	h, err := rt.Spawn(op.Poll)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_, err = h.Join()
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Join err = %v, want TimeoutError", err)
	}

	if v, ok, _ := rx.TryRecv(); ok {
		t.Fatalf("TryRecv got %v from a timed-out sender", v)
	}
}

func TestTimersFiredStat(t *testing.T) {
	rt := newTestRuntime(t, Config{Deterministic: true})

	const n = 16
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		sleep := SleepFor(time.Duration(i+1) * time.Millisecond)
		h, err := rt.Spawn(sleep.Poll)
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if _, err := h.Join(); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	if got := rt.Stats().TimersFired; got != n {
		t.Fatalf("TimersFired = %d, want %d", got, n)
	}
}
