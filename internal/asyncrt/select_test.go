package asyncrt

import (
	"testing"
	"time"
)

// driveSelect runs a select op inside a fresh task and returns the
// committed result.
func driveSelect(t *testing.T, rt *Runtime, op *SelectOp) SelectResult {
	t.Helper()
	h, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
		p, err := op.Poll(tc)
		if err != nil {
			return Poll{}, err
		}
		if !p.Done {
			return Pending(), nil
		}
		return Ready(p.Value), nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	v, err := h.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	return v.(SelectResult)
}

func TestSelectTwoReadyArmsConsumeOne(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	a := NewRawChannel(1)
	b := NewRawChannel(1)
	if ok, err := a.TrySend("a"); err != nil || !ok {
		t.Fatalf("TrySend a: (%v, %v)", ok, err)
	}
	if ok, err := b.TrySend("b"); err != nil || !ok {
		t.Fatalf("TrySend b: (%v, %v)", ok, err)
	}

	op, err := NewSelect(RecvArm(a), RecvArm(b))
	if err != nil {
		t.Fatalf("NewSelect: %v", err)
	}
	res := driveSelect(t, rt, op)
	if !res.OK {
		t.Fatalf("select result = %+v, want a received value", res)
	}

	// Exactly one arm consumed: the other channel still holds its value.
	if got := a.Len() + b.Len(); got != 1 {
		t.Fatalf("remaining buffered values = %d, want 1", got)
	}
}

func TestSelectDefaultArm(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 1})

	empty := NewRawChannel(1)
	op, err := NewSelect(RecvArm(empty), DefaultArm())
	if err != nil {
		t.Fatalf("NewSelect: %v", err)
	}
	res := driveSelect(t, rt, op)
	if res.Index != 1 {
		t.Fatalf("Index = %d, want default arm 1", res.Index)
	}
}

func TestSelectWakesOnLateReadiness(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	ch := NewRawChannel(1)
	op, err := NewSelect(RecvArm(ch))
	if err != nil {
		t.Fatalf("NewSelect: %v", err)
	}

	h, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
		p, err := op.Poll(tc)
		if err != nil {
			return Poll{}, err
		}
		if !p.Done {
			return Pending(), nil
		}
		return Ready(p.Value), nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// Make the arm ready after the select has parked.
	time.Sleep(20 * time.Millisecond)
	if ok, err := ch.TrySend(99); err != nil || !ok {
		t.Fatalf("TrySend: (%v, %v)", ok, err)
	}

	v, err := h.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	res := v.(SelectResult)
	if !res.OK || res.Value.(int) != 99 {
		t.Fatalf("select result = %+v, want value 99", res)
	}
	if len(ch.subs) != 0 {
		t.Fatalf("subscriptions leaked: %d", len(ch.subs))
	}
}

func TestSelectTimeoutArmFiresDeterministically(t *testing.T) {
	rt := newTestRuntime(t, Config{Deterministic: true})

	never := NewRawChannel(1)
	op, err := NewSelect(RecvArm(never), TimeoutArm(250*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSelect: %v", err)
	}
	res := driveSelect(t, rt, op)
	if !res.TimedOut || res.Index != 1 {
		t.Fatalf("select result = %+v, want timeout arm", res)
	}
	if got := rt.clock.NowMs(); got < 250 {
		t.Fatalf("virtual clock at %dms, want >= 250", got)
	}
}

func TestSelectSendArm(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	full := NewRawChannel(1)
	if ok, err := full.TrySend("occupied"); err != nil || !ok {
		t.Fatalf("TrySend: (%v, %v)", ok, err)
	}
	open := NewRawChannel(1)

	op, err := NewSelect(SendArm(full, "spill"), SendArm(open, "fits"))
	if err != nil {
		t.Fatalf("NewSelect: %v", err)
	}
	res := driveSelect(t, rt, op)
	if res.Index != 1 || res.Err != nil {
		t.Fatalf("select result = %+v, want send on arm 1", res)
	}
	v, ok, _ := open.TryRecv()
	if !ok || v.(string) != "fits" {
		t.Fatalf("open channel holds %v, want fits", v)
	}
}
