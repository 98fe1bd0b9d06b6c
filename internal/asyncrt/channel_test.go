package asyncrt

import (
	"errors"
	"sync/atomic"
	"testing"
)

func TestChannelTrySendTryRecvBuffered(t *testing.T) {
	ch := NewRawChannel(2)

	for i := 0; i < 2; i++ {
		ok, err := ch.TrySend(i)
		if err != nil || !ok {
			t.Fatalf("TrySend %d = (%v, %v), want delivered", i, ok, err)
		}
	}
	if ok, err := ch.TrySend(2); err != nil || ok {
		t.Fatalf("TrySend on full = (%v, %v), want declined", ok, err)
	}

	for i := 0; i < 2; i++ {
		v, ok, closed := ch.TryRecv()
		if !ok || closed {
			t.Fatalf("TryRecv = (%v, %v, %v), want value", v, ok, closed)
		}
		if v.(int) != i {
			t.Fatalf("TryRecv order: got %v, want %d", v, i)
		}
	}
	if _, ok, closed := ch.TryRecv(); ok || closed {
		t.Fatal("TryRecv on empty open channel should decline without closure")
	}
}

func TestChannelCloseSemantics(t *testing.T) {
	ch := NewRawChannel(1)
	if ok, err := ch.TrySend("x"); err != nil || !ok {
		t.Fatalf("TrySend = (%v, %v)", ok, err)
	}
	ch.Close()
	ch.Close() // double close is a no-op

	if _, err := ch.TrySend("y"); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("TrySend after close err = %v, want ErrChannelClosed", err)
	}

	// Buffered values drain first, then closure is observed.
	v, ok, closed := ch.TryRecv()
	if !ok || v.(string) != "x" {
		t.Fatalf("TryRecv = (%v, %v, %v), want buffered value", v, ok, closed)
	}
	if _, ok, closed := ch.TryRecv(); ok || !closed {
		t.Fatal("TryRecv after drain should report closure")
	}
}

func TestRendezvousSendRecv(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	sender, receiver := NewChannel[string](0)

	recvOp := receiver.Recv()
	consumer, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
		p, err := recvOp.Poll(tc)
		if err != nil {
			return Poll{}, err
		}
		if !p.Done {
			return Pending(), nil
		}
		v, ok := receiver.Value(p)
		if !ok {
			return Poll{}, errors.New("channel closed early")
		}
		return Ready(v), nil
	})
	if err != nil {
		t.Fatalf("Spawn consumer: %v", err)
	}

	sendOp := sender.Send("hello")
	producer, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
		p, err := sendOp.Poll(tc)
		if err != nil {
			return Poll{}, err
		}
		if !p.Done {
			return Pending(), nil
		}
		return Ready(nil), nil
	})
	if err != nil {
		t.Fatalf("Spawn producer: %v", err)
	}

	if _, err := producer.Join(); err != nil {
		t.Fatalf("producer Join: %v", err)
	}
	v, err := consumer.Join()
	if err != nil {
		t.Fatalf("consumer Join: %v", err)
	}
	if v.(string) != "hello" {
		t.Fatalf("received %v, want hello", v)
	}
}

func TestManyProducersOneConsumer(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 4})

	const producers = 20
	const perProducer = 50
	sender, receiver := NewChannel[int](8)

	var sent atomic.Int64
	err := rt.Concurrent(func(s *Scope) error {
		for p := 0; p < producers; p++ {
			var op *SendOp
			left := perProducer
			if _, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
				for {
					if op != nil {
						p, err := op.Poll(tc)
						if err != nil {
							return Poll{}, err
						}
						if !p.Done {
							return Pending(), nil
						}
						op = nil
						sent.Add(1)
					}
					if left == 0 {
						return Ready(nil), nil
					}
					left--
					op = sender.Send(1)
				}
			}); err != nil {
				return err
			}
		}

		var recvOp *RecvOp
		got := 0
		h, err := s.Spawn(nil, func(tc *TaskContext) (Poll, error) {
			for {
				if got == producers*perProducer {
					return Ready(got), nil
				}
				if recvOp == nil {
					recvOp = receiver.Recv()
				}
				p, err := recvOp.Poll(tc)
				if err != nil {
					return Poll{}, err
				}
				if !p.Done {
					return Pending(), nil
				}
				recvOp = nil
				if _, ok := receiver.Value(p); !ok {
					return Poll{}, errors.New("unexpected close")
				}
				got++
			}
		})
		if err != nil {
			return err
		}
		total, err := h.Join()
		if err != nil {
			return err
		}
		if total.(int) != producers*perProducer {
			t.Fatalf("consumer got %v, want %d", total, producers*perProducer)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Concurrent: %v", err)
	}
	if sent.Load() != producers*perProducer {
		t.Fatalf("sent = %d, want %d", sent.Load(), producers*perProducer)
	}
}

func TestSendCancellationWithdrawsValue(t *testing.T) {
	rt := newTestRuntime(t, Config{Workers: 2})

	sender, _ := NewChannel[int](0) // no receiver will ever arrive
	op := sender.Send(7)
	h, err := rt.Spawn(func(tc *TaskContext) (Poll, error) {
		p, err := op.Poll(tc)
		if err != nil {
			return Poll{}, err
		}
		if !p.Done {
			return Pending(), nil
		}
		return Ready(nil), nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	h.Cancel()
	if _, err := h.Join(); !errorsIsCancelled(err) {
		t.Fatalf("Join err = %v, want cancellation", err)
	}
	if got := sender.Raw().Len(); got != 0 {
		t.Fatalf("channel holds %d values after withdrawn send", got)
	}
}
