package asyncrt

import (
	"fmt"
	"sync"
)

// sendWaiter is a parked sender: its value travels with it so a
// receiver (or a buffer slot opening up) can consume directly.
type sendWaiter struct {
	waker  Waker
	val    any
	done   bool // value consumed
	closed bool // channel closed under the sender
}

// recvWaiter is a parked receiver: the delivering side writes the value
// in place before waking.
type recvWaiter struct {
	waker     Waker
	val       any
	ok        bool
	delivered bool
}

// Channel is the untyped MPMC channel core: a ring buffer plus parked
// sender/receiver queues with direct handoff, and readiness
// subscriptions for select. Capacity zero is a rendezvous channel. The
// typed Sender/Receiver pair wraps it.
type Channel struct {
	mu     sync.Mutex
	cap    int
	buf    []any
	head   int
	count  int
	closed bool

	sendq []*sendWaiter
	recvq []*recvWaiter

	subs    map[uint64]subEntry
	nextSub uint64
}

type subEntry struct {
	w    Waker
	recv bool
}

// NewRawChannel creates an untyped channel. Negative capacity panics.
func NewRawChannel(capacity int) *Channel {
	if capacity < 0 {
		panic(fmt.Sprintf("asyncrt: negative channel capacity %d", capacity))
	}
	ch := &Channel{cap: capacity}
	if capacity > 0 {
		ch.buf = make([]any, capacity)
	}
	return ch
}

// Cap returns the buffer capacity.
func (ch *Channel) Cap() int { return ch.cap }

// Len returns the buffered element count.
func (ch *Channel) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.count
}

func (ch *Channel) pushLocked(v any) {
	ch.buf[(ch.head+ch.count)%ch.cap] = v
	ch.count++
}

func (ch *Channel) popLocked() any {
	v := ch.buf[ch.head]
	ch.buf[ch.head] = nil
	ch.head = (ch.head + 1) % ch.cap
	ch.count--
	return v
}

// refillLocked moves a parked sender's value into freed buffer space,
// preserving send order. Returns the woken sender, if any.
func (ch *Channel) refillLocked() *sendWaiter {
	if len(ch.sendq) == 0 || ch.count >= ch.cap {
		return nil
	}
	sw := ch.sendq[0]
	ch.sendq = ch.sendq[1:]
	ch.pushLocked(sw.val)
	sw.val = nil
	sw.done = true
	return sw
}

// TrySend attempts a non-parking send. It reports whether the value was
// delivered; ErrChannelClosed when the channel is closed.
func (ch *Channel) TrySend(v any) (bool, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false, ErrChannelClosed
	}
	// Direct handoff to a parked receiver beats the buffer.
	if len(ch.recvq) > 0 {
		rw := ch.recvq[0]
		ch.recvq = ch.recvq[1:]
		rw.val, rw.ok, rw.delivered = v, true, true
		ch.mu.Unlock()
		rw.waker.Wake()
		return true, nil
	}
	if ch.count < ch.cap {
		ch.pushLocked(v)
		subs := ch.readySubsLocked(true)
		ch.mu.Unlock()
		wakeAll(subs)
		return true, nil
	}
	ch.mu.Unlock()
	return false, nil
}

// TryRecv attempts a non-parking receive. ok reports delivery; closed
// reports a closed-and-drained channel.
func (ch *Channel) TryRecv() (v any, ok bool, closed bool) {
	ch.mu.Lock()
	if ch.count > 0 {
		v = ch.popLocked()
		sw := ch.refillLocked()
		subs := ch.readySubsLocked(false)
		ch.mu.Unlock()
		if sw != nil {
			sw.waker.Wake()
		}
		wakeAll(subs)
		return v, true, false
	}
	// Rendezvous with a parked sender on an unbuffered (or drained)
	// channel.
	if len(ch.sendq) > 0 {
		sw := ch.sendq[0]
		ch.sendq = ch.sendq[1:]
		v = sw.val
		sw.val = nil
		sw.done = true
		subs := ch.readySubsLocked(false)
		ch.mu.Unlock()
		sw.waker.Wake()
		wakeAll(subs)
		return v, true, false
	}
	if ch.closed {
		ch.mu.Unlock()
		return nil, false, true
	}
	ch.mu.Unlock()
	return nil, false, false
}

// Close closes the channel: parked senders fail, parked receivers drain
// what remains and then observe closure. Double close is a no-op.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	senders := ch.sendq
	ch.sendq = nil
	receivers := ch.recvq
	ch.recvq = nil
	subs := make([]Waker, 0, len(ch.subs))
	for _, e := range ch.subs {
		subs = append(subs, e.w)
	}
	ch.mu.Unlock()

	for _, sw := range senders {
		sw.closed = true
		sw.waker.Wake()
	}
	for _, rw := range receivers {
		rw.ok, rw.delivered = false, true
		rw.waker.Wake()
	}
	wakeAll(subs)
}

// Closed reports whether Close was called.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// subscribe registers a select-readiness waker. recv selects readable
// notifications, otherwise writable. Caller must unsubscribe.
func (ch *Channel) subscribe(w Waker, recv bool) uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.subs == nil {
		ch.subs = make(map[uint64]subEntry)
	}
	ch.nextSub++
	id := ch.nextSub
	ch.subs[id] = subEntry{w: w, recv: recv}
	return id
}

func (ch *Channel) unsubscribe(id uint64) {
	ch.mu.Lock()
	delete(ch.subs, id)
	ch.mu.Unlock()
}

// readySubsLocked collects subscribers interested in the readiness edge
// that just occurred. Caller holds ch.mu and wakes after unlocking.
func (ch *Channel) readySubsLocked(recv bool) []Waker {
	if len(ch.subs) == 0 {
		return nil
	}
	var out []Waker
	for _, e := range ch.subs {
		if e.recv == recv {
			out = append(out, e.w)
		}
	}
	return out
}

func wakeAll(ws []Waker) {
	for _, w := range ws {
		w.Wake()
	}
}

// parkSender enqueues a sender whose value could not be delivered.
func (ch *Channel) parkSender(w Waker, v any) (*sendWaiter, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrChannelClosed
	}
	sw := &sendWaiter{waker: w, val: v}
	ch.sendq = append(ch.sendq, sw)
	// An unbuffered channel becomes readable the moment a sender parks.
	subs := ch.readySubsLocked(true)
	ch.mu.Unlock()
	wakeAll(subs)
	return sw, nil
}

// parkReceiver enqueues a receiver on an empty open channel.
func (ch *Channel) parkReceiver(w Waker) *recvWaiter {
	ch.mu.Lock()
	if ch.closed && ch.count == 0 {
		ch.mu.Unlock()
		return nil
	}
	rw := &recvWaiter{waker: w}
	ch.recvq = append(ch.recvq, rw)
	subs := ch.readySubsLocked(false)
	ch.mu.Unlock()
	wakeAll(subs)
	return rw
}

// removeSender drops a parked sender that gave up (cancellation).
// Returns false if the value was already consumed.
func (ch *Channel) removeSender(sw *sendWaiter) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if sw.done {
		return false
	}
	for i, q := range ch.sendq {
		if q == sw {
			ch.sendq = append(ch.sendq[:i], ch.sendq[i+1:]...)
			break
		}
	}
	return true
}

// removeReceiver drops a parked receiver that gave up. Returns false if
// a value was already delivered to it.
func (ch *Channel) removeReceiver(rw *recvWaiter) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if rw.delivered {
		return false
	}
	for i, q := range ch.recvq {
		if q == rw {
			ch.recvq = append(ch.recvq[:i], ch.recvq[i+1:]...)
			break
		}
	}
	return true
}

// SendOp is the parking form of send: TrySend, then park until a
// receiver or buffer slot consumes the value.
type SendOp struct {
	ch     *Channel
	val    any
	waiter *sendWaiter
}

// NewSendOp returns a poll-able send of v.
func (ch *Channel) NewSendOp(v any) *SendOp { return &SendOp{ch: ch, val: v} }

// Poll attempts delivery, parking the value with the channel when it
// cannot complete. Cancellation withdraws an unconsumed value.
func (op *SendOp) Poll(tc *TaskContext) (Poll, error) {
	if op.waiter != nil {
		if op.waiter.done {
			return Ready(nil), nil
		}
		if op.waiter.closed {
			return Poll{}, ErrChannelClosed
		}
		if err := tc.Err(); err != nil {
			if !op.ch.removeSender(op.waiter) {
				// Consumed in the race; the send succeeded.
				return Ready(nil), nil
			}
			return Poll{}, err
		}
		return Pending(), nil
	}
	if err := tc.Err(); err != nil {
		return Poll{}, err
	}
	ok, err := op.ch.TrySend(op.val)
	if err != nil {
		return Poll{}, err
	}
	if ok {
		op.val = nil
		return Ready(nil), nil
	}
	sw, err := op.ch.parkSender(tc.Waker(), op.val)
	if err != nil {
		return Poll{}, err
	}
	op.waiter = sw
	op.val = nil
	return Pending(), nil
}

// Abandon withdraws a parked, unconsumed value when the op is dropped
// before completing (deadline won the race). Returns false when a
// consumer already took the value; the send then stands.
func (op *SendOp) Abandon() bool {
	if op.waiter == nil {
		return true
	}
	return op.ch.removeSender(op.waiter)
}

// RecvResult carries a received value; OK is false when the channel
// closed and drained.
type RecvResult struct {
	Value any
	OK    bool
}

// RecvOp is the parking form of receive.
type RecvOp struct {
	ch     *Channel
	waiter *recvWaiter
}

// NewRecvOp returns a poll-able receive.
func (ch *Channel) NewRecvOp() *RecvOp { return &RecvOp{ch: ch} }

// Poll attempts a receive, parking until a value or closure arrives.
func (op *RecvOp) Poll(tc *TaskContext) (Poll, error) {
	if op.waiter != nil {
		if op.waiter.delivered {
			return Ready(RecvResult{Value: op.waiter.val, OK: op.waiter.ok}), nil
		}
		if err := tc.Err(); err != nil {
			if !op.ch.removeReceiver(op.waiter) {
				return Ready(RecvResult{Value: op.waiter.val, OK: op.waiter.ok}), nil
			}
			return Poll{}, err
		}
		return Pending(), nil
	}
	if err := tc.Err(); err != nil {
		return Poll{}, err
	}
	v, ok, closed := op.ch.TryRecv()
	if ok {
		return Ready(RecvResult{Value: v, OK: true}), nil
	}
	if closed {
		return Ready(RecvResult{}), nil
	}
	rw := op.ch.parkReceiver(tc.Waker())
	if rw == nil {
		return Ready(RecvResult{}), nil
	}
	op.waiter = rw
	return Pending(), nil
}

// Abandon withdraws the parked receiver when the op is dropped before
// completing. Returns false when a value was already delivered to it;
// a re-poll then yields that value.
func (op *RecvOp) Abandon() bool {
	if op.waiter == nil {
		return true
	}
	return op.ch.removeReceiver(op.waiter)
}

// Sender is the typed send half of a channel.
type Sender[T any] struct {
	ch *Channel
}

// Receiver is the typed receive half of a channel.
type Receiver[T any] struct {
	ch *Channel
}

// NewChannel creates a typed channel and returns its two halves.
func NewChannel[T any](capacity int) (Sender[T], Receiver[T]) {
	ch := NewRawChannel(capacity)
	return Sender[T]{ch: ch}, Receiver[T]{ch: ch}
}

// Raw exposes the untyped core, e.g. for select arms.
func (s Sender[T]) Raw() *Channel { return s.ch }

// TrySend attempts a non-parking send.
func (s Sender[T]) TrySend(v T) (bool, error) { return s.ch.TrySend(v) }

// Send returns a poll-able parking send.
func (s Sender[T]) Send(v T) *SendOp { return s.ch.NewSendOp(v) }

// Close closes the channel.
func (s Sender[T]) Close() { s.ch.Close() }

// Raw exposes the untyped core, e.g. for select arms.
func (r Receiver[T]) Raw() *Channel { return r.ch }

// TryRecv attempts a non-parking receive.
func (r Receiver[T]) TryRecv() (v T, ok bool, closed bool) {
	raw, ok, closed := r.ch.TryRecv()
	if ok {
		v = raw.(T)
	}
	return v, ok, closed
}

// Recv returns a poll-able parking receive.
func (r Receiver[T]) Recv() *RecvOp { return r.ch.NewRecvOp() }

// Value extracts the typed value from a completed receive poll.
func (r Receiver[T]) Value(p Poll) (T, bool) {
	var zero T
	res, isRes := p.Value.(RecvResult)
	if !isRes || !res.OK {
		return zero, false
	}
	return res.Value.(T), true
}
