package asyncrt

// Waker is the handle a driver uses to re-enqueue a suspended task.
// Wake is idempotent through a tri-state flag (Idle/Notified/Running):
// waking an already-notified task is a no-op, and waking a task that is
// currently running defers the enqueue until its poll returns.
type Waker struct {
	task *Task
}

// Valid reports whether the waker is bound to a task.
func (w Waker) Valid() bool { return w.task != nil }

// TaskID returns the identifier of the bound task.
func (w Waker) TaskID() TaskID { return w.task.ID() }

// Wake makes the bound task runnable. Safe to call from any goroutine,
// any number of times; double wakes collapse into one ready-enqueue.
func (w Waker) Wake() {
	t := w.task
	if t == nil || t.State() == TaskCompleted {
		return
	}
	for {
		switch t.wakeFlag.Load() {
		case wakeIdle:
			if t.wakeFlag.CompareAndSwap(wakeIdle, wakeNotified) {
				t.rt.schedule(t)
				return
			}
		case wakeNotified:
			return
		case wakeRunning:
			// The worker re-checks the flag after the poll returns and
			// performs the enqueue itself.
			if t.wakeFlag.CompareAndSwap(wakeRunning, wakeNotified) {
				return
			}
		}
	}
}
