package trace

import "time"

// Kind represents the type of trace event.
type Kind uint8

const (
	// KindSpanBegin marks the start of a logical operation.
	KindSpanBegin Kind = iota + 1 // span start
	// KindSpanEnd marks the end of a logical operation.
	KindSpanEnd // span end
	// KindPoint represents an instant event.
	KindPoint     // instant event
	KindHeartbeat // periodic liveness signal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Scope indicates the granularity level of the event.
// Lower numeric values represent higher-level/coarser events.
type Scope uint8

const (
	// ScopeRuntime represents runtime lifecycle events (highest level).
	ScopeRuntime Scope = iota + 1
	// ScopeScheduler represents worker-level events (steal, park).
	ScopeScheduler
	// ScopeTask represents per-task lifecycle events (more detailed).
	ScopeTask
	// ScopeOp represents individual resume operations (most detailed).
	ScopeOp
)

// String returns the string representation of Scope.
func (s Scope) String() string {
	switch s {
	case ScopeRuntime:
		return "runtime"
	case ScopeScheduler:
		return "scheduler"
	case ScopeTask:
		return "task"
	case ScopeOp:
		return "op"
	default:
		return "unknown"
	}
}

// Event represents a single trace event.
type Event struct {
	Time     time.Time         `msgpack:"time"`      // wall-clock timestamp
	Seq      uint64            `msgpack:"seq"`       // global sequence number (monotonic)
	Kind     Kind              `msgpack:"kind"`      // event kind
	Scope    Scope             `msgpack:"scope"`     // granularity level
	SpanID   uint64            `msgpack:"span_id"`   // unique span identifier
	ParentID uint64            `msgpack:"parent_id"` // parent span (0 if root)
	TaskID   uint64            `msgpack:"task_id"`   // task identifier (0 if none)
	WorkerID int               `msgpack:"worker_id"` // worker index (-1 if none)
	Name     string            `msgpack:"name"`      // e.g., "resume", "steal", "scope"
	Detail   string            `msgpack:"detail"`    // optional detail message
	Extra    map[string]string `msgpack:"extra"`     // extensible key-value pairs
}
