package trace

import "fmt"

// Level controls tracing verbosity.
type Level uint8

const (
	// LevelOff disables tracing.
	LevelOff   Level = iota // no tracing
	LevelError              // only emit on errors/crashes
	LevelSched              // runtime lifecycle + scheduler events
	LevelTask               // per-task lifecycle events
	LevelDebug              // everything including per-resume spans
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelSched:
		return "sched"
	case LevelTask:
		return "task"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "off", "OFF":
		return LevelOff, nil
	case "error", "ERROR":
		return LevelError, nil
	case "sched", "SCHED":
		return LevelSched, nil
	case "task", "TASK":
		return LevelTask, nil
	case "debug", "DEBUG":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|error|sched|task|debug)", s)
	}
}

// ShouldEmit returns true if the given scope should emit at this level.
func (l Level) ShouldEmit(scope Scope) bool {
	switch l {
	case LevelOff:
		return false
	case LevelError:
		return false // error events always emitted via crash path
	case LevelSched:
		return scope <= ScopeScheduler
	case LevelTask:
		return scope <= ScopeTask
	case LevelDebug:
		return true
	}
	return false
}
