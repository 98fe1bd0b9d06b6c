// Package trace provides the tracing subsystem for the Indent runtime.
//
// The trace package records scheduler activity: task spawn/resume
// boundaries, wake and steal events, timer fires, and runtime
// lifecycle, to help diagnose scheduling stalls and latency issues.
//
// # Architecture
//
// The package provides several tracer implementations:
//
//   - NopTracer: Zero-overhead no-op tracer when disabled
//   - StreamTracer: Immediate write to output (file/stderr)
//   - RingTracer: Circular buffer for post-mortem snapshots
//   - MultiTracer: Combines multiple tracers
//
// # Levels
//
// Tracing verbosity is controlled by levels:
//
//   - LevelOff: No tracing
//   - LevelError: Only crash dumps
//   - LevelSched: Runtime lifecycle and scheduler events
//   - LevelTask: Per-task events (spawn, complete, cancel)
//   - LevelDebug: Everything including per-resume spans
//
// # Scopes
//
// Events are categorized by scope:
//
//   - ScopeRuntime: Runtime lifecycle (start, shutdown, reactor)
//   - ScopeScheduler: Worker-level events (steal, park, starvation)
//   - ScopeTask: Per-task lifecycle events
//   - ScopeOp: Individual resume/suspension operations (most detailed)
//
// # Context Propagation
//
// Host code propagates tracers via context:
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeTask, "drain", parentID)
//	defer span.End("")
package trace
