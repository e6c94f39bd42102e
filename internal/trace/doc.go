// Package trace provides structured tracing for the lispvm engine.
//
// The VM reports engine runs, calls and returns, error unwinding and
// continuation jumps as events. Events go to a Tracer chosen on the command
// line:
//
//	lispvm run --trace=- --trace-level=call prog.lasm
//
// # Architecture
//
//   - Nop: zero-overhead tracer when disabled
//   - StreamTracer: immediate write to output (file/stderr)
//   - RingTracer: circular buffer, dumped when a run fails
//   - MultiTracer: combines multiple tracers
//
// # Levels
//
//   - LevelOff: no tracing
//   - LevelError: only errors that escape to the host
//   - LevelRun: engine runs
//   - LevelCall: calls, unwinding and continuations
//   - LevelDebug: everything including single instructions
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeRun, "run", parentID)
//	defer span.End("")
package trace
