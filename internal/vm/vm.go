// Package vm executes chunks on a register machine. All frames of a VM share
// one value stack; a frame addresses only its own register window.
package vm

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"

	"lispvm/internal/chunk"
	"lispvm/internal/heap"
	"lispvm/internal/trace"
	"lispvm/internal/value"
)

// DefaultStackSize is the number of register slots of a VM stack.
const DefaultStackSize = 65536

// Options configures VM execution.
type Options struct {
	StackSize int          // register slots, DefaultStackSize when zero
	Events    trace.Tracer // structured run/call/unwind events
	Trace     *Tracer      // per-instruction tracing
}

// Stats counts engine activity since the VM was created.
type Stats struct {
	Instructions uint64
	Calls        uint64
	TailCalls    uint64
	// MaxDepth is the deepest frame nesting reached.
	MaxDepth int
}

// run is one activation of the dispatch loop. Host-level runs have id 0.
// base is the slot of the run's boundary marker and receives its result;
// mark is the marker's index in the frame stack.
type run struct {
	base int
	mark int
	id   uint64
}

// VM is a register bytecode interpreter.
type VM struct {
	heap    *heap.Heap
	syms    *value.Interner
	globals *Globals
	natives []native

	retained   map[uint64]value.Value
	nextRetain uint64

	stack []value.Value
	cur   heap.CallFrame
	marks []heap.CallFrame // saved callers, outermost first
	runs  []run

	nextFrame uint64
	nextRun   uint64

	errFrame    *ErrorFrame
	halted      bool
	interrupted atomic.Bool

	Trace       *Tracer
	engine      uint64
	events      trace.Tracer
	eventsFixed bool // set through Options, not taken from the context
	traceCalls  bool
	traceInstrs bool
	debugger    *Debugger

	stats Stats
	eb    *errorBuilder // for creating errors with backtrace
}

// New creates a VM with the core natives installed.
func New(opts Options) *VM {
	size := opts.StackSize
	if size <= 0 {
		size = DefaultStackSize
	}
	vm := &VM{
		heap:        heap.New(),
		syms:        value.NewInterner(),
		stack:       make([]value.Value, size),
		Trace:       opts.Trace,
		engine:      trace.NewEngineID(),
		eventsFixed: opts.Events != nil,
	}
	vm.setEvents(opts.Events)
	vm.globals = newGlobals(vm.syms)
	vm.eb = &errorBuilder{vm: vm}
	vm.installCore()
	return vm
}

// Heap returns the VM's object storage.
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Interner returns the symbol table.
func (vm *VM) Interner() *value.Interner { return vm.syms }

// Globals returns the global table.
func (vm *VM) Globals() *Globals { return vm.globals }

// Stats returns a copy of the activity counters.
func (vm *VM) Stats() Stats { return vm.stats }

// Halted reports whether the last host-level run ended with HALT.
func (vm *VM) Halted() bool { return vm.halted }

// Interrupt asks the running engine to stop at the next instruction. It is
// safe to call from any goroutine.
func (vm *VM) Interrupt() { vm.interrupted.Store(true) }

// Symbol interns name as a symbol.
func (vm *VM) Symbol(name string) value.Value { return value.MakeSymbol(vm.syms.Intern(name)) }

// Keyword interns name as a keyword.
func (vm *VM) Keyword(name string) value.Value { return value.MakeKeyword(vm.syms.Intern(name)) }

// Intern returns the id of name.
func (vm *VM) Intern(name string) value.SymbolID { return vm.syms.Intern(name) }

// SymbolName returns the name behind id.
func (vm *VM) SymbolName(id value.SymbolID) string { return vm.syms.Name(id) }

// NewString allocates a string.
func (vm *VM) NewString(s string, readOnly bool) value.Value {
	return vm.heap.AllocString(s, readOnly)
}

// NewPair allocates a pair.
func (vm *VM) NewPair(car, cdr value.Value, readOnly bool) value.Value {
	return vm.heap.AllocPair(car, cdr, readOnly)
}

// NewLambda wraps c as a callable value.
func (vm *VM) NewLambda(c *chunk.Chunk) value.Value { return vm.heap.AllocLambda(c) }

// StringValue returns the content of a String value.
func (vm *VM) StringValue(v value.Value) (string, bool) {
	s, err := vm.heap.Str(vm.heap.Deref(v))
	if err != nil {
		return "", false
	}
	return s.S, true
}

// PairValue returns the fields of a Pair value.
func (vm *VM) PairValue(v value.Value) (car, cdr value.Value, ok bool) {
	p, err := vm.heap.Pair(vm.heap.Deref(v))
	if err != nil {
		return value.Value{}, value.Value{}, false
	}
	return p.Car, p.Cdr, true
}

// LambdaChunk returns the chunk behind a Lambda or Closure.
func (vm *VM) LambdaChunk(v value.Value) (*chunk.Chunk, bool) {
	return vm.heap.ChunkOf(v)
}

// Execute runs c as a zero-argument function and returns its result.
// Cancelling ctx interrupts the run.
func (vm *VM) Execute(ctx context.Context, c *chunk.Chunk) (value.Value, error) {
	if len(vm.runs) == 0 {
		vm.halted = false
		vm.interrupted.Store(false)
		if err := ctx.Err(); err != nil {
			return value.Value{}, err
		}
		if !vm.eventsFixed {
			vm.setEvents(trace.FromContext(ctx))
		}
	}
	stop := context.AfterFunc(ctx, vm.Interrupt)
	defer stop()

	span := trace.Begin(vm.events, trace.ScopeRun, "execute", vm.origin())
	span.WithExtra("chunk", c.String())
	res, err := vm.Call(vm.heap.AllocLambda(c))
	switch {
	case !span.Active():
	case err != nil:
		span.End(err.Error())
	default:
		span.End(vm.Pretty(res))
	}
	return res, err
}

// Call invokes fn with args. Natives use it to re-enter the engine; the
// callee runs in a nested run above the caller's window.
func (vm *VM) Call(fn value.Value, args ...value.Value) (res value.Value, err error) {
	defer catchVMError(&err)
	fn = vm.heap.Deref(fn)
	switch fn.Kind {
	case value.Builtin:
		return vm.callNative(fn, args)
	case value.Continuation:
		return vm.callContinuation(fn, args)
	case value.Lambda, value.Closure:
	default:
		return value.Value{}, vm.eb.notCallable(fn)
	}

	slot := vm.liveTop()
	if need := slot + 2 + len(args); need > len(vm.stack) {
		return value.Value{}, vm.eb.stackOverflow(need, len(vm.stack))
	}
	c, caps := vm.callable(fn)
	vm.checkEntry(c, slot+1, len(args))
	copy(vm.stack[slot+2:], args)
	r := vm.pushRun(slot)
	defer func() { vm.popRun(err) }()

	marker := vm.cur
	marker.Run = true
	vm.enter(c, caps, slot+1, len(args), marker, vm.cur.Depth+1)
	return vm.execute(r)
}

// callContinuation invokes k from the host or from a native. Inside an
// active run the jump is delivered as an error the run loop understands; a
// host-level call re-enters the captured host run.
func (vm *VM) callContinuation(kv value.Value, args []value.Value) (res value.Value, err error) {
	k := vm.continuation(kv)
	arg := contArg(args)
	if len(args) > 1 {
		return value.Value{}, vm.eb.arity("continuation", "0 or 1", len(args))
	}
	if len(vm.runs) > 0 {
		if !vm.runActive(k.RunID) {
			return value.Value{}, vm.eb.invalidContinuation()
		}
		return value.Value{}, &contJump{k: k, arg: arg}
	}
	if k.RunID != 0 {
		return value.Value{}, vm.eb.invalidContinuation()
	}
	r := vm.pushRun(k.RunBase)
	defer func() { vm.popRun(err) }()
	vm.resume(r, &contJump{k: k, arg: arg})
	return vm.execute(r)
}

func (vm *VM) pushRun(base int) run {
	id := uint64(0)
	if len(vm.runs) > 0 {
		vm.nextRun++
		id = vm.nextRun
	}
	r := run{base: base, mark: len(vm.marks), id: id}
	vm.runs = append(vm.runs, r)
	return r
}

func (vm *VM) popRun(err error) {
	vm.runs = vm.runs[:len(vm.runs)-1]
	if len(vm.runs) > 0 || err == nil {
		return
	}
	if e, ok := err.(*VMError); ok {
		vm.errFrame = e.Frame
		vm.emitError(e)
	}
}

func (vm *VM) currentRun() run {
	return vm.runs[len(vm.runs)-1]
}

func (vm *VM) runActive(id uint64) bool {
	return slices.ContainsFunc(vm.runs, func(r run) bool { return r.id == id })
}

// liveTop is the first stack slot above every live register window.
func (vm *VM) liveTop() int {
	if vm.cur.Chunk == nil {
		return vm.cur.Base
	}
	return vm.cur.Base + vm.cur.Chunk.Regs()
}

// pushMark saves marker for a window starting at base. The marker goes into
// the slot below the window, which later receives the call's result.
func (vm *VM) pushMark(base int, marker heap.CallFrame) {
	vm.stack[base-1] = value.MakeCallFrame(len(vm.marks))
	vm.marks = append(vm.marks, marker)
}

// topMark returns the marker that saved the caller of the current frame.
func (vm *VM) topMark() *heap.CallFrame {
	if len(vm.marks) == 0 {
		panic(vm.eb.corrupt(errors.New("frame stack is empty")))
	}
	return &vm.marks[len(vm.marks)-1]
}

// popMark removes the current frame's marker and returns it.
func (vm *VM) popMark() heap.CallFrame {
	m := *vm.topMark()
	vm.marks = vm.marks[:len(vm.marks)-1]
	return m
}

// execute drives the dispatch loop until the frame that owns the boundary of
// r returns.
func (vm *VM) execute(r run) (value.Value, error) {
	base := r.base
	for {
		if vm.debugger != nil {
			if err := vm.debugger.check(vm); err != nil {
				vm.leave(r)
				return value.Value{}, err
			}
		}
		done, err := vm.step()
		if err != nil {
			done, err = vm.handle(r, err)
			if err != nil {
				vm.leave(r)
				if err == errHalt && len(vm.runs) == 1 {
					return value.NilValue, nil
				}
				return value.Value{}, err
			}
		}
		if done {
			return vm.stack[base], nil
		}
	}
}

// leave drops every frame of r and restores the state saved by its boundary
// marker.
func (vm *VM) leave(r run) {
	if r.mark >= len(vm.marks) {
		return
	}
	m := vm.marks[r.mark]
	vm.marks = vm.marks[:r.mark]
	vm.restore(&m)
}

// restore makes the frame saved in m current again.
func (vm *VM) restore(m *heap.CallFrame) {
	vm.cur = *m
	vm.cur.Run = false
	vm.cur.Defers = slices.Clone(m.Defers)
}

// callable returns the chunk and capture boxes of a Lambda or Closure.
func (vm *VM) callable(fn value.Value) (*chunk.Chunk, []value.Value) {
	switch fn.Kind {
	case value.Lambda:
		l, err := vm.heap.Lambda(fn)
		if err != nil {
			panic(vm.eb.invalidHandle(err))
		}
		return l.Chunk, nil
	case value.Closure:
		cl, err := vm.heap.Closure(fn)
		if err != nil {
			panic(vm.eb.invalidHandle(err))
		}
		return cl.Chunk, cl.Captures
	}
	panic(vm.eb.notCallable(fn))
}

func (vm *VM) continuation(kv value.Value) *heap.Continuation {
	k, err := vm.heap.Continuation(kv)
	if err != nil {
		panic(vm.eb.invalidHandle(err))
	}
	return k
}

func contArg(args []value.Value) value.Value {
	if len(args) == 0 {
		return value.NilValue
	}
	return args[0]
}
