package vm

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"lispvm/internal/chunk"
	"lispvm/internal/heap"
	"lispvm/internal/trace"
	"lispvm/internal/value"
)

// call implements CALL/CALLG: arguments are in R(first+1..first+nargs) and
// the result lands in R(first).
func (vm *VM) call(fn value.Value, nargs, first int) (bool, error) {
	vm.checkArgs(first, nargs)
	switch fn.Kind {
	case value.Builtin:
		res, err := vm.callNative(fn, vm.args(first+1, nargs))
		if err != nil {
			return false, err
		}
		vm.put(first, res)
		return false, nil
	case value.Continuation:
		return false, vm.throw(fn, vm.args(first+1, nargs))
	case value.Lambda, value.Closure:
		c, caps := vm.callable(fn)
		vm.callChunk(c, caps, nargs, first)
		return false, nil
	default:
		panic(vm.eb.notCallable(fn))
	}
}

// callSelf implements CALLM, a call of the executing chunk.
func (vm *VM) callSelf(nargs, first int) (bool, error) {
	vm.checkArgs(first, nargs)
	vm.callChunk(vm.cur.Chunk, vm.captures(), nargs, first)
	return false, nil
}

// callChunk opens the callee window one slot above R(first), whose slot
// keeps the marker until the result replaces it. The arguments move up with
// the window.
func (vm *VM) callChunk(c *chunk.Chunk, caps []value.Value, nargs, first int) {
	slot := vm.cur.Base + first
	vm.checkEntry(c, slot+1, nargs)
	copy(vm.stack[slot+2:slot+2+nargs], vm.stack[slot+1:slot+1+nargs])
	vm.stats.Calls++
	vm.enter(c, caps, slot+1, nargs, vm.cur, vm.cur.Depth+1)
}

// checkEntry raises in the calling frame when c cannot be entered at base
// with nargs arguments.
func (vm *VM) checkEntry(c *chunk.Chunk, base, nargs int) {
	req, opt := int(c.Args), int(c.OptArgs)
	if nargs < req || (!c.Rest && nargs > req+opt) {
		panic(vm.eb.arity(chunkName(c), arityString(c), nargs))
	}
	if c.ParamRegs()+len(c.Captures) >= c.Regs() {
		panic(vm.eb.corrupt(fmt.Errorf("%s: %d parameters and %d captures do not fit %d registers",
			chunkName(c), c.ParamRegs(), len(c.Captures), c.Regs())))
	}
	if need := base + max(c.Regs(), 1+nargs); need > len(vm.stack) {
		panic(vm.eb.stackOverflow(need, len(vm.stack)))
	}
}

// enter pushes a frame for c at base. The arguments are already in
// stack[base+1:]; marker is the saved state of the caller.
func (vm *VM) enter(c *chunk.Chunk, caps []value.Value, base, nargs int, marker heap.CallFrame, depth int) {
	vm.bindParams(c, caps, base, nargs)
	vm.pushMark(base, marker)
	vm.nextFrame++
	vm.cur = heap.CallFrame{ID: vm.nextFrame, Chunk: c, Base: base, Depth: depth}
	if depth > vm.stats.MaxDepth {
		vm.stats.MaxDepth = depth
	}
	if vm.traceCalls {
		vm.emit(trace.ScopeCall, "call", chunkName(c), map[string]string{"nargs": strconv.Itoa(nargs)})
	}
}

// bindParams lays out a new window: an empty R0, required and optional
// arguments, the rest list, cleared locals and the capture boxes.
func (vm *VM) bindParams(c *chunk.Chunk, caps []value.Value, base, nargs int) {
	vm.stack[base] = value.Value{}
	args := vm.stack[base+1 : base+1+nargs]
	for i, v := range args {
		args[i] = vm.heap.Deref(v)
	}
	fixed := int(c.Args) + int(c.OptArgs)
	for i := nargs; i < fixed; i++ {
		vm.stack[base+1+i] = value.Value{}
	}
	if c.Rest {
		rest := value.NilValue
		if nargs > fixed {
			rest = vm.heap.MakeList(vm.stack[base+1+fixed : base+1+nargs])
		}
		vm.stack[base+1+fixed] = rest
	}
	params := c.ParamRegs()
	clear(vm.stack[base+1+params : base+c.Regs()])
	copy(vm.stack[base+1+params:], caps)
}

// tailCall implements TCALL/TCALLG: arguments are in R(1..nargs) and the
// current window is reused under the same marker.
func (vm *VM) tailCall(fn value.Value, nargs int) (bool, error) {
	vm.checkArgs(0, nargs)
	switch fn.Kind {
	case value.Builtin:
		res, err := vm.callNative(fn, vm.args(1, nargs))
		if err != nil {
			return false, err
		}
		return vm.ret(res)
	case value.Continuation:
		return false, vm.throw(fn, vm.args(1, nargs))
	case value.Lambda, value.Closure:
		c, caps := vm.callable(fn)
		return vm.replaceFrame(c, caps, nargs)
	default:
		panic(vm.eb.notCallable(fn))
	}
}

// tailCallSelf implements TCALLM.
func (vm *VM) tailCallSelf(nargs int) (bool, error) {
	vm.checkArgs(0, nargs)
	return vm.replaceFrame(vm.cur.Chunk, vm.captures(), nargs)
}

func (vm *VM) replaceFrame(c *chunk.Chunk, caps []value.Value, nargs int) (bool, error) {
	base := vm.cur.Base
	vm.checkEntry(c, base, nargs)
	if err := vm.runDefers(); err != nil {
		return false, err
	}
	vm.stats.TailCalls++
	vm.bindParams(c, caps, base, nargs)
	vm.nextFrame++
	vm.cur = heap.CallFrame{ID: vm.nextFrame, Chunk: c, Base: base, Depth: vm.cur.Depth}
	if vm.traceCalls {
		vm.emit(trace.ScopeCall, "tail-call", chunkName(c), nil)
	}
	return false, nil
}

// ret runs the frame's defers, pops it and stores v over its marker slot,
// which is the caller's result register. It reports whether the popped
// marker was a run boundary.
func (vm *VM) ret(v value.Value) (bool, error) {
	if err := vm.runDefers(); err != nil {
		return false, err
	}
	slot := vm.cur.Base - 1
	if vm.traceCalls {
		vm.emit(trace.ScopeCall, "return", chunkName(vm.cur.Chunk), nil)
	}
	m := vm.popMark()
	vm.restore(&m)
	vm.stack[slot] = v
	return m.Boundary(), nil
}

// runDefers calls the current frame's deferred functions, newest first. Each
// entry is removed before it runs.
func (vm *VM) runDefers() error {
	for n := len(vm.cur.Defers); n > 0; n = len(vm.cur.Defers) {
		d := vm.cur.Defers[n-1]
		vm.cur.Defers = vm.cur.Defers[:n-1]
		if vm.traceCalls {
			vm.emit(trace.ScopeUnwind, "defer", chunkName(vm.cur.Chunk), nil)
		}
		if _, err := vm.Call(d); err != nil {
			return err
		}
	}
	return nil
}

// callNative invokes a Go function. Errors are normalized so the run loop
// sees VM errors, continuation jumps or the halt signal only.
func (vm *VM) callNative(fn value.Value, args []value.Value) (res value.Value, err error) {
	n, ok := vm.native(fn)
	if !ok {
		return value.Value{}, vm.eb.invalidHandle(fmt.Errorf("%w: builtin #%d", heap.ErrInvalidHandle, fn.Data))
	}
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*VMError); ok {
				err = e
				return
			}
			err = vm.eb.nativePanic(n.name, r)
		}
	}()
	res, err = n.fn(vm, args)
	if err != nil {
		return value.Value{}, vm.nativeError(n.name, err)
	}
	return res, nil
}

func (vm *VM) nativeError(name string, err error) error {
	var (
		ve *VMError
		re *RaisedError
		cj *contJump
	)
	switch {
	case errors.As(err, &ve):
		return ve
	case errors.As(err, &cj):
		return cj
	case errors.Is(err, errHalt), errors.Is(err, ErrAborted):
		return err
	case errors.As(err, &re):
		return vm.eb.raised(re.Tag, re.Payload)
	default:
		return vm.eb.nativeError(name, err)
	}
}

// throw starts a continuation jump from inside the current run.
func (vm *VM) throw(kv value.Value, args []value.Value) error {
	if len(args) > 1 {
		panic(vm.eb.arity("continuation", "0 or 1", len(args)))
	}
	k := vm.continuation(kv)
	if !vm.runActive(k.RunID) {
		panic(vm.eb.invalidContinuation())
	}
	return &contJump{k: k, arg: contArg(args)}
}

func chunkName(c *chunk.Chunk) string {
	if c == nil {
		return "<host>"
	}
	if c.Name == "" {
		return "<anon>"
	}
	return c.Name
}

func arityString(c *chunk.Chunk) string {
	req, opt := int(c.Args), int(c.OptArgs)
	switch {
	case c.Rest:
		return fmt.Sprintf("at least %d", req)
	case opt > 0:
		return fmt.Sprintf("%d to %d", req, req+opt)
	default:
		return fmt.Sprint(req)
	}
}

// frameChain lists the ids of the current frame and every caller up to the
// innermost run boundary, innermost first.
func (vm *VM) frameChain() []uint64 {
	ids := []uint64{vm.cur.ID}
	for i := len(vm.marks) - 1; i >= 0 && !vm.marks[i].Boundary(); i-- {
		ids = append(ids, vm.marks[i].ID)
	}
	return ids
}

func containsID(ids []uint64, id uint64) bool {
	return slices.Contains(ids, id)
}
