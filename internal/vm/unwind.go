package vm

import (
	"errors"
	"fmt"
	"slices"

	"lispvm/internal/heap"
	"lispvm/internal/trace"
	"lispvm/internal/value"
)

// contJump carries a continuation invocation through the run loop and,
// across nested runs, through the natives that re-entered the engine.
type contJump struct {
	k   *heap.Continuation
	arg value.Value
}

func (j *contJump) Error() string { return "continuation jump" }

// handle deals with an error raised while r was running: it unwinds frames,
// gives ONERR handlers a chance and performs continuation jumps. It returns
// done when a handler's frame returned through r's boundary, and an error
// when the error (or a jump to an outer run) must leave r.
func (vm *VM) handle(r run, err error) (done bool, out error) {
	defer catchVMError(&out)
	for {
		if errors.Is(err, errHalt) || errors.Is(err, ErrAborted) {
			return false, err
		}
		var j *contJump
		if errors.As(err, &j) {
			if j.k.RunID != r.id {
				if aerr := vm.abandon(nil); aerr != nil {
					err = aerr
					continue
				}
				return false, j
			}
			if aerr := vm.abandon(j.k.Chain); aerr != nil {
				err = aerr
				continue
			}
			vm.resume(r, j)
			return false, nil
		}

		e := vm.asVMError(err)
		if e.Frame == nil {
			e.Frame = vm.snapshotFrame()
		}
		if e.Code.Fatal() {
			return false, e
		}

		if h := vm.cur.OnErr; e.Code.Catchable() && isCallable(h) {
			vm.cur.OnErr = value.Value{}
			if vm.traceCalls {
				vm.emit(trace.ScopeUnwind, "catch", chunkName(vm.cur.Chunk), map[string]string{"tag": e.Tag})
			}
			res, herr := vm.Call(h, e.TagValue, e.Payload)
			if herr != nil {
				err = herr
				continue
			}
			done, rerr := vm.ret(res)
			if rerr != nil {
				err = rerr
				continue
			}
			return done, nil
		}

		if derr := vm.runDefers(); derr != nil {
			err = derr
			continue
		}
		if vm.traceCalls {
			vm.emit(trace.ScopeUnwind, "pop", chunkName(vm.cur.Chunk), map[string]string{"tag": e.Tag})
		}
		if vm.topMark().Boundary() {
			return false, e
		}
		m := vm.popMark()
		vm.restore(&m)
		err = e
	}
}

func (vm *VM) asVMError(err error) *VMError {
	var e *VMError
	if errors.As(err, &e) {
		return e
	}
	return vm.eb.nativeError("host", err)
}

// abandon runs the defers of every frame of the current run that is not in
// chain, popping each one, until it reaches a frame in chain or the run
// boundary.
func (vm *VM) abandon(chain []uint64) error {
	for !containsID(chain, vm.cur.ID) {
		if err := vm.runDefers(); err != nil {
			return err
		}
		if vm.topMark().Boundary() {
			return nil
		}
		m := vm.popMark()
		vm.restore(&m)
	}
	return nil
}

// resume reinstates the snapshot of j's continuation in r and delivers its
// value to the destination register of the capturing CCC.
func (vm *VM) resume(r run, j *contJump) {
	k := j.k
	copy(vm.stack[k.RunBase:], k.Stack)
	vm.marks = append(vm.marks[:r.mark], k.Marks...)
	vm.cur = k.Frame
	vm.cur.Defers = slices.Clone(k.Frame.Defers)
	vm.stack[vm.cur.Base+k.Dest] = j.arg
	if vm.traceCalls {
		vm.emit(trace.ScopeCont, "resume", chunkName(vm.cur.Chunk), map[string]string{
			"dest": fmt.Sprint(k.Dest),
		})
	}
}

// callCC implements CCC fn dst: capture the continuation of the current
// frame, store it in R(dst+1) and call R(fn) with it.
func (vm *VM) callCC(fnReg, dst int) (bool, error) {
	fn := vm.reg(fnReg)
	vm.checkArgs(dst, 1)
	r := vm.currentRun()
	frame := vm.cur
	frame.Defers = slices.Clone(vm.cur.Defers)
	k := heap.Continuation{
		Frame:   frame,
		Dest:    dst,
		RunBase: r.base,
		RunID:   r.id,
		Stack:   slices.Clone(vm.stack[r.base:vm.liveTop()]),
		Marks:   slices.Clone(vm.marks[r.mark:]),
		Chain:   vm.frameChain(),
	}
	if vm.traceCalls {
		vm.emit(trace.ScopeCont, "capture", chunkName(vm.cur.Chunk), map[string]string{
			"slots": fmt.Sprint(len(k.Stack)),
		})
	}
	vm.put(dst+1, vm.heap.AllocContinuation(k))
	return vm.call(fn, 1, dst)
}
