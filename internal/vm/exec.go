package vm

import (
	"fmt"

	"fortio.org/safecast"

	"lispvm/internal/chunk"
	"lispvm/internal/trace"
	"lispvm/internal/value"
)

// step executes exactly one instruction. done is set when the frame owning
// the innermost run boundary has returned.
func (vm *VM) step() (done bool, err error) {
	defer catchVMError(&err)

	if vm.interrupted.Load() {
		vm.interrupted.Store(false)
		return false, vm.eb.interrupted()
	}

	f := &vm.cur
	f.CallIP = f.IP
	in, derr := chunk.Decode(f.Chunk.Code, f.IP, false)
	if derr == nil && in.Op == chunk.OpWide {
		in, derr = chunk.Decode(f.Chunk.Code, in.Next, true)
	}
	if derr != nil {
		return false, vm.eb.corrupt(derr)
	}
	f.IP = in.Next
	vm.stats.Instructions++
	if vm.Trace != nil {
		vm.Trace.TraceInstr(vm, in)
	}
	if vm.traceInstrs {
		vm.emit(trace.ScopeInstr, in.Op.String(), "", nil)
	}
	return vm.exec(in)
}

func (vm *VM) exec(in chunk.Instr) (bool, error) {
	a, b, c := in.Operands[0], in.Operands[1], in.Operands[2]

	switch in.Op {
	case chunk.OpNop:
	case chunk.OpHalt:
		vm.halted = true
		return false, errHalt
	case chunk.OpRet:
		return vm.ret(value.NilValue)
	case chunk.OpSRet:
		return vm.ret(vm.reg(a))

	case chunk.OpMov:
		vm.put(a, vm.raw(b))
	case chunk.OpSet:
		vm.set(a, vm.reg(b))
	case chunk.OpConst:
		vm.set(a, vm.constant(b))
	case chunk.OpRef:
		vm.set(a, vm.globalBySymbol(vm.reg(b)))
	case chunk.OpDef:
		vm.globals.Def(vm.globalSymbol(vm.reg(a)), vm.reg(b))
	case chunk.OpDefV:
		vm.globals.DefV(vm.globalSymbol(vm.reg(a)), vm.reg(b))
	case chunk.OpRefI:
		vm.set(a, vm.globalAt(b))
	case chunk.OpClrReg:
		vm.put(a, value.Value{})
	case chunk.OpRegT:
		vm.set(a, value.TrueValue)
	case chunk.OpRegF:
		vm.set(a, value.FalseValue)
	case chunk.OpRegN:
		vm.set(a, value.NilValue)
	case chunk.OpRegC:
		vm.set(a, value.UndefinedValue)
	case chunk.OpRegB:
		n, err := safecast.Conv[uint8](b)
		if err != nil {
			panic(vm.eb.corrupt(fmt.Errorf("REGB immediate %d: %w", b, err)))
		}
		vm.set(a, value.MakeByte(n))
	case chunk.OpRegI, chunk.OpRegU:
		vm.set(a, value.MakeInt(int64(b)))

	case chunk.OpClose:
		vm.set(a, vm.close(vm.reg(b)))
	case chunk.OpBMov:
		dst, src := vm.slot(a), vm.slot(b)
		if c > 0 {
			vm.slot(a + c - 1)
			vm.slot(b + c - 1)
		}
		copy(vm.stack[dst:dst+c], vm.stack[src:src+c])

	case chunk.OpCall:
		return vm.call(vm.reg(a), b, c)
	case chunk.OpCallG:
		return vm.call(vm.globalAt(a), b, c)
	case chunk.OpTCall:
		return vm.tailCall(vm.reg(a), b)
	case chunk.OpTCallG:
		return vm.tailCall(vm.globalAt(a), b)
	case chunk.OpCallM:
		return vm.callSelf(a, b)
	case chunk.OpTCallM:
		return vm.tailCallSelf(a)

	case chunk.OpEq:
		vm.set(a, value.MakeBool(value.Identical(vm.reg(b), vm.reg(c))))
	case chunk.OpEqual:
		vm.set(a, value.MakeBool(vm.Equal(vm.reg(b), vm.reg(c))))
	case chunk.OpNot:
		vm.set(a, value.MakeBool(!vm.reg(b).Truthy()))

	case chunk.OpErr:
		panic(vm.eb.raised(vm.reg(a), vm.reg(b)))
	case chunk.OpCCC:
		return vm.callCC(a, b)
	case chunk.OpDfr:
		fn := vm.reg(a)
		if !isCallable(fn) {
			panic(vm.eb.typeMismatch("DFR", "callable", fn))
		}
		vm.cur.Defers = append(vm.cur.Defers, fn)
	case chunk.OpDfrPop:
		if n := len(vm.cur.Defers); n > 0 {
			vm.cur.Defers = vm.cur.Defers[:n-1]
		}
	case chunk.OpOnErr:
		vm.onErr(a)

	case chunk.OpJmp:
		vm.jump(a)
	case chunk.OpJmpF, chunk.OpJmpB:
		vm.jumpRel(in.Op, a)
	case chunk.OpJmpFT, chunk.OpJmpBT:
		if vm.reg(a).Truthy() {
			vm.jumpRel(in.Op, b)
		}
	case chunk.OpJmpFF, chunk.OpJmpBF:
		if !vm.reg(a).Truthy() {
			vm.jumpRel(in.Op, b)
		}
	case chunk.OpJmpT:
		if vm.reg(a).Truthy() {
			vm.jump(b)
		}
	case chunk.OpJmpFalse:
		if !vm.reg(a).Truthy() {
			vm.jump(b)
		}
	case chunk.OpJmpEq:
		if vm.jumpEqual(vm.reg(a), vm.reg(b)) {
			vm.jump(c)
		}
	case chunk.OpJmpLt:
		if vm.compare(in.Op, vm.reg(a), vm.reg(b)) {
			vm.jump(c)
		}
	case chunk.OpJmpGt:
		if vm.compare(in.Op, vm.reg(a), vm.reg(b)) {
			vm.jump(c)
		}
	case chunk.OpJmpFU, chunk.OpJmpBU:
		if vm.reg(a).IsUndefined() {
			vm.jumpRel(in.Op, b)
		}
	case chunk.OpJmpFNU, chunk.OpJmpBNU:
		if !vm.reg(a).IsUndefined() {
			vm.jumpRel(in.Op, b)
		}

	case chunk.OpAdd, chunk.OpSub, chunk.OpMul, chunk.OpDiv:
		vm.set(a, vm.arith(in.Op, vm.reg(b), vm.reg(c)))
	case chunk.OpAddM, chunk.OpSubM, chunk.OpMulM, chunk.OpDivM:
		vm.set(a, vm.arith(in.Op, vm.reg(a), vm.reg(b)))
	case chunk.OpNumEq, chunk.OpNumNeq, chunk.OpNumLt, chunk.OpNumGt, chunk.OpNumLte, chunk.OpNumGte:
		vm.set(a, value.MakeBool(vm.compare(in.Op, vm.reg(b), vm.reg(c))))
	case chunk.OpInc:
		vm.set(a, vm.arith(chunk.OpAdd, vm.reg(a), value.MakeInt(int64(b))))
	case chunk.OpDec:
		vm.set(a, vm.arith(chunk.OpSub, vm.reg(a), value.MakeInt(int64(b))))

	case chunk.OpCons:
		vm.set(a, vm.heap.AllocPair(vm.reg(b), vm.reg(c), false))
	case chunk.OpCar:
		car, _ := vm.pairFields("CAR", vm.reg(b))
		vm.set(a, car)
	case chunk.OpCdr:
		_, cdr := vm.pairFields("CDR", vm.reg(b))
		vm.set(a, cdr)
	case chunk.OpXar:
		vm.mutablePair("XAR", vm.reg(a)).Car = vm.reg(b)
	case chunk.OpXdr:
		vm.mutablePair("XDR", vm.reg(a)).Cdr = vm.reg(b)

	case chunk.OpList:
		vm.set(a, vm.heap.MakeList(vm.regRange(b, c)))
	case chunk.OpApnd:
		vm.set(a, vm.appendLists(b, c))
	case chunk.OpVecMk:
		vm.set(a, vm.makeVector(vm.reg(b)))
	case chunk.OpVecEls:
		vm.resizeVector(vm.reg(a), vm.reg(b))
	case chunk.OpVecPsh:
		v := vm.mutableVector("VECPSH", vm.reg(a))
		v.Items = append(v.Items, vm.reg(b))
	case chunk.OpVecPop:
		vm.set(b, vm.popVector(vm.reg(a)))
	case chunk.OpVecNth:
		vm.set(b, vm.vectorNth(vm.reg(a), vm.reg(c)))
	case chunk.OpVecSth:
		vm.vectorSet(vm.reg(a), vm.reg(b), vm.reg(c))
	case chunk.OpVecMkD:
		vm.set(a, vm.filledVector(vm.reg(b), vm.reg(c)))
	case chunk.OpVec:
		vm.set(a, vm.heap.AllocVector(vm.regRange(b, c)))
	case chunk.OpVecLen:
		vm.set(a, value.MakeInt(int64(vm.length(vm.reg(b)))))
	case chunk.OpVecClr:
		v := vm.mutableVector("VECCLR", vm.reg(a))
		v.Items = v.Items[:0]
	case chunk.OpStr:
		vm.set(a, vm.concat(b, c))

	case chunk.OpType:
		vm.set(a, vm.Keyword(vm.TypeName(vm.reg(b))))

	default:
		panic(vm.eb.corrupt(fmt.Errorf("%w: unhandled opcode %s", chunk.ErrCorrupt, in.Op)))
	}
	return false, nil
}

func (vm *VM) constant(k int) value.Value {
	consts := vm.cur.Chunk.Constants
	if k < 0 || k >= len(consts) {
		panic(vm.eb.corrupt(fmt.Errorf("constant K(%d) outside pool of %d", k, len(consts))))
	}
	return consts[k]
}

// jump moves to an absolute code offset. Offsets past the end are reported
// as corrupt code by the next decode.
func (vm *VM) jump(target int) {
	vm.cur.IP = target
}

// jumpRel moves relative to the ip following the jump instruction.
func (vm *VM) jumpRel(op chunk.Opcode, off int) {
	if op.Backward() {
		vm.cur.IP -= off
		return
	}
	vm.cur.IP += off
}

// regRange returns the dereferenced registers [start, end).
func (vm *VM) regRange(start, end int) []value.Value {
	if end < start {
		panic(vm.eb.corrupt(fmt.Errorf("register range R(%d)..R(%d) is reversed", start, end)))
	}
	if end > start {
		vm.slot(end - 1)
	}
	return vm.args(start, end-start)
}

// close builds a closure over the current frame's capture registers. Each
// captured register is boxed in place so the frame and the closure share it.
func (vm *VM) close(fn value.Value) value.Value {
	if fn.Kind != value.Lambda {
		panic(vm.eb.typeMismatch("CLOSE", "Lambda", fn))
	}
	c, _ := vm.callable(fn)
	caps := make([]value.Value, len(c.Captures))
	for i, r := range c.Captures {
		cur := vm.raw(int(r))
		if cur.Kind != value.Boxed {
			cur = vm.heap.AllocBox(cur)
			vm.put(int(r), cur)
		}
		caps[i] = cur
	}
	return vm.heap.AllocClosure(c, caps)
}

// onErr installs the handler in R(r) and leaves the previous one (or Nil)
// in R(r). Nil or False uninstalls.
func (vm *VM) onErr(r int) {
	h := vm.reg(r)
	prev := vm.cur.OnErr
	if prev.IsUndefined() {
		prev = value.NilValue
	}
	switch {
	case h.Kind == value.Nil || h.Kind == value.False:
		vm.cur.OnErr = value.Value{}
	case isCallable(h):
		vm.cur.OnErr = h
	default:
		panic(vm.eb.typeMismatch("ONERR", "callable", h))
	}
	vm.set(r, prev)
}

func isCallable(v value.Value) bool {
	switch v.Kind {
	case value.Lambda, value.Closure, value.Builtin, value.Continuation:
		return true
	}
	return false
}
