package vm

import (
	"fmt"

	"lispvm/internal/value"
)

// slot maps register r of the current window to its stack index.
func (vm *VM) slot(r int) int {
	if n := vm.cur.Chunk.Regs(); r < 0 || r >= n {
		panic(vm.eb.corrupt(fmt.Errorf("register R(%d) outside window of %d", r, n)))
	}
	return vm.cur.Base + r
}

// raw reads a register without dereferencing boxes.
func (vm *VM) raw(r int) value.Value {
	return vm.stack[vm.slot(r)]
}

// reg reads a register, looking through a box.
func (vm *VM) reg(r int) value.Value {
	v := vm.stack[vm.slot(r)]
	if v.Kind == value.Boxed {
		return vm.unbox(v)
	}
	return v
}

// set writes v into register r, through the register's box if it holds one.
func (vm *VM) set(r int, v value.Value) {
	i := vm.slot(r)
	if cur := vm.stack[i]; cur.Kind == value.Boxed {
		b, err := vm.heap.Box(cur)
		if err != nil {
			panic(vm.eb.invalidHandle(err))
		}
		b.V = v
		return
	}
	vm.stack[i] = v
}

// put replaces register r, dropping any box it held.
func (vm *VM) put(r int, v value.Value) {
	vm.stack[vm.slot(r)] = v
}

func (vm *VM) unbox(v value.Value) value.Value {
	b, err := vm.heap.Box(v)
	if err != nil {
		panic(vm.eb.invalidHandle(err))
	}
	return b.V
}

// args copies n dereferenced registers starting at first.
func (vm *VM) args(first, n int) []value.Value {
	out := make([]value.Value, n)
	for i := range out {
		out[i] = vm.reg(first + i)
	}
	return out
}

// checkArgs verifies that the argument registers of a call lie inside the
// current window.
func (vm *VM) checkArgs(first, nargs int) {
	if n := vm.cur.Chunk.Regs(); first+nargs >= n {
		panic(vm.eb.corrupt(fmt.Errorf("call arguments R(%d)..R(%d) outside window of %d", first, first+nargs, n)))
	}
}

// captures returns the boxes the executing closure was called with.
func (vm *VM) captures() []value.Value {
	c := vm.cur.Chunk
	if len(c.Captures) == 0 {
		return nil
	}
	start := vm.cur.Base + 1 + c.ParamRegs()
	return append([]value.Value(nil), vm.stack[start:start+len(c.Captures)]...)
}
