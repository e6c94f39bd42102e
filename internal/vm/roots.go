package vm

import (
	"maps"
	"slices"

	"lispvm/internal/chunk"
	"lispvm/internal/value"
)

// VisitRoots calls fn for every heap handle the VM holds directly: live
// registers up to the end of the innermost window, the defers and handlers
// saved in the frame stack and in the current frame, globals, values the
// natives retain, the constants of active chunks and the error frame
// snapshot. Slots above the live windows are not roots.
func (vm *VM) VisitRoots(fn func(v value.Value)) {
	visit := func(v value.Value) {
		if v.Kind.IsHandle() {
			fn(v)
		}
	}

	top := min(vm.liveTop(), len(vm.stack))
	for _, v := range vm.stack[:top] {
		visit(v)
	}
	for _, m := range vm.marks {
		for _, d := range m.Defers {
			visit(d)
		}
		visit(m.OnErr)
	}
	for _, d := range vm.cur.Defers {
		visit(d)
	}
	visit(vm.cur.OnErr)

	for i := 0; i < vm.globals.Len(); i++ {
		if v, ok := vm.globals.Get(i); ok {
			visit(v)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(vm.retained)) {
		visit(vm.retained[id])
	}

	seen := map[*chunk.Chunk]bool{}
	for _, f := range vm.frames() {
		if seen[f.Chunk] {
			continue
		}
		seen[f.Chunk] = true
		for _, k := range f.Chunk.Constants {
			visit(k)
		}
	}

	if ef := vm.errFrame; ef != nil {
		for _, v := range ef.Regs {
			visit(v)
		}
	}
}
