package vm

import (
	"fmt"
	"sort"

	"lispvm/internal/value"
)

type globalSlot struct {
	sym     value.SymbolID
	val     value.Value
	defined bool
}

// Globals is the per-VM global table. Every global has a stable index so
// compiled code can address it directly with REFI and CALLG.
type Globals struct {
	syms  *value.Interner
	slots []globalSlot
	index map[value.SymbolID]int
}

func newGlobals(syms *value.Interner) *Globals {
	return &Globals{syms: syms, index: make(map[value.SymbolID]int)}
}

// Reserve returns the index of sym, allocating an unbound slot on first use.
func (g *Globals) Reserve(sym value.SymbolID) int {
	if idx, ok := g.index[sym]; ok {
		return idx
	}
	g.slots = append(g.slots, globalSlot{sym: sym})
	idx := len(g.slots) - 1
	g.index[sym] = idx
	return idx
}

// ReserveName is Reserve for a symbol name.
func (g *Globals) ReserveName(name string) int {
	return g.Reserve(g.syms.Intern(name))
}

// Def binds sym to v.
func (g *Globals) Def(sym value.SymbolID, v value.Value) {
	s := &g.slots[g.Reserve(sym)]
	s.val = v
	s.defined = true
}

// DefV binds sym to v unless it is already defined. It reports whether the
// binding happened.
func (g *Globals) DefV(sym value.SymbolID, v value.Value) bool {
	s := &g.slots[g.Reserve(sym)]
	if s.defined {
		return false
	}
	s.val = v
	s.defined = true
	return true
}

// Get reads the global at idx. ok is false for unbound or unknown slots.
func (g *Globals) Get(idx int) (value.Value, bool) {
	if idx < 0 || idx >= len(g.slots) || !g.slots[idx].defined {
		return value.Value{}, false
	}
	return g.slots[idx].val, true
}

// Lookup reads the global named by sym.
func (g *Globals) Lookup(sym value.SymbolID) (value.Value, bool) {
	idx, ok := g.index[sym]
	if !ok {
		return value.Value{}, false
	}
	return g.Get(idx)
}

// Name returns the symbol name of slot idx.
func (g *Globals) Name(idx int) string {
	if idx < 0 || idx >= len(g.slots) {
		return ""
	}
	return g.syms.Name(g.slots[idx].sym)
}

// Len returns the number of slots, bound or not.
func (g *Globals) Len() int { return len(g.slots) }

// Each calls fn for every defined global in name order.
func (g *Globals) Each(fn func(idx int, name string, v value.Value)) {
	order := make([]int, 0, len(g.slots))
	for i, s := range g.slots {
		if s.defined {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool { return g.Name(order[a]) < g.Name(order[b]) })
	for _, i := range order {
		fn(i, g.Name(i), g.slots[i].val)
	}
}

// DefineGlobal binds name to v.
func (vm *VM) DefineGlobal(name string, v value.Value) {
	vm.globals.Def(vm.syms.Intern(name), v)
}

// GlobalValue reads the global called name.
func (vm *VM) GlobalValue(name string) (value.Value, bool) {
	id, ok := vm.syms.Lookup(name)
	if !ok {
		return value.Value{}, false
	}
	return vm.globals.Lookup(id)
}

// ReserveGlobal returns the index of the global called name. The assembler
// uses it to resolve G:name operands.
func (vm *VM) ReserveGlobal(name string) int {
	return vm.globals.ReserveName(name)
}

// GlobalName returns the name of slot idx.
func (vm *VM) GlobalName(idx int) (string, bool) {
	if idx < 0 || idx >= vm.globals.Len() {
		return "", false
	}
	return vm.globals.Name(idx), true
}

// globalSymbol returns the symbol id a DEF/DEFV/REF operand names.
func (vm *VM) globalSymbol(v value.Value) value.SymbolID {
	if v.Kind != value.Symbol {
		panic(vm.eb.typeMismatch("global name", "Symbol", v))
	}
	id, _ := v.Symbol()
	return id
}

func (vm *VM) globalBySymbol(v value.Value) value.Value {
	id := vm.globalSymbol(v)
	g, ok := vm.globals.Lookup(id)
	if !ok {
		panic(vm.eb.unboundGlobal(vm.syms.Name(id)))
	}
	return g
}

func (vm *VM) globalAt(idx int) value.Value {
	if idx < 0 || idx >= vm.globals.Len() {
		panic(vm.eb.corrupt(fmt.Errorf("global G[%d] outside table of %d", idx, vm.globals.Len())))
	}
	g, ok := vm.globals.Get(idx)
	if !ok {
		panic(vm.eb.unboundGlobal(vm.globals.Name(idx)))
	}
	return g
}
