package vm

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"lispvm/internal/heap"
	"lispvm/internal/value"
)

// pairFields reads CAR/CDR. Nil yields Nil for both fields.
func (vm *VM) pairFields(what string, v value.Value) (car, cdr value.Value) {
	switch v.Kind {
	case value.Nil:
		return value.NilValue, value.NilValue
	case value.Pair:
		p, err := vm.heap.Pair(v)
		if err != nil {
			panic(vm.eb.invalidHandle(err))
		}
		return p.Car, p.Cdr
	}
	panic(vm.eb.typeMismatch(what, "Pair", v))
}

func (vm *VM) mutablePair(what string, v value.Value) *heap.Cons {
	if v.Kind != value.Pair {
		panic(vm.eb.typeMismatch(what, "Pair", v))
	}
	p, err := vm.heap.Pair(v)
	if err != nil {
		panic(vm.eb.invalidHandle(err))
	}
	if p.ReadOnly {
		panic(vm.eb.readOnly("constant pair"))
	}
	return p
}

// appendLists implements APND: every list but the last is copied and the
// last becomes the shared tail.
func (vm *VM) appendLists(start, end int) value.Value {
	lists := vm.regRange(start, end)
	if len(lists) == 0 {
		return value.NilValue
	}
	var items []value.Value
	for _, l := range lists[:len(lists)-1] {
		elems, err := vm.heap.ListItems(l)
		if err != nil {
			panic(vm.eb.typeMismatch("APND", "list", l))
		}
		items = append(items, elems...)
	}
	out := lists[len(lists)-1]
	for i := len(items) - 1; i >= 0; i-- {
		out = vm.heap.AllocPair(items[i], out, false)
	}
	return out
}

// MaxVectorLen is the largest length VECMK, VECMKD and VECELS accept.
const MaxVectorLen = 1 << 24

// vectorLen reads a requested vector length.
func (vm *VM) vectorLen(what string, v value.Value) int {
	n := vm.intArg(what, v)
	if n < 0 || n > MaxVectorLen {
		panic(vm.eb.badLength(what, n))
	}
	return n
}

func (vm *VM) makeVector(capv value.Value) value.Value {
	n := vm.vectorLen("VECMK", capv)
	v := vm.heap.AllocVector(nil)
	vec, err := vm.heap.Vector(v)
	if err != nil {
		panic(vm.eb.invalidHandle(err))
	}
	vec.Items = make([]value.Value, 0, n)
	return v
}

// resizeVector implements VECELS: the vector is truncated or grown to n,
// new slots holding Undefined.
func (vm *VM) resizeVector(vec, lenv value.Value) {
	v := vm.mutableVector("VECELS", vec)
	n := vm.vectorLen("VECELS", lenv)
	if n <= len(v.Items) {
		clear(v.Items[n:])
		v.Items = v.Items[:n]
		return
	}
	v.Items = append(v.Items, make([]value.Value, n-len(v.Items))...)
}

func (vm *VM) mutableVector(what string, v value.Value) *heap.Vec {
	switch v.Kind {
	case value.Vector:
		vec, err := vm.heap.Vector(v)
		if err != nil {
			panic(vm.eb.invalidHandle(err))
		}
		return vec
	case value.PersistentVec:
		panic(vm.eb.readOnly("persistent vector"))
	}
	panic(vm.eb.typeMismatch(what, "Vector", v))
}

func (vm *VM) popVector(v value.Value) value.Value {
	vec := vm.mutableVector("VECPOP", v)
	n := len(vec.Items)
	if n == 0 {
		panic(vm.eb.outOfRange("VECPOP", 0, 0))
	}
	last := vec.Items[n-1]
	vec.Items[n-1] = value.Value{}
	vec.Items = vec.Items[:n-1]
	return last
}

func (vm *VM) vectorNth(v, idxv value.Value) value.Value {
	i := vm.intArg("VECNTH", idxv)
	switch v.Kind {
	case value.Vector:
		vec, err := vm.heap.Vector(v)
		if err != nil {
			panic(vm.eb.invalidHandle(err))
		}
		if i < 0 || i >= len(vec.Items) {
			panic(vm.eb.outOfRange("VECNTH", i, len(vec.Items)))
		}
		return vec.Items[i]
	case value.PersistentVec:
		n, err := vm.heap.PVecLen(v)
		if err != nil {
			panic(vm.eb.invalidHandle(err))
		}
		if i < 0 || i >= n {
			panic(vm.eb.outOfRange("VECNTH", i, n))
		}
		x, err := vm.heap.PVecNth(v, i)
		if err != nil {
			panic(vm.eb.invalidHandle(err))
		}
		return x
	}
	panic(vm.eb.typeMismatch("VECNTH", "Vector", v))
}

func (vm *VM) vectorSet(v, x, idxv value.Value) {
	vec := vm.mutableVector("VECSTH", v)
	i := vm.intArg("VECSTH", idxv)
	if i < 0 || i >= len(vec.Items) {
		panic(vm.eb.outOfRange("VECSTH", i, len(vec.Items)))
	}
	vec.Items[i] = x
}

func (vm *VM) filledVector(lenv, def value.Value) value.Value {
	n := vm.vectorLen("VECMKD", lenv)
	items := make([]value.Value, n)
	for i := range items {
		items[i] = def
	}
	return vm.heap.AllocVector(items)
}

// length implements VECLEN for every sized value: vectors, strings (in
// runes), byte buffers, maps and proper lists.
func (vm *VM) length(v value.Value) int {
	var (
		n   int
		err error
	)
	switch v.Kind {
	case value.Nil:
		return 0
	case value.Vector:
		var vec *heap.Vec
		if vec, err = vm.heap.Vector(v); err == nil {
			n = len(vec.Items)
		}
	case value.PersistentVec:
		n, err = vm.heap.PVecLen(v)
	case value.PersistentMap:
		n, err = vm.heap.PMapLen(v)
	case value.Map:
		var m *heap.HashMap
		if m, err = vm.heap.Map(v); err == nil {
			n = len(m.Entries)
		}
	case value.String:
		var s *heap.Str
		if s, err = vm.heap.Str(v); err == nil {
			n = utf8.RuneCountInString(s.S)
		}
	case value.Bytes:
		var b *heap.Buf
		if b, err = vm.heap.Bytes(v); err == nil {
			n = len(b.B)
		}
	case value.Pair:
		items, lerr := vm.heap.ListItems(v)
		if lerr != nil {
			panic(vm.eb.typeMismatch("VECLEN", "proper list", v))
		}
		return len(items)
	default:
		panic(vm.eb.typeMismatch("VECLEN", "sequence", v))
	}
	if err != nil {
		panic(vm.eb.invalidHandle(err))
	}
	return n
}

// concat implements STR: the display forms of the registers joined and
// NFC-normalized.
func (vm *VM) concat(start, end int) value.Value {
	var sb strings.Builder
	for _, v := range vm.regRange(start, end) {
		sb.WriteString(vm.Display(v))
	}
	return vm.heap.AllocString(norm.NFC.String(sb.String()), false)
}
