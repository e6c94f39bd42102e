package vm

import (
	"bytes"

	"golang.org/x/text/unicode/norm"

	"lispvm/internal/value"
)

type valuePair struct{ a, b value.Value }

// Equal implements EQUAL: structural equality through pairs, vectors, maps,
// byte buffers, boxes and error objects. Strings compare after NFC
// normalization. Int and Float are never EQUAL.
func (vm *VM) Equal(a, b value.Value) bool {
	return vm.equal(a, b, map[valuePair]bool{})
}

// equal tracks the handle pairs under comparison; a pair met again is
// assumed equal, which makes cyclic structures terminate.
func (vm *VM) equal(a, b value.Value, seen map[valuePair]bool) bool {
	a, b = vm.heap.Deref(a), vm.heap.Deref(b)
	if value.Identical(a, b) {
		return true
	}
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == value.Float {
		x, _ := a.Float()
		y, _ := b.Float()
		return x == y
	}
	if !a.Kind.IsHandle() {
		return false
	}
	key := valuePair{a, b}
	if seen[key] {
		return true
	}
	seen[key] = true

	switch a.Kind {
	case value.String:
		x, err1 := vm.heap.Str(a)
		y, err2 := vm.heap.Str(b)
		return err1 == nil && err2 == nil && norm.NFC.String(x.S) == norm.NFC.String(y.S)
	case value.Bytes:
		x, err1 := vm.heap.Bytes(a)
		y, err2 := vm.heap.Bytes(b)
		return err1 == nil && err2 == nil && bytes.Equal(x.B, y.B)
	case value.Pair:
		x, err1 := vm.heap.Pair(a)
		y, err2 := vm.heap.Pair(b)
		return err1 == nil && err2 == nil &&
			vm.equal(x.Car, y.Car, seen) && vm.equal(x.Cdr, y.Cdr, seen)
	case value.Vector:
		x, err1 := vm.heap.Vector(a)
		y, err2 := vm.heap.Vector(b)
		return err1 == nil && err2 == nil && vm.equalSlices(x.Items, y.Items, seen)
	case value.PersistentVec:
		x, err1 := vm.heap.PVecItems(a)
		y, err2 := vm.heap.PVecItems(b)
		return err1 == nil && err2 == nil && vm.equalSlices(x, y, seen)
	case value.Map:
		x, err1 := vm.heap.Map(a)
		y, err2 := vm.heap.Map(b)
		if err1 != nil || err2 != nil || len(x.Entries) != len(y.Entries) {
			return false
		}
		for k, e := range x.Entries {
			o, ok := y.Entries[k]
			if !ok || !vm.equal(e.Val, o.Val, seen) {
				return false
			}
		}
		return true
	case value.PersistentMap:
		xs, err1 := vm.heap.PMapEntries(a)
		n, err2 := vm.heap.PMapLen(b)
		if err1 != nil || err2 != nil || len(xs) != n {
			return false
		}
		for _, e := range xs {
			o, ok, err := vm.heap.PMapGet(b, e.Key)
			if err != nil || !ok || !vm.equal(e.Val, o, seen) {
				return false
			}
		}
		return true
	case value.Error:
		x, err1 := vm.heap.Err(a)
		y, err2 := vm.heap.Err(b)
		return err1 == nil && err2 == nil &&
			vm.equal(x.Tag, y.Tag, seen) && vm.equal(x.Payload, y.Payload, seen)
	}
	return false
}

func (vm *VM) equalSlices(x, y []value.Value, seen map[valuePair]bool) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if !vm.equal(x[i], y[i], seen) {
			return false
		}
	}
	return true
}
