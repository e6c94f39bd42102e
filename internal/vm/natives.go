package vm

import (
	"fmt"

	"fortio.org/safecast"

	"lispvm/internal/value"
)

// Native is a Go function callable from bytecode. args are dereferenced.
// Returning a *RaisedError (see VM.Raise) raises a catchable error with its
// own tag; any other error becomes :native-error.
type Native func(vm *VM, args []value.Value) (value.Value, error)

type native struct {
	name string
	fn   Native
}

// RegisterNative adds fn to the native table and binds it to the global
// name. It returns the Builtin value.
func (vm *VM) RegisterNative(name string, fn Native) value.Value {
	idx, err := safecast.Conv[uint32](len(vm.natives))
	if err != nil {
		panic(fmt.Errorf("native table overflow: %w", err))
	}
	vm.natives = append(vm.natives, native{name: name, fn: fn})
	v := value.MakeBuiltin(idx)
	vm.DefineGlobal(name, v)
	return v
}

// Retain keeps v among the roots reported by VisitRoots until release is
// called. Natives use it for values they hold between calls.
func (vm *VM) Retain(v value.Value) (release func()) {
	vm.nextRetain++
	id := vm.nextRetain
	if vm.retained == nil {
		vm.retained = make(map[uint64]value.Value)
	}
	vm.retained[id] = v
	return func() { delete(vm.retained, id) }
}

func (vm *VM) native(v value.Value) (native, bool) {
	if v.Kind != value.Builtin || v.Data >= uint64(len(vm.natives)) {
		return native{}, false
	}
	return vm.natives[v.Data], true
}

// NativeName returns the registered name of a Builtin value.
func (vm *VM) NativeName(v value.Value) string {
	if n, ok := vm.native(v); ok {
		return n.name
	}
	return ""
}

func (vm *VM) installCore() {
	vm.RegisterNative("pvec", nativePVec)
	vm.RegisterNative("pvec-conj", nativePVecConj)
	vm.RegisterNative("pvec-nth", nativePVecNth)
	vm.RegisterNative("pvec-assoc", nativePVecAssoc)
	vm.RegisterNative("pvec-len", nativePVecLen)
	vm.RegisterNative("pmap", nativePMap)
	vm.RegisterNative("pmap-assoc", nativePMapAssoc)
	vm.RegisterNative("pmap-get", nativePMapGet)
	vm.RegisterNative("make-map", nativeMakeMap)
	vm.RegisterNative("map-set", nativeMapSet)
	vm.RegisterNative("map-get", nativeMapGet)
	vm.RegisterNative("bytes", nativeBytes)
	vm.RegisterNative("apply", nativeApply)
}

func (vm *VM) wantArgs(name string, args []value.Value, lo, hi int) {
	if len(args) < lo || (hi >= 0 && len(args) > hi) {
		want := fmt.Sprint(lo)
		switch {
		case hi < 0:
			want = fmt.Sprintf("at least %d", lo)
		case hi != lo:
			want = fmt.Sprintf("%d to %d", lo, hi)
		}
		panic(vm.eb.arity(name, want, len(args)))
	}
}

func (vm *VM) wantKind(name string, v value.Value, k value.Kind) {
	if v.Kind != k {
		panic(vm.eb.typeMismatch(name, k.String(), v))
	}
}

func (vm *VM) intArg(name string, v value.Value) int {
	n, ok := v.Int()
	if !ok {
		panic(vm.eb.typeMismatch(name, "Int", v))
	}
	i, err := safecast.Conv[int](n)
	if err != nil {
		panic(vm.eb.typeMismatch(name, "Int", v))
	}
	return i
}

// fromHeap reports a heap accessor error on an argument already known to
// have the right kind as a dangling handle.
func (vm *VM) fromHeap(err error) {
	if err != nil {
		panic(vm.eb.invalidHandle(err))
	}
}

func nativePVec(vm *VM, args []value.Value) (value.Value, error) {
	v, err := vm.heap.PVecFrom(args)
	vm.fromHeap(err)
	return v, nil
}

func nativePVecConj(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("pvec-conj", args, 2, 2)
	vm.wantKind("pvec-conj", args[0], value.PersistentVec)
	v, err := vm.heap.PVecConj(args[0], args[1])
	vm.fromHeap(err)
	return v, nil
}

func nativePVecNth(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("pvec-nth", args, 2, 2)
	vm.wantKind("pvec-nth", args[0], value.PersistentVec)
	return vm.vectorNth(args[0], args[1]), nil
}

func nativePVecAssoc(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("pvec-assoc", args, 3, 3)
	vm.wantKind("pvec-assoc", args[0], value.PersistentVec)
	i := vm.intArg("pvec-assoc", args[1])
	n, err := vm.heap.PVecLen(args[0])
	vm.fromHeap(err)
	if i < 0 || i > n {
		panic(vm.eb.outOfRange("pvec-assoc", i, n))
	}
	v, err := vm.heap.PVecAssoc(args[0], i, args[2])
	vm.fromHeap(err)
	return v, nil
}

func nativePVecLen(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("pvec-len", args, 1, 1)
	vm.wantKind("pvec-len", args[0], value.PersistentVec)
	n, err := vm.heap.PVecLen(args[0])
	vm.fromHeap(err)
	return value.MakeInt(int64(n)), nil
}

func nativePMap(vm *VM, args []value.Value) (value.Value, error) {
	if len(args)%2 != 0 {
		panic(vm.eb.arity("pmap", "an even number of", len(args)))
	}
	m := vm.heap.EmptyPMap()
	for i := 0; i < len(args); i += 2 {
		var err error
		m, err = vm.heap.PMapAssoc(m, args[i], args[i+1])
		vm.fromHeap(err)
	}
	return m, nil
}

func nativePMapAssoc(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("pmap-assoc", args, 3, 3)
	vm.wantKind("pmap-assoc", args[0], value.PersistentMap)
	m, err := vm.heap.PMapAssoc(args[0], args[1], args[2])
	vm.fromHeap(err)
	return m, nil
}

func nativePMapGet(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("pmap-get", args, 2, 3)
	vm.wantKind("pmap-get", args[0], value.PersistentMap)
	v, ok, err := vm.heap.PMapGet(args[0], args[1])
	vm.fromHeap(err)
	return orDefault(v, ok, args[2:]), nil
}

func nativeMakeMap(vm *VM, args []value.Value) (value.Value, error) {
	if len(args)%2 != 0 {
		panic(vm.eb.arity("make-map", "an even number of", len(args)))
	}
	m := vm.heap.AllocMap()
	for i := 0; i < len(args); i += 2 {
		vm.fromHeap(vm.heap.MapSet(m, args[i], args[i+1]))
	}
	return m, nil
}

func nativeMapSet(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("map-set", args, 3, 3)
	vm.wantKind("map-set", args[0], value.Map)
	vm.fromHeap(vm.heap.MapSet(args[0], args[1], args[2]))
	return args[0], nil
}

func nativeMapGet(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("map-get", args, 2, 3)
	vm.wantKind("map-get", args[0], value.Map)
	v, ok, err := vm.heap.MapGet(args[0], args[1])
	vm.fromHeap(err)
	return orDefault(v, ok, args[2:]), nil
}

func orDefault(v value.Value, ok bool, def []value.Value) value.Value {
	switch {
	case ok:
		return v
	case len(def) > 0:
		return def[0]
	default:
		return value.NilValue
	}
}

func nativeBytes(vm *VM, args []value.Value) (value.Value, error) {
	buf := make([]byte, len(args))
	for i, a := range args {
		n := vm.intArg("bytes", a)
		b, err := safecast.Conv[uint8](n)
		if err != nil {
			panic(vm.eb.outOfRange("bytes", n, 256))
		}
		buf[i] = b
	}
	return vm.heap.AllocBytes(buf), nil
}

// nativeApply calls its first argument with the remaining arguments, the
// last of which is a list spliced into the call.
func nativeApply(vm *VM, args []value.Value) (value.Value, error) {
	vm.wantArgs("apply", args, 2, -1)
	last := args[len(args)-1]
	tail, err := vm.heap.ListItems(last)
	if err != nil {
		panic(vm.eb.typeMismatch("apply", "list", last))
	}
	call := append(append([]value.Value(nil), args[1:len(args)-1]...), tail...)
	return vm.Call(args[0], call...)
}
