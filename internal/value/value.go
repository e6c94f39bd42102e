// Package value defines the VM value representation: a small tagged union of
// immediates and opaque heap handles.
package value

import (
	"fmt"
	"math"
)

// Kind identifies the active variant of a Value.
type Kind uint8

const (
	// Undefined is the zero value and the "empty register" sentinel.
	Undefined Kind = iota
	// Nil is the empty list / absent value.
	Nil
	// True is the boolean true.
	True
	// False is the boolean false.
	False
	// Byte is an inline unsigned byte.
	Byte
	// Int is an inline signed 64-bit integer.
	Int
	// Float is an inline float64 stored as raw bits.
	Float
	// Char is an inline unicode code point.
	Char
	// Symbol is an interned symbol id.
	Symbol
	// Keyword is an interned keyword id.
	Keyword
	// Builtin is an index into the VM's native function table.
	Builtin

	// String is a handle to a heap string.
	String
	// Vector is a handle to a growable vector.
	Vector
	// PersistentVec is a handle to a persistent vector root.
	PersistentVec
	// VecNode is a handle to an internal persistent vector trie node.
	VecNode
	// PersistentMap is a handle to a persistent map root.
	PersistentMap
	// MapNode is a handle to an internal persistent map trie node.
	MapNode
	// Map is a handle to a mutable hash map.
	Map
	// Bytes is a handle to a byte buffer.
	Bytes
	// Pair is a handle to a cons cell.
	Pair
	// Lambda is a handle to a chunk without captures.
	Lambda
	// Closure is a handle to a chunk plus captured boxes.
	Closure
	// Continuation is a handle to a captured continuation.
	Continuation
	// CallFrame marks the slot below a register window. Data indexes the
	// VM's frame stack, not the heap.
	CallFrame
	// Boxed is a handle to a shared mutable cell (captured variable).
	Boxed
	// Error is a handle to an error object (tag + payload).
	Error
)

var kindNames = [...]string{
	Undefined:     "Undefined",
	Nil:           "Nil",
	True:          "True",
	False:         "False",
	Byte:          "Byte",
	Int:           "Int",
	Float:         "Float",
	Char:          "Char",
	Symbol:        "Symbol",
	Keyword:       "Keyword",
	Builtin:       "Builtin",
	String:        "String",
	Vector:        "Vector",
	PersistentVec: "PersistentVector",
	VecNode:       "VecNode",
	PersistentMap: "PersistentMap",
	MapNode:       "MapNode",
	Map:           "Map",
	Bytes:         "Bytes",
	Pair:          "Pair",
	Lambda:        "Lambda",
	Closure:       "Closure",
	Continuation:  "Continuation",
	CallFrame:     "CallFrame",
	Boxed:         "Value",
	Error:         "Error",
}

// String returns the display name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsHandle reports whether values of this kind reference heap storage.
func (k Kind) IsHandle() bool {
	return k >= String && k != CallFrame
}

// Handle is an opaque index into heap storage.
type Handle uint32

// SymbolID identifies an interned symbol or keyword name.
type SymbolID uint32

// Value is a tagged union. Immediates keep their payload in Data; handle kinds
// keep a Handle in Data and must be resolved through the heap.
type Value struct {
	Kind Kind
	Data uint64
}

// Common immediates.
var (
	UndefinedValue = Value{Kind: Undefined}
	NilValue       = Value{Kind: Nil}
	TrueValue      = Value{Kind: True}
	FalseValue     = Value{Kind: False}
)

// MakeInt returns an Int value.
func MakeInt(i int64) Value { return Value{Kind: Int, Data: uint64(i)} }

// MakeFloat returns a Float value.
func MakeFloat(f float64) Value { return Value{Kind: Float, Data: math.Float64bits(f)} }

// MakeByte returns a Byte value.
func MakeByte(b byte) Value { return Value{Kind: Byte, Data: uint64(b)} }

// MakeChar returns a Char value.
func MakeChar(r rune) Value { return Value{Kind: Char, Data: uint64(uint32(r))} }

// MakeBool maps a Go bool to True/False.
func MakeBool(b bool) Value {
	if b {
		return TrueValue
	}
	return FalseValue
}

// MakeSymbol returns a Symbol value for an interned id.
func MakeSymbol(id SymbolID) Value { return Value{Kind: Symbol, Data: uint64(id)} }

// MakeKeyword returns a Keyword value for an interned id.
func MakeKeyword(id SymbolID) Value { return Value{Kind: Keyword, Data: uint64(id)} }

// MakeBuiltin returns a Builtin value referencing a native table slot.
func MakeBuiltin(idx uint32) Value { return Value{Kind: Builtin, Data: uint64(idx)} }

// MakeCallFrame returns the marker of the frame saved at index i of a VM's
// frame stack.
func MakeCallFrame(i int) Value { return Value{Kind: CallFrame, Data: uint64(i)} } //nolint:gosec // frame stack index

// FromHandle builds a handle-carrying value. It panics if kind is an immediate.
func FromHandle(kind Kind, h Handle) Value {
	if !kind.IsHandle() {
		panic(fmt.Sprintf("value: %s is not a handle kind", kind))
	}
	return Value{Kind: kind, Data: uint64(h)}
}

// Int returns the integer payload. Byte values widen.
func (v Value) Int() (int64, bool) {
	switch v.Kind {
	case Int:
		return int64(v.Data), true
	case Byte:
		return int64(v.Data & 0xff), true
	default:
		return 0, false
	}
}

// Float returns the float payload, converting integers.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case Float:
		return math.Float64frombits(v.Data), true
	case Int:
		return float64(int64(v.Data)), true
	case Byte:
		return float64(v.Data & 0xff), true
	default:
		return 0, false
	}
}

// Char returns the code point payload.
func (v Value) Char() (rune, bool) {
	if v.Kind != Char {
		return 0, false
	}
	return rune(uint32(v.Data)), true
}

// Symbol returns the interned id of a Symbol or Keyword.
func (v Value) Symbol() (SymbolID, bool) {
	if v.Kind != Symbol && v.Kind != Keyword {
		return 0, false
	}
	return SymbolID(v.Data), true
}

// Handle returns the heap handle of a handle-carrying value.
func (v Value) Handle() (Handle, bool) {
	if !v.Kind.IsHandle() {
		return 0, false
	}
	return Handle(v.Data), true
}

// IsNumber reports whether the value takes part in arithmetic.
func (v Value) IsNumber() bool {
	return v.Kind == Int || v.Kind == Float || v.Kind == Byte
}

// IsUndefined reports whether the value is the empty sentinel.
func (v Value) IsUndefined() bool { return v.Kind == Undefined }

// IsNil reports whether the value is Nil.
func (v Value) IsNil() bool { return v.Kind == Nil }

// Truthy follows Lisp convention: only False, Nil and Undefined are falsey.
func (v Value) Truthy() bool {
	switch v.Kind {
	case False, Nil, Undefined:
		return false
	default:
		return true
	}
}

// Identical implements EQ: same variant and same immediate payload or handle.
// Floats compare by bits so NaN is EQ to itself.
func Identical(a, b Value) bool {
	return a.Kind == b.Kind && a.Data == b.Data
}
