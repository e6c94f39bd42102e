package vm

import (
	"lispvm/internal/chunk"
	"lispvm/internal/value"
)

func baseArith(op chunk.Opcode) chunk.Opcode {
	switch op {
	case chunk.OpAddM:
		return chunk.OpAdd
	case chunk.OpSubM:
		return chunk.OpSub
	case chunk.OpMulM:
		return chunk.OpMul
	case chunk.OpDivM:
		return chunk.OpDiv
	}
	return op
}

// arith applies an arithmetic opcode. Ints (and bytes) stay Int; a Float
// operand promotes the result. Int overflow wraps.
func (vm *VM) arith(op chunk.Opcode, a, b value.Value) value.Value {
	op = baseArith(op)
	if !a.IsNumber() {
		panic(vm.eb.typeMismatch(op.String(), "number", a))
	}
	if !b.IsNumber() {
		panic(vm.eb.typeMismatch(op.String(), "number", b))
	}

	if a.Kind != value.Float && b.Kind != value.Float {
		x, _ := a.Int()
		y, _ := b.Int()
		switch op {
		case chunk.OpAdd:
			return value.MakeInt(x + y)
		case chunk.OpSub:
			return value.MakeInt(x - y)
		case chunk.OpMul:
			return value.MakeInt(x * y)
		default:
			if y == 0 {
				panic(vm.eb.divideByZero())
			}
			return value.MakeInt(x / y)
		}
	}

	x, _ := a.Float()
	y, _ := b.Float()
	switch op {
	case chunk.OpAdd:
		return value.MakeFloat(x + y)
	case chunk.OpSub:
		return value.MakeFloat(x - y)
	case chunk.OpMul:
		return value.MakeFloat(x * y)
	default:
		if y == 0 {
			panic(vm.eb.divideByZero())
		}
		return value.MakeFloat(x / y)
	}
}

// compare evaluates a numeric comparison opcode or the condition of
// JMPLT/JMPGT.
func (vm *VM) compare(op chunk.Opcode, a, b value.Value) bool {
	if !a.IsNumber() {
		panic(vm.eb.typeMismatch(op.String(), "number", a))
	}
	if !b.IsNumber() {
		panic(vm.eb.typeMismatch(op.String(), "number", b))
	}
	c := numCmp(a, b)
	switch op {
	case chunk.OpNumEq:
		return c == 0
	case chunk.OpNumNeq:
		return c != 0
	case chunk.OpNumLt, chunk.OpJmpLt:
		return c == -1
	case chunk.OpNumGt, chunk.OpJmpGt:
		return c == 1
	case chunk.OpNumLte:
		return c == -1 || c == 0
	case chunk.OpNumGte:
		return c == 1 || c == 0
	}
	return false
}

// numCmp orders two numbers: -1, 0 or 1, and 2 when a NaN is involved.
func numCmp(a, b value.Value) int {
	if a.Kind != value.Float && b.Kind != value.Float {
		x, _ := a.Int()
		y, _ := b.Int()
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	x, _ := a.Float()
	y, _ := b.Float()
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	case x == y:
		return 0
	}
	return 2
}

// jumpEqual is the JMPEQ condition: numbers compare numerically, anything
// else by identity.
func (vm *VM) jumpEqual(a, b value.Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return numCmp(a, b) == 0
	}
	return value.Identical(a, b)
}
