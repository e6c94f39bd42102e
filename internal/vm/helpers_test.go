package vm_test

import (
	"context"
	"testing"

	"lispvm/internal/chunk"
	"lispvm/internal/value"
	"lispvm/internal/vm"
)

type emitFn func(op chunk.Opcode, operands ...int)

// build assembles a chunk with extra scratch registers beyond its params.
func build(t *testing.T, name string, args, extra int, body func(c *chunk.Chunk, emit emitFn)) *chunk.Chunk {
	t.Helper()
	c := chunk.New(name, "test.lisp", 1)
	c.Args = uint16(args) //nolint:gosec // small test values
	c.InputRegs = args
	c.ExtraRegs = extra
	line := 1
	body(c, func(op chunk.Opcode, operands ...int) {
		t.Helper()
		if err := c.Encode(op, line, operands...); err != nil {
			t.Fatalf("encode %s: %v", op, err)
		}
		line++
	})
	return c
}

func run(t *testing.T, m *vm.VM, c *chunk.Chunk) value.Value {
	t.Helper()
	res, err := m.Execute(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func wantInt(t *testing.T, got value.Value, want int64) {
	t.Helper()
	n, ok := got.Int()
	if !ok || got.Kind != value.Int || n != want {
		t.Fatalf("expected Int %d, got %s %d", want, got.Kind, got.Data)
	}
}

func listItems(t *testing.T, m *vm.VM, v value.Value) []value.Value {
	t.Helper()
	items, err := m.Heap().ListItems(v)
	if err != nil {
		t.Fatalf("expected a list: %v", err)
	}
	return items
}
