package vm_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"lispvm/internal/chunk"
	"lispvm/internal/value"
	"lispvm/internal/vm"
)

func TestAddInts(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "add", 0, 3, func(_ *chunk.Chunk, emit emitFn) {
		emit(chunk.OpRegI, 1, 1)
		emit(chunk.OpRegI, 2, 2)
		emit(chunk.OpAdd, 3, 1, 2)
		emit(chunk.OpSRet, 3)
	})
	wantInt(t, run(t, m, c), 3)
	if got := m.Stats().Instructions; got != 4 {
		t.Fatalf("expected 4 instructions, got %d", got)
	}
}

func TestResultInRegisterZero(t *testing.T) {
	m := vm.New(vm.Options{})
	add := build(t, "add", 0, 2, func(_ *chunk.Chunk, emit emitFn) {
		emit(chunk.OpRegI, 1, 1)
		emit(chunk.OpRegI, 2, 2)
		emit(chunk.OpAdd, 0, 1, 2)
		emit(chunk.OpSRet, 0)
	})
	wantInt(t, run(t, m, add), 3)

	// A callee's R0 starts empty; the saved caller lives outside the window.
	peek := build(t, "peek", 0, 1, func(_ *chunk.Chunk, emit emitFn) {
		emit(chunk.OpMov, 1, 0)
		emit(chunk.OpSRet, 1)
	})
	c := build(t, "main", 0, 5, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(m.NewLambda(add)))
		emit(chunk.OpCall, 1, 0, 2)
		emit(chunk.OpConst, 1, c.AddConstant(m.NewLambda(peek)))
		emit(chunk.OpCall, 1, 0, 3)
		emit(chunk.OpList, 4, 2, 4)
		emit(chunk.OpSRet, 4)
	})
	items := listItems(t, m, run(t, m, c))
	if len(items) != 2 {
		t.Fatalf("expected two results, got %d", len(items))
	}
	wantInt(t, items[0], 3)
	if items[1].Kind != value.Undefined {
		t.Fatalf("expected an empty R0 in the callee, got %s", m.Pretty(items[1]))
	}
}

func TestArithmeticPromotion(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "promote", 0, 3, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpRegI, 1, 3)
		emit(chunk.OpConst, 2, c.AddConstant(value.MakeFloat(0.5)))
		emit(chunk.OpMulM, 1, 2)
		emit(chunk.OpSRet, 1)
	})
	got := run(t, m, c)
	if f, _ := got.Float(); got.Kind != value.Float || f != 1.5 {
		t.Fatalf("expected Float 1.5, got %s", m.Pretty(got))
	}
}

func TestEqVersusEqual(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "eq", 0, 5, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(m.NewString("ab", true)))
		emit(chunk.OpConst, 2, c.AddConstant(m.NewString("ab", true)))
		emit(chunk.OpEq, 3, 1, 2)
		emit(chunk.OpEqual, 4, 1, 2)
		emit(chunk.OpList, 5, 3, 5)
		emit(chunk.OpSRet, 5)
	})
	items := listItems(t, m, run(t, m, c))
	if len(items) != 2 || items[0].Kind != value.False || items[1].Kind != value.True {
		t.Fatalf("expected (false true), got %s", m.Pretty(m.Heap().MakeList(items)))
	}
}

func TestEqualNormalizesStrings(t *testing.T) {
	m := vm.New(vm.Options{})
	composed := m.NewString("\u00e9", false)
	decomposed := m.NewString("e\u0301", false)
	if !m.Equal(composed, decomposed) {
		t.Fatalf("expected NFC-equal strings to be EQUAL")
	}
	if m.Equal(value.MakeInt(1), value.MakeFloat(1)) {
		t.Fatalf("Int and Float must not be EQUAL")
	}
}

func TestDivideByZero(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "div", 0, 3, func(_ *chunk.Chunk, emit emitFn) {
		emit(chunk.OpRegI, 1, 1)
		emit(chunk.OpRegI, 2, 0)
		emit(chunk.OpDiv, 3, 1, 2)
		emit(chunk.OpSRet, 3)
	})
	_, err := m.Execute(context.Background(), c)
	var e *vm.VMError
	if !errors.As(err, &e) {
		t.Fatalf("expected VMError, got %v", err)
	}
	if e.Code != vm.PanicDivideByZero || e.Tag != "divide-by-zero" {
		t.Fatalf("unexpected error %s %s", e.Code, e.Tag)
	}
	ef := m.ErrFrame()
	if ef == nil || ef.Name != "div" || ef.Line != 3 {
		t.Fatalf("unexpected error frame %+v", ef)
	}
	m.ClearErrFrame()
	if m.ErrFrame() != nil {
		t.Fatalf("expected error frame to be cleared")
	}
}

func TestUndefinedJumps(t *testing.T) {
	// Each program leaves 2 in R2 when the jump is taken and 1 otherwise.
	forward := func(op chunk.Opcode, undefined bool) func(*chunk.Chunk, emitFn) {
		return func(_ *chunk.Chunk, emit emitFn) {
			if undefined {
				emit(chunk.OpRegC, 1)
			} else {
				emit(chunk.OpRegI, 1, 7)
			}
			emit(op, 1, 5)
			emit(chunk.OpRegI, 2, 1)
			emit(chunk.OpSRet, 2)
			emit(chunk.OpRegI, 2, 2)
			emit(chunk.OpSRet, 2)
		}
	}
	backward := func(op chunk.Opcode, undefined bool) func(*chunk.Chunk, emitFn) {
		return func(_ *chunk.Chunk, emit emitFn) {
			if undefined {
				emit(chunk.OpRegC, 1)
			} else {
				emit(chunk.OpRegI, 1, 7)
			}
			emit(chunk.OpJmpF, 5)
			emit(chunk.OpRegI, 2, 2)
			emit(chunk.OpSRet, 2)
			emit(op, 1, 8)
			emit(chunk.OpRegI, 2, 1)
			emit(chunk.OpSRet, 2)
		}
	}
	tests := []struct {
		name string
		body func(*chunk.Chunk, emitFn)
		want int64
	}{
		{"JMPFU undefined", forward(chunk.OpJmpFU, true), 2},
		{"JMPFU defined", forward(chunk.OpJmpFU, false), 1},
		{"JMPFNU undefined", forward(chunk.OpJmpFNU, true), 1},
		{"JMPFNU defined", forward(chunk.OpJmpFNU, false), 2},
		{"JMPBU undefined", backward(chunk.OpJmpBU, true), 2},
		{"JMPBU defined", backward(chunk.OpJmpBU, false), 1},
		{"JMPBNU undefined", backward(chunk.OpJmpBNU, true), 1},
		{"JMPBNU defined", backward(chunk.OpJmpBNU, false), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := vm.New(vm.Options{})
			wantInt(t, run(t, m, build(t, "jump", 0, 2, tt.body)), tt.want)
		})
	}
}

func TestTypeAndStr(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "str", 0, 5, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(m.NewString("n=", true)))
		emit(chunk.OpRegI, 2, 42)
		emit(chunk.OpStr, 3, 1, 3)
		emit(chunk.OpType, 4, 3)
		emit(chunk.OpList, 5, 3, 5)
		emit(chunk.OpSRet, 5)
	})
	items := listItems(t, m, run(t, m, c))
	if s, ok := m.StringValue(items[0]); !ok || s != "n=42" {
		t.Fatalf("expected \"n=42\", got %s", m.Pretty(items[0]))
	}
	if got := m.Pretty(items[1]); got != ":String" {
		t.Fatalf("expected :String, got %s", got)
	}
}

func TestConstantPairIsReadOnly(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "xar", 0, 2, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(m.NewPair(value.MakeInt(1), value.NilValue, true)))
		emit(chunk.OpRegI, 2, 5)
		emit(chunk.OpXar, 1, 2)
		emit(chunk.OpSRet, 1)
	})
	_, err := m.Execute(context.Background(), c)
	var e *vm.VMError
	if !errors.As(err, &e) || e.Code != vm.PanicReadOnly {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestVectorOps(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "vec", 0, 6, func(_ *chunk.Chunk, emit emitFn) {
		emit(chunk.OpRegI, 2, 0)
		emit(chunk.OpVecMk, 1, 2)
		emit(chunk.OpRegI, 3, 10)
		emit(chunk.OpVecPsh, 1, 3)
		emit(chunk.OpRegI, 3, 20)
		emit(chunk.OpVecPsh, 1, 3)
		emit(chunk.OpRegI, 2, 1)
		emit(chunk.OpVecNth, 1, 4, 2)
		emit(chunk.OpVecLen, 5, 1)
		emit(chunk.OpAdd, 6, 4, 5)
		emit(chunk.OpSRet, 6)
	})
	wantInt(t, run(t, m, c), 22)
}

func TestVectorIndexOutOfRange(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "oob", 0, 3, func(_ *chunk.Chunk, emit emitFn) {
		emit(chunk.OpRegI, 2, 3)
		emit(chunk.OpRegN, 3)
		emit(chunk.OpVecMkD, 1, 2, 3)
		emit(chunk.OpVecNth, 1, 3, 2)
		emit(chunk.OpSRet, 3)
	})
	_, err := m.Execute(context.Background(), c)
	var e *vm.VMError
	if !errors.As(err, &e) || e.Code != vm.PanicOutOfRange {
		t.Fatalf("expected out-of-range error, got %v", err)
	}
}

func TestVectorLengthLimit(t *testing.T) {
	ops := []struct {
		name string
		body func(emit emitFn)
	}{
		{"VECMK", func(emit emitFn) {
			emit(chunk.OpVecMk, 2, 1)
		}},
		{"VECMKD", func(emit emitFn) {
			emit(chunk.OpRegN, 3)
			emit(chunk.OpVecMkD, 2, 1, 3)
		}},
		{"VECELS", func(emit emitFn) {
			emit(chunk.OpRegI, 3, 0)
			emit(chunk.OpVecMk, 2, 3)
			emit(chunk.OpVecEls, 2, 1)
		}},
	}
	for _, op := range ops {
		for _, n := range []int64{1 << 62, vm.MaxVectorLen + 1, -1} {
			t.Run(fmt.Sprintf("%s/%d", op.name, n), func(t *testing.T) {
				m := vm.New(vm.Options{})
				c := build(t, "size", 0, 3, func(c *chunk.Chunk, emit emitFn) {
					emit(chunk.OpConst, 1, c.AddConstant(value.MakeInt(n)))
					op.body(emit)
					emit(chunk.OpSRet, 2)
				})
				_, err := m.Execute(context.Background(), c)
				var e *vm.VMError
				if !errors.As(err, &e) || e.Code != vm.PanicOutOfRange {
					t.Fatalf("expected out-of-range error, got %v", err)
				}
			})
		}
	}
}

func TestGlobals(t *testing.T) {
	m := vm.New(vm.Options{})
	idx := m.ReserveGlobal("answer")
	c := build(t, "globals", 0, 3, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(m.Symbol("answer")))
		emit(chunk.OpRegI, 2, 41)
		emit(chunk.OpDef, 1, 2)
		emit(chunk.OpRegI, 2, 99)
		emit(chunk.OpDefV, 1, 2)
		emit(chunk.OpRefI, 3, idx)
		emit(chunk.OpInc, 3, 1)
		emit(chunk.OpSRet, 3)
	})
	wantInt(t, run(t, m, c), 42)
	if v, ok := m.GlobalValue("answer"); !ok || v.Data != 41 {
		t.Fatalf("expected answer to stay 41, got %v", v)
	}
}

func TestUnboundGlobal(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "unbound", 0, 2, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(m.Symbol("nope")))
		emit(chunk.OpRef, 2, 1)
		emit(chunk.OpSRet, 2)
	})
	_, err := m.Execute(context.Background(), c)
	var e *vm.VMError
	if !errors.As(err, &e) || e.Code != vm.PanicUnboundGlobal || !strings.Contains(e.Message, "nope") {
		t.Fatalf("expected unbound-global error, got %v", err)
	}
}

func TestCorruptCode(t *testing.T) {
	m := vm.New(vm.Options{})
	c := chunk.New("bad", "", 0)
	c.ExtraRegs = 1
	c.Code = []byte{byte(chunk.MaxOpcode) + 1}
	_, err := m.Execute(context.Background(), c)
	if !errors.Is(err, chunk.ErrCorrupt) {
		t.Fatalf("expected corrupt code error, got %v", err)
	}
}

func TestHalt(t *testing.T) {
	m := vm.New(vm.Options{})
	var deferred bool
	d := m.RegisterNative("on-exit", func(*vm.VM, []value.Value) (value.Value, error) {
		deferred = true
		return value.NilValue, nil
	})
	c := build(t, "halt", 0, 1, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(d))
		emit(chunk.OpDfr, 1)
		emit(chunk.OpHalt)
	})
	if got := run(t, m, c); got.Kind != value.Nil {
		t.Fatalf("expected nil, got %s", m.Pretty(got))
	}
	if !m.Halted() || deferred {
		t.Fatalf("expected halted without defers, halted=%v deferred=%v", m.Halted(), deferred)
	}
}

func TestInterrupt(t *testing.T) {
	m := vm.New(vm.Options{})
	stop := m.RegisterNative("stop", func(v *vm.VM, _ []value.Value) (value.Value, error) {
		v.Interrupt()
		return value.NilValue, nil
	})
	c := build(t, "spin", 0, 2, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(stop))
		emit(chunk.OpCall, 1, 0, 2)
		emit(chunk.OpJmpB, 2)
	})
	_, err := m.Execute(context.Background(), c)
	var e *vm.VMError
	if !errors.As(err, &e) || e.Code != vm.PanicInterrupted {
		t.Fatalf("expected interrupted error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Execute(ctx, c); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDisassembleListing(t *testing.T) {
	m := vm.New(vm.Options{})
	c := build(t, "dasm", 0, 15, func(c *chunk.Chunk, emit emitFn) {
		emit(chunk.OpConst, 1, c.AddConstant(value.MakeInt(7)))
		emit(chunk.OpMov, 10, 15)
		emit(chunk.OpRet)
	})
	var sb strings.Builder
	if err := m.Disassemble(&sb, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"CONSTANTS:", "0: 7", "MOV(0x05)", "R(0x0a)\tR(0x0f)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("listing misses %q:\n%s", want, out)
		}
	}
}
