package asm_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"lispvm/internal/asm"
	"lispvm/internal/chunk"
	"lispvm/internal/value"
	"lispvm/internal/vm"
)

const factSrc = `; factorial of 5
.chunk main
.extra 3
.const lambda fact
    CONST R1 K0
    REGI R3 5
    CALL R1 1 R2
    SRET R2
.end

.chunk fact
.args 1
.extra 4
.names n
.const lambda fact
    REGI R2 0
    NUMEQ R2 R1 R2
    JMPFF R2 @recur
    REGI R2 1
    SRET R2
recur:
    CONST R3 K0
    MOV R5 R1
    DEC R5 1
    CALL R3 1 R4
    MUL R2 R1 R4
    SRET R2
.end
`

func assemble(t *testing.T, m *vm.VM, src string) *asm.Program {
	t.Helper()
	prog, err := asm.Assemble([]byte(src), "test.lasm", m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return prog
}

func execute(t *testing.T, m *vm.VM, c *chunk.Chunk) value.Value {
	t.Helper()
	res, err := m.Execute(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func TestAssembleFactorial(t *testing.T) {
	m := vm.New(vm.Options{})
	prog := assemble(t, m, factSrc)
	if len(prog.Chunks) != 2 || prog.Entry.Name != "main" {
		t.Fatalf("unexpected program layout %v", prog.Chunks)
	}
	fact, ok := prog.Chunk("fact")
	if !ok {
		t.Fatalf("fact chunk missing")
	}
	if fact.InputRegs != 1 || fact.Regs() != 6 {
		t.Fatalf("fact window: input %d regs %d", fact.InputRegs, fact.Regs())
	}
	if got := m.SymbolName(fact.DbgArgs[0]); got != "n" {
		t.Fatalf("expected debug name n, got %q", got)
	}
	if got := m.Display(execute(t, m, prog.Entry)); got != "120" {
		t.Fatalf("expected 120, got %s", got)
	}
}

func TestLineTable(t *testing.T) {
	m := vm.New(vm.Options{})
	prog := assemble(t, m, factSrc)
	fact, _ := prog.Chunk("fact")
	line, ok := fact.OffsetToLine(0)
	if !ok || line != 16 {
		t.Fatalf("expected the first instruction on line 16, got %d", line)
	}

	prog = assemble(t, m, ".chunk main\n.extra 1\n.line 40\n  REGI R1 1\n.line 41\n  SRET R1\n.end\n")
	if prog.Entry.StartLine != 40 {
		t.Fatalf("expected start line 40, got %d", prog.Entry.StartLine)
	}
	if line, _ := prog.Entry.OffsetToLine(3); line != 41 {
		t.Fatalf("expected SRET on line 41, got %d", line)
	}
}

func TestForwardJumpGrowsWide(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(".chunk main\n.extra 2\n  REGI R1 7\n  JMPF @done\n")
	for range 100 {
		sb.WriteString("  MOV R2 R1\n")
	}
	sb.WriteString("done:\n  SRET R1\n.end\n")

	m := vm.New(vm.Options{})
	c := assemble(t, m, sb.String()).Entry
	// REGI takes 3 bytes; the jump follows with a WIDE prefix.
	if chunk.Opcode(c.Code[3]) != chunk.OpWide || chunk.Opcode(c.Code[4]) != chunk.OpJmpF {
		t.Fatalf("expected WIDE JMPF, got % x", c.Code[:6])
	}
	in, err := chunk.Decode(c.Code, 4, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Operands[0] != 300 {
		t.Fatalf("expected a 300 byte jump, got %d", in.Operands[0])
	}
	if got := m.Display(execute(t, m, c)); got != "7" {
		t.Fatalf("expected 7, got %s", got)
	}
}

func TestBackwardLoop(t *testing.T) {
	// Sums 1..10 with a backward conditional jump.
	src := `.chunk main
.extra 3
    REGI R1 0
    REGI R2 10
loop:
    ADDM R1 R2
    DEC R2 1
    REGI R3 0
    NUMGT R3 R2 R3
    JMPBT R3 @loop
    SRET R1
.end
`
	m := vm.New(vm.Options{})
	if got := m.Display(execute(t, m, assemble(t, m, src).Entry)); got != "55" {
		t.Fatalf("expected 55, got %s", got)
	}
}

func TestAbsoluteJumpAndGlobals(t *testing.T) {
	src := `.chunk main
.extra 2
.const int 21
    CONST R1 K0
    JMP @read
    HALT
read:
    REFI R2 G:answer
    ADD R1 R1 R2
    SRET R1
.end
`
	m := vm.New(vm.Options{})
	m.DefineGlobal("answer", value.MakeInt(21))
	if got := m.Display(execute(t, m, assemble(t, m, src).Entry)); got != "42" {
		t.Fatalf("expected 42, got %s", got)
	}
}

func TestConstantKinds(t *testing.T) {
	src := `.chunk main
.extra 1
.const list 1 2.5 "two" :three four 'x' nil
.const str "a\tb"
.const kw :key
.const sym sym
.const char 'λ'
.const byte 0xff
.const float -0.5
.const true
    RET
.end
`
	m := vm.New(vm.Options{})
	c := assemble(t, m, src).Entry
	want := []string{
		`(1 2.5 "two" :three four \x nil)`,
		`"a\tb"`,
		":key",
		"sym",
		`\λ`,
		"0xff",
		"-0.5",
		"true",
	}
	if len(c.Constants) != len(want) {
		t.Fatalf("expected %d constants, got %d", len(want), len(c.Constants))
	}
	for i, w := range want {
		if got := m.Pretty(c.Constants[i]); got != w {
			t.Fatalf("K%d: expected %s, got %s", i, w, got)
		}
	}
}

func TestOptionalRestAndCaptures(t *testing.T) {
	src := `.chunk main
.extra 2
.const lambda f
    CONST R1 K0
    SRET R1
.end
.chunk f
.args 1
.opt 1
.rest
.captures R4
.extra 2
    RET
.end
`
	m := vm.New(vm.Options{})
	prog := assemble(t, m, src)
	f, _ := prog.Chunk("f")
	if f.Args != 1 || f.OptArgs != 1 || !f.Rest || f.InputRegs != 4 {
		t.Fatalf("unexpected calling convention %+v", f)
	}
	if len(f.Captures) != 1 || f.Captures[0] != 4 {
		t.Fatalf("expected capture of R4, got %v", f.Captures)
	}
}

func TestSyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"unknown mnemonic", ".chunk main\n.extra 1\n  FROB R1\n.end\n", 3},
		{"wrong arity", ".chunk main\n.extra 1\n  MOV R1\n.end\n", 3},
		{"undefined label", ".chunk main\n.extra 1\n  JMPF @nowhere\n  RET\n.end\n", 3},
		{"label not on a jump", ".chunk main\n.extra 1\n  MOV R1 @x\n.end\n", 3},
		{"forward jump backwards", ".chunk main\n.extra 1\nback:\n  REGN R1\n  JMPF @back\n.end\n", 5},
		{"missing end", ".chunk main\n.extra 1\n  RET\n", 1},
		{"outside chunk", "  RET\n", 1},
		{"unknown chunk", ".chunk main\n.const lambda ghost\n  RET\n.end\n", 2},
		{"global name on a register operand", ".chunk main\n.extra 1\n  DEFV G:x R1\n.end\n", 3},
		{"bad register", ".chunk main\n.extra 1\n  REGN X1\n.end\n", 3},
		{"immediate too large", ".chunk main\n.extra 1\n  REGI R1 40000\n.end\n", 3},
		{"unterminated string", ".chunk main\n.const str \"abc\n  RET\n.end\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := asm.Assemble([]byte(tt.src), "bad.lasm", vm.New(vm.Options{}))
			if !errors.Is(err, asm.ErrSyntax) {
				t.Fatalf("expected ErrSyntax, got %v", err)
			}
			want := "line " + strconv.Itoa(tt.line) + ":"
			if !strings.HasPrefix(err.Error(), want) {
				t.Fatalf("expected %q prefix, got %v", want, err)
			}
		})
	}
}

