package chunk_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"lispvm/internal/chunk"
)

func disasmLines(t *testing.T, c *chunk.Chunk) []string {
	t.Helper()
	var buf bytes.Buffer
	d := chunk.Disassembler{Out: &buf}
	if err := d.Chunk(c); err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	var out []string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(l, "0x") {
			out = append(out, l)
		}
	}
	return out
}

func mustEncode(t *testing.T, c *chunk.Chunk, op chunk.Opcode, line int, ops ...int) {
	t.Helper()
	if err := c.Encode(op, line, ops...); err != nil {
		t.Fatalf("encode %s: %v", op, err)
	}
}

func TestMovNarrowDisassembly(t *testing.T) {
	c := chunk.New("mov", "test.lisp", 1)
	mustEncode(t, c, chunk.OpMov, 1, 10, 15)
	if got := c.Code; !bytes.Equal(got, []byte{byte(chunk.OpMov), 10, 15}) {
		t.Fatalf("code = %v", got)
	}
	lines := disasmLines(t, c)
	if len(lines) != 1 {
		t.Fatalf("got %d instruction lines, want 1: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "MOV(0x05)") || !strings.HasSuffix(lines[0], "\tR(0x0a)\tR(0x0f)") {
		t.Fatalf("unexpected listing %q", lines[0])
	}
	if !strings.HasPrefix(lines[0], "0x00000000      1 ") {
		t.Fatalf("offset/line columns wrong: %q", lines[0])
	}
}

func TestConstWideDisassembly(t *testing.T) {
	c := chunk.New("const", "test.lisp", 1)
	mustEncode(t, c, chunk.OpConst, 1, 10, 15)
	mustEncode(t, c, chunk.OpConst, 1, 0x8fff, 0x9fff)
	want := []byte{
		byte(chunk.OpConst), 10, 15,
		byte(chunk.OpWide), byte(chunk.OpConst), 0x8f, 0xff, 0x9f, 0xff,
	}
	if !bytes.Equal(c.Code, want) {
		t.Fatalf("code = % x, want % x", c.Code, want)
	}
	lines := disasmLines(t, c)
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if !strings.HasSuffix(lines[0], "\tR(0x0a)\tK(0x0f)") {
		t.Fatalf("narrow CONST rendered as %q", lines[0])
	}
	if !strings.Contains(lines[1], "WIDE(0x04)") {
		t.Fatalf("expected WIDE prefix line, got %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "\tR(0x8fff)\tK(0x9fff)") {
		t.Fatalf("wide CONST rendered as %q", lines[2])
	}
	// The line number is printed once, then continuation bars.
	if !strings.Contains(lines[1], "     | ") || !strings.Contains(lines[2], "     | ") {
		t.Fatalf("line column should only be printed when it changes: %q", lines)
	}
}

func TestWideAppliesToOneInstruction(t *testing.T) {
	c := chunk.New("wide", "", 0)
	if err := c.EncodeWide(chunk.OpMov, 0, 1, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mustEncode(t, c, chunk.OpMov, 0, 3, 4)
	lines := disasmLines(t, c)
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if !strings.HasSuffix(lines[1], "\tR(0x0001)\tR(0x0002)") {
		t.Fatalf("first MOV should be wide: %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "\tR(0x03)\tR(0x04)") {
		t.Fatalf("second MOV should be narrow: %q", lines[2])
	}
}

func TestRegisterOperandWidth(t *testing.T) {
	for _, r := range []int{0, 1, 42, 255} {
		c := chunk.New("", "", 0)
		mustEncode(t, c, chunk.OpSRet, 0, r)
		in, err := chunk.Decode(c.Code, 0, false)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if in.Operands[0] != r || in.Next-in.Offset-1 != 1 {
			t.Fatalf("narrow r=%d: got %d consuming %d bytes", r, in.Operands[0], in.Next-in.Offset-1)
		}

		w := chunk.New("", "", 0)
		if err := w.EncodeWide(chunk.OpSRet, 0, r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		prefix, err := chunk.Decode(w.Code, 0, false)
		if err != nil || prefix.Op != chunk.OpWide {
			t.Fatalf("expected WIDE prefix, got %v %v", prefix.Op, err)
		}
		in, err = chunk.Decode(w.Code, prefix.Next, true)
		if err != nil {
			t.Fatalf("decode wide: %v", err)
		}
		if in.Operands[0] != r || in.Next-in.Offset-1 != 2 {
			t.Fatalf("wide r=%d: got %d consuming %d bytes", r, in.Operands[0], in.Next-in.Offset-1)
		}
	}
}

func TestGlobalOperandWidths(t *testing.T) {
	c := chunk.New("", "", 0)
	mustEncode(t, c, chunk.OpRefI, 0, 1, 0x1234)
	mustEncode(t, c, chunk.OpRefI, 0, 1, 0x12345)
	want := []byte{
		byte(chunk.OpRefI), 1, 0x12, 0x34,
		byte(chunk.OpWide), byte(chunk.OpRefI), 0, 1, 0, 0x01, 0x23, 0x45,
	}
	if !bytes.Equal(c.Code, want) {
		t.Fatalf("code = % x, want % x", c.Code, want)
	}
	lines := disasmLines(t, c)
	if !strings.HasSuffix(lines[0], "\tG[0x1234]") || !strings.HasSuffix(lines[2], "\tG[0x00012345]") {
		t.Fatalf("global operands rendered as %q", lines)
	}
}

func TestSignedImmediate(t *testing.T) {
	c := chunk.New("", "", 0)
	mustEncode(t, c, chunk.OpRegI, 0, 1, -3)
	mustEncode(t, c, chunk.OpRegI, 0, 2, 300)
	var got []int
	err := c.Walk(func(in chunk.Instr) error {
		if in.Op == chunk.OpRegI {
			got = append(got, in.Operands[1])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(got) != 2 || got[0] != -3 || got[1] != 300 {
		t.Fatalf("immediates = %v", got)
	}
}

func TestCorruptCode(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"truncated operand", []byte{byte(chunk.OpMov), 1}},
		{"truncated wide operand", []byte{byte(chunk.OpWide), byte(chunk.OpMov), 0, 1, 0}},
		{"unknown opcode", []byte{0xff}},
		{"dangling wide", []byte{byte(chunk.OpWide)}},
		{"double wide", []byte{byte(chunk.OpWide), byte(chunk.OpWide), byte(chunk.OpNop)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &chunk.Chunk{Code: tt.code}
			err := c.Walk(func(chunk.Instr) error { return nil })
			if !errors.Is(err, chunk.ErrCorrupt) {
				t.Fatalf("err = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	c := chunk.New("", "", 0)
	if err := c.Encode(chunk.OpMov, 0, 1); !errors.Is(err, chunk.ErrEncode) {
		t.Fatalf("arity: err = %v", err)
	}
	if err := c.Encode(chunk.OpMov, 0, 1, 70000); !errors.Is(err, chunk.ErrEncode) {
		t.Fatalf("range: err = %v", err)
	}
	if err := c.Encode(chunk.OpWide, 0); !errors.Is(err, chunk.ErrEncode) {
		t.Fatalf("explicit WIDE: err = %v", err)
	}
	if len(c.Code) != 0 {
		t.Fatalf("failed encodes must not emit bytes, got % x", c.Code)
	}
}

func TestOffsetToLine(t *testing.T) {
	c := chunk.New("", "", 0)
	mustEncode(t, c, chunk.OpNop, 3)
	mustEncode(t, c, chunk.OpNop, 3)
	mustEncode(t, c, chunk.OpMov, 7, 1, 2)
	for off, want := range map[int]int{0: 3, 1: 3, 2: 7, 4: 7} {
		if got, ok := c.OffsetToLine(off); !ok || got != want {
			t.Fatalf("OffsetToLine(%d) = %d,%v want %d", off, got, ok, want)
		}
	}
	if len(c.Lines) != 2 {
		t.Fatalf("line runs = %v", c.Lines)
	}
}
