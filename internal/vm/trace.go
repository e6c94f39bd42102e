package vm

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"lispvm/internal/chunk"
)

// Tracer outputs execution traces for debugging.
type Tracer struct {
	w io.Writer
	// Operands adds a line with the values of the register operands.
	Operands bool
}

// NewTracer creates a new tracer that writes to w.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w}
}

// TraceInstr traces execution of an instruction, before it runs.
// Format: [depth=N] <chunk> ip<ip> <instr> @ <file>:<line>
func (t *Tracer) TraceInstr(vm *VM, in chunk.Instr) {
	if t == nil || t.w == nil {
		return
	}
	f := &vm.cur
	fmt.Fprintf(t.w, "[depth=%d] %s ip%d %s @ %s\n", //nolint:errcheck
		f.Depth, chunkName(f.Chunk), in.Offset, strings.ReplaceAll(chunk.FormatInstr(in), "\t", " "), t.formatLoc(f.Chunk, in.Offset))

	if !t.Operands {
		return
	}
	info, _ := chunk.Lookup(in.Op)
	var regs []string
	for i := 0; i < in.NumOps; i++ {
		if info.Operands[i] != chunk.Reg {
			continue
		}
		r := in.Operands[i]
		if r >= f.Chunk.Regs() {
			continue
		}
		v := vm.stack[f.Base+r]
		regs = append(regs, fmt.Sprintf("R%d=%s", r, truncateRunes(vm.Pretty(v), 32)))
	}
	if len(regs) > 0 {
		fmt.Fprintf(t.w, "    %s\n", strings.Join(regs, " ")) //nolint:errcheck
	}
}

// formatLoc formats a code offset as "file:line" or "<no-line>".
func (t *Tracer) formatLoc(c *chunk.Chunk, ip int) string {
	line, ok := c.OffsetToLine(ip)
	if !ok {
		return "<no-line>"
	}
	file := c.File
	if file == "" {
		file = "<unknown>"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || s == "" {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	out := make([]rune, 0, limit)
	for _, r := range s {
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return string(out) + "…"
}
