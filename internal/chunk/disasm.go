package chunk

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"lispvm/internal/value"
)

// Resolver gives the disassembler access to heap-backed constants.
type Resolver interface {
	Display(v value.Value) string
	// LambdaChunk returns the chunk behind a Lambda or Closure constant.
	LambdaChunk(v value.Value) (*Chunk, bool)
}

// Disassembler renders chunks in the listing format used by the debugger.
type Disassembler struct {
	Out      io.Writer
	Resolver Resolver
	Color    bool
}

// Chunk writes the constant pool (recursing into nested lambdas), the
// capture list and every instruction of c.
func (d *Disassembler) Chunk(c *Chunk) error {
	return d.chunk(c, 0, map[*Chunk]bool{})
}

func (d *Disassembler) chunk(c *Chunk, depth int, seen map[*Chunk]bool) error {
	seen[c] = true
	defer delete(seen, c)
	indent := strings.Repeat("\t", depth)
	st := d.style()

	fmt.Fprintf(d.Out, "%s%s\n", indent, st.header("CONSTANTS:")) //nolint:errcheck
	for i, k := range c.Constants {
		shown := k.Kind.String()
		if d.Resolver != nil {
			shown = d.Resolver.Display(k)
		}
		fmt.Fprintf(d.Out, "%s%d: %s\n", indent, i, shown) //nolint:errcheck
		if d.Resolver == nil {
			continue
		}
		if nested, ok := d.Resolver.LambdaChunk(k); ok && !seen[nested] {
			if err := d.chunk(nested, depth+1, seen); err != nil {
				return err
			}
		}
	}
	fmt.Fprintln(d.Out) //nolint:errcheck
	if len(c.Captures) > 0 {
		caps := make([]string, len(c.Captures))
		for i, r := range c.Captures {
			caps[i] = fmt.Sprint(r)
		}
		fmt.Fprintf(d.Out, "%sCaptures: [%s]\n", indent, strings.Join(caps, ", ")) //nolint:errcheck
	}

	lastLine := 0
	return c.Walk(func(in Instr) error {
		var b strings.Builder
		b.WriteString(indent)
		b.WriteString(st.offset(fmt.Sprintf("0x%08x", in.Offset)))
		b.WriteByte(' ')
		if line, ok := c.OffsetToLine(in.Offset); ok && line != lastLine {
			fmt.Fprintf(&b, "%6d ", line)
			lastLine = line
		} else {
			b.WriteString("     | ")
		}
		b.WriteString(formatInstr(in, st))
		b.WriteByte('\n')
		_, err := io.WriteString(d.Out, b.String())
		return err
	})
}

// FormatInstr renders one instruction as mnemonic plus operands, e.g.
// "MOV(0x05)   \tR(0x0a)\tR(0x0f)".
func FormatInstr(in Instr) string {
	return formatInstr(in, plain)
}

func formatInstr(in Instr, st style) string {
	info, _ := Lookup(in.Op)
	head := fmt.Sprintf("%s(%s)", info.Name, hex(int(in.Op), 2))
	if in.NumOps == 0 {
		return st.mnemonic(head)
	}
	var b strings.Builder
	b.WriteString(st.mnemonic(fmt.Sprintf("%-12s", head)))
	for i := 0; i < in.NumOps; i++ {
		b.WriteByte('\t')
		b.WriteString(FormatOperand(info.Operands[i], in.Operands[i], in.Wide))
	}
	return b.String()
}

// FormatOperand renders an operand in R(..), K(..), G[..] or immediate form.
func FormatOperand(k OperandKind, v int, wide bool) string {
	digits := 2 * k.Size(wide)
	switch k {
	case Reg:
		return "R(" + hex(v, digits) + ")"
	case Const:
		return "K(" + hex(v, digits) + ")"
	case GlobalReg:
		return "G[R(" + hex(v, digits) + ")]"
	case Global:
		return "G[" + hex(v, digits) + "]"
	case SImm:
		if v < 0 {
			return "-" + hex(-v, digits)
		}
		return hex(v, digits)
	default:
		return hex(v, digits)
	}
}

func hex(v, digits int) string {
	return fmt.Sprintf("0x%0*x", digits, v)
}

type style struct {
	header   func(string) string
	offset   func(string) string
	mnemonic func(string) string
}

var plain = style{
	header:   func(s string) string { return s },
	offset:   func(s string) string { return s },
	mnemonic: func(s string) string { return s },
}

func (d *Disassembler) style() style {
	if !d.Color {
		return plain
	}
	paint := func(attrs ...color.Attribute) func(string) string {
		c := color.New(attrs...)
		c.EnableColor()
		return func(s string) string { return c.Sprint(s) }
	}
	return style{
		header:   paint(color.Bold),
		offset:   paint(color.Faint),
		mnemonic: paint(color.FgCyan),
	}
}
