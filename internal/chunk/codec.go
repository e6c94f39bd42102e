package chunk

import (
	"errors"
	"fmt"
)

// ErrCorrupt reports a malformed instruction stream: a truncated operand, an
// unknown opcode or a dangling WIDE prefix. It never occurs for chunks
// produced by a correct compiler.
var ErrCorrupt = errors.New("corrupt code")

// Instr is one decoded instruction.
type Instr struct {
	Offset   int
	Op       Opcode
	Wide     bool
	Operands [3]int
	NumOps   int
	// Next is the offset of the following instruction.
	Next int
}

// Decode decodes the instruction at pos. wide must be true when the previous
// instruction was a WIDE prefix; a WIDE itself decodes as an instruction
// without operands and the caller carries the flag for exactly one
// instruction.
func Decode(code []byte, pos int, wide bool) (Instr, error) {
	if pos < 0 || pos >= len(code) {
		return Instr{}, fmt.Errorf("%w: ip 0x%08x outside code of length %d", ErrCorrupt, pos, len(code))
	}
	op := Opcode(code[pos])
	info, ok := Lookup(op)
	if !ok {
		return Instr{}, fmt.Errorf("%w: unknown opcode 0x%02x at 0x%08x", ErrCorrupt, code[pos], pos)
	}
	in := Instr{Offset: pos, Op: op, Wide: wide, NumOps: len(info.Operands)}
	if op == OpWide {
		if wide {
			return Instr{}, fmt.Errorf("%w: WIDE prefix repeated at 0x%08x", ErrCorrupt, pos)
		}
		if pos+1 >= len(code) {
			return Instr{}, fmt.Errorf("%w: dangling WIDE at 0x%08x", ErrCorrupt, pos)
		}
	}
	p := pos + 1
	for i, k := range info.Operands {
		n := k.Size(wide)
		if p+n > len(code) {
			return Instr{}, fmt.Errorf("%w: truncated %s operand %d at 0x%08x", ErrCorrupt, info.Name, i, pos)
		}
		in.Operands[i] = readOperand(code[p:p+n], k)
		p += n
	}
	in.Next = p
	return in, nil
}

func readOperand(b []byte, k OperandKind) int {
	switch len(b) {
	case 1:
		if k == SImm {
			return int(int8(b[0]))
		}
		return int(b[0])
	case 2:
		u := uint16(b[0])<<8 | uint16(b[1])
		if k == SImm {
			return int(int16(u))
		}
		return int(u)
	default:
		return int(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
	}
}

// Walk decodes every instruction of c in order, tracking the WIDE prefix.
func (c *Chunk) Walk(fn func(in Instr) error) error {
	wide := false
	for pos := 0; pos < len(c.Code); {
		in, err := Decode(c.Code, pos, wide)
		if err != nil {
			return err
		}
		if err := fn(in); err != nil {
			return err
		}
		wide = in.Op == OpWide
		pos = in.Next
	}
	return nil
}
