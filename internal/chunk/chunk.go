// Package chunk holds compiled code objects and their instruction encoding.
package chunk

import (
	"errors"
	"fmt"
	"sort"

	"fortio.org/safecast"

	"lispvm/internal/value"
)

// ErrEncode reports an instruction that cannot be encoded.
var ErrEncode = errors.New("cannot encode instruction")

// LineRun marks the source line of every instruction from Offset until the
// next run.
type LineRun struct {
	Offset int
	Line   int
}

// Chunk is a compiled code object. It is built once by a compiler or the
// assembler and must not be modified after it is handed to a VM; chunks are
// shared by reference between lambdas, closures and continuations.
type Chunk struct {
	Name      string
	File      string
	StartLine int

	Code      []byte
	Constants []value.Value
	Lines     []LineRun

	Args      uint16
	OptArgs   uint16
	Rest      bool
	InputRegs int
	ExtraRegs int

	// Captures lists the enclosing frame's registers captured by CLOSE.
	Captures []uint16
	// DbgArgs names the parameter and capture registers, starting at R1.
	DbgArgs []value.SymbolID
}

// New returns an empty chunk for the given source file.
func New(name, file string, line int) *Chunk {
	return &Chunk{Name: name, File: file, StartLine: line}
}

// Regs returns the size of the chunk's register window.
func (c *Chunk) Regs() int {
	return c.InputRegs + c.ExtraRegs + 1
}

// ParamRegs returns the number of registers holding incoming arguments.
func (c *Chunk) ParamRegs() int {
	n := int(c.Args) + int(c.OptArgs)
	if c.Rest {
		n++
	}
	return n
}

// AddConstant appends v to the constant pool and returns its index.
// Identical immediates are reused.
func (c *Chunk) AddConstant(v value.Value) int {
	if !v.Kind.IsHandle() {
		for i, k := range c.Constants {
			if value.Identical(k, v) {
				return i
			}
		}
	}
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// Len returns the current code size, i.e. the offset of the next instruction.
func (c *Chunk) Len() int {
	return len(c.Code)
}

// Encode appends op and its operands. A WIDE prefix is emitted when any
// operand does not fit its narrow width.
func (c *Chunk) Encode(op Opcode, line int, operands ...int) error {
	info, err := checkArity(op, operands)
	if err != nil {
		return err
	}
	wide := false
	for i, k := range info.Operands {
		narrow, err := Fits(k, operands[i])
		if err != nil {
			return fmt.Errorf("%w: %s operand %d: %w", ErrEncode, info.Name, i, err)
		}
		if !narrow {
			wide = true
		}
	}
	return c.encode(op, info, line, wide, operands)
}

// EncodeWide is Encode with the WIDE prefix forced.
func (c *Chunk) EncodeWide(op Opcode, line int, operands ...int) error {
	info, err := checkArity(op, operands)
	if err != nil {
		return err
	}
	for i, k := range info.Operands {
		if _, err := Fits(k, operands[i]); err != nil {
			return fmt.Errorf("%w: %s operand %d: %w", ErrEncode, info.Name, i, err)
		}
	}
	return c.encode(op, info, line, true, operands)
}

func checkArity(op Opcode, operands []int) (Info, error) {
	info, ok := Lookup(op)
	if !ok {
		return Info{}, fmt.Errorf("%w: unknown opcode %d", ErrEncode, op)
	}
	if op == OpWide {
		return Info{}, fmt.Errorf("%w: WIDE is emitted by the encoder", ErrEncode)
	}
	if len(operands) != len(info.Operands) {
		return Info{}, fmt.Errorf("%w: %s takes %d operands, got %d", ErrEncode, info.Name, len(info.Operands), len(operands))
	}
	return info, nil
}

func (c *Chunk) encode(op Opcode, info Info, line int, wide bool, operands []int) error {
	if wide {
		if len(info.Operands) == 0 {
			return fmt.Errorf("%w: %s has no operands to widen", ErrEncode, info.Name)
		}
		c.emit(byte(OpWide), line)
	}
	c.emit(byte(op), line)
	for i, k := range info.Operands {
		if err := c.appendOperand(k, operands[i], wide); err != nil {
			return fmt.Errorf("%w: %s operand %d: %w", ErrEncode, info.Name, i, err)
		}
	}
	return nil
}

func (c *Chunk) emit(b byte, line int) {
	c.markLine(len(c.Code), line)
	c.Code = append(c.Code, b)
}

func (c *Chunk) markLine(offset, line int) {
	if line <= 0 {
		return
	}
	if n := len(c.Lines); n > 0 && c.Lines[n-1].Line == line {
		return
	}
	c.Lines = append(c.Lines, LineRun{Offset: offset, Line: line})
}

// Fits reports whether v fits the narrow form of k; it fails when v does not
// fit the wide form either.
func Fits(k OperandKind, v int) (bool, error) {
	var narrowErr, wideErr error
	switch k {
	case SImm:
		_, narrowErr = safecast.Conv[int8](v)
		_, wideErr = safecast.Conv[int16](v)
	case Global:
		_, narrowErr = safecast.Conv[uint16](v)
		_, wideErr = safecast.Conv[uint32](v)
	default:
		_, narrowErr = safecast.Conv[uint8](v)
		_, wideErr = safecast.Conv[uint16](v)
	}
	if wideErr != nil {
		return false, wideErr
	}
	return narrowErr == nil, nil
}

func (c *Chunk) appendOperand(k OperandKind, v int, wide bool) error {
	switch {
	case k == SImm && wide:
		n, err := safecast.Conv[int16](v)
		if err != nil {
			return err
		}
		c.Code = append(c.Code, byte(uint16(n)>>8), byte(uint16(n)))
	case k == SImm:
		n, err := safecast.Conv[int8](v)
		if err != nil {
			return err
		}
		c.Code = append(c.Code, byte(n))
	case k == Global && wide:
		n, err := safecast.Conv[uint32](v)
		if err != nil {
			return err
		}
		c.Code = append(c.Code, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	case k == Global, wide:
		n, err := safecast.Conv[uint16](v)
		if err != nil {
			return err
		}
		c.Code = append(c.Code, byte(n>>8), byte(n))
	default:
		n, err := safecast.Conv[uint8](v)
		if err != nil {
			return err
		}
		c.Code = append(c.Code, n)
	}
	return nil
}

// OffsetToLine returns the source line of the instruction at offset.
func (c *Chunk) OffsetToLine(offset int) (int, bool) {
	i := sort.Search(len(c.Lines), func(i int) bool { return c.Lines[i].Offset > offset })
	if i == 0 {
		return 0, false
	}
	return c.Lines[i-1].Line, true
}

// String identifies the chunk in diagnostics.
func (c *Chunk) String() string {
	name := c.Name
	if name == "" {
		name = "<anon>"
	}
	if c.File == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, c.File)
}
