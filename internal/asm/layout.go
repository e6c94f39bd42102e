package asm

import (
	"strings"

	"lispvm/internal/chunk"
)

// layout assigns code offsets and encodes d. Offsets depend on which
// instructions need WIDE and label operands depend on offsets, so the pass
// repeats until no instruction grows. Instructions only ever switch from
// narrow to wide, which bounds the number of rounds.
func (p *parser) layout(d *chunkDecl) error {
	wide := make([]bool, len(d.code))
	offsets := make([]int, len(d.code)+1)
	ops := make([][]int, len(d.code))
	for {
		pos := 0
		for i, in := range d.code {
			offsets[i] = pos
			pos += size(in.op, wide[i])
		}
		offsets[len(d.code)] = pos

		grew := false
		for i, in := range d.code {
			vals, err := p.operands(d, in, offsets, i, wide[i])
			if err != nil {
				return err
			}
			ops[i] = vals
			if wide[i] {
				continue
			}
			info, _ := chunk.Lookup(in.op)
			for j, k := range info.Operands {
				narrow, err := chunk.Fits(k, vals[j])
				if err != nil {
					return p.errorf(in.line, "%s operand %d: %d does not fit", info.Name, j, vals[j])
				}
				if !narrow {
					wide[i] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}

	for i, in := range d.code {
		var err error
		if wide[i] {
			err = d.c.EncodeWide(in.op, in.srcLine, ops[i]...)
		} else {
			err = d.c.Encode(in.op, in.srcLine, ops[i]...)
		}
		if err != nil {
			return p.errorf(in.line, "%v", err)
		}
	}
	return nil
}

func size(op chunk.Opcode, wide bool) int {
	info, _ := chunk.Lookup(op)
	n := 1
	if wide {
		n++
	}
	for _, k := range info.Operands {
		n += k.Size(wide)
	}
	return n
}

// operands resolves the operand values of instruction i given the current
// offsets.
func (p *parser) operands(d *chunkDecl, in instr, offsets []int, i int, wide bool) ([]int, error) {
	info, _ := chunk.Lookup(in.op)
	vals := make([]int, len(in.operands))
	for j, o := range in.operands {
		if o.label != "" {
			target, ok := d.labels[o.label]
			if !ok {
				return nil, p.errorf(in.line, "undefined label %s", o.label)
			}
			v, err := p.jumpOperand(in, offsets[target], offsets[i]+size(in.op, wide))
			if err != nil {
				return nil, err
			}
			vals[j] = v
			continue
		}
		v, err := p.operand(info.Operands[j], o)
		if err != nil {
			return nil, err
		}
		vals[j] = v
	}
	return vals, nil
}

// jumpOperand encodes a jump to target from the instruction ending at next.
// Absolute jumps take the offset itself; relative jumps take the distance,
// whose direction is fixed by the opcode.
func (p *parser) jumpOperand(in instr, target, next int) (int, error) {
	switch {
	case in.op.IsAbsoluteJump():
		return target, nil
	case in.op.Backward():
		if target > next {
			return 0, p.errorf(in.line, "%s cannot jump forward", in.op)
		}
		return next - target, nil
	default:
		if target < next {
			return 0, p.errorf(in.line, "%s cannot jump backward", in.op)
		}
		return target - next, nil
	}
}

func (p *parser) operand(k chunk.OperandKind, o operand) (int, error) {
	switch k {
	case chunk.Reg, chunk.GlobalReg:
		return p.register(o.line, o.text)
	case chunk.Const:
		return p.prefixed(o, "K")
	case chunk.Global:
		if name, ok := strings.CutPrefix(o.text, "G:"); ok {
			if name == "" {
				return 0, p.errorf(o.line, "empty global name")
			}
			return p.target.ReserveGlobal(name), nil
		}
		return p.number(o)
	default:
		return p.number(o)
	}
}

// register accepts R5, R(5) and r5.
func (p *parser) register(line int, s string) (int, error) {
	if len(s) < 2 || (s[0] != 'R' && s[0] != 'r') {
		return 0, p.errorf(line, "expected a register, got %q", s)
	}
	body := s[1:]
	if strings.HasPrefix(body, "(") && strings.HasSuffix(body, ")") {
		body = body[1 : len(body)-1]
	}
	n, err := parseInt(body)
	if err != nil || n < 0 {
		return 0, p.errorf(line, "bad register %q", s)
	}
	return int(n), nil
}

func (p *parser) prefixed(o operand, prefix string) (int, error) {
	body := o.text
	if rest, ok := strings.CutPrefix(body, prefix); ok {
		body = rest
	}
	n, err := parseInt(body)
	if err != nil || n < 0 {
		return 0, p.errorf(o.line, "bad operand %q", o.text)
	}
	return int(n), nil
}

func (p *parser) number(o operand) (int, error) {
	n, err := parseInt(o.text)
	if err != nil {
		return 0, p.errorf(o.line, "%v", err)
	}
	return int(n), nil
}
