// Package asm assembles the textual chunk format into chunks.
//
// A source file holds one or more chunks:
//
//	.chunk fact
//	.args 1
//	.extra 4
//	.const lambda fact
//	    REGI R2 0
//	    NUMEQ R2 R1 R2
//	    JMPFF R2 @recur
//	    ...
//	recur:
//	    CONST R3 K0
//	    ...
//	.end
//
// The first chunk is the entry. Jump targets are written @label and are
// encoded absolute or relative depending on the opcode; instructions whose
// operands outgrow the narrow encoding get a WIDE prefix.
package asm

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"fortio.org/safecast"

	"lispvm/internal/chunk"
	"lispvm/internal/value"
)

// ErrSyntax reports malformed assembler input.
var ErrSyntax = errors.New("syntax error")

// Target is the VM the chunks are assembled for. Constants are allocated in
// its heap and G:name operands are reserved in its global table.
type Target interface {
	chunk.ConstHeap
	ReserveGlobal(name string) int
}

// Program is the result of assembling one source file.
type Program struct {
	Entry *chunk.Chunk
	// Chunks lists every chunk in source order; Entry is the first.
	Chunks []*chunk.Chunk
}

// Chunk returns the chunk called name.
func (p *Program) Chunk(name string) (*chunk.Chunk, bool) {
	for _, c := range p.Chunks {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

type constDecl struct {
	line  int
	kind  string
	args  []field
	chunk string // lambda target
}

type operand struct {
	line  int
	text  string
	label string
}

type instr struct {
	op       chunk.Opcode
	line     int // assembler source line
	srcLine  int // line recorded in the chunk's line table
	operands []operand
}

type chunkDecl struct {
	c      *chunk.Chunk
	line   int
	consts []constDecl
	code   []instr
	labels map[string]int // label -> index into code
}

type parser struct {
	file    string
	target  Target
	chunks  []*chunkDecl
	byName  map[string]*chunkDecl
	cur     *chunkDecl
	line    int
	srcLine int // current .line override, 0 when unset
}

// Assemble assembles src. file names the source in the chunks' debug info.
func Assemble(src []byte, file string, t Target) (*Program, error) {
	p := &parser{file: file, target: t, byName: map[string]*chunkDecl{}}
	for i, line := range strings.Split(string(src), "\n") {
		p.line = i + 1
		if err := p.parseLine(line); err != nil {
			return nil, err
		}
	}
	if p.cur != nil {
		return nil, p.errorf(p.cur.line, "chunk %s has no .end", p.cur.c.Name)
	}
	if len(p.chunks) == 0 {
		return nil, p.errorf(p.line, "no chunks")
	}
	prog := &Program{}
	for _, d := range p.chunks {
		if err := p.buildConstants(d); err != nil {
			return nil, err
		}
	}
	for _, d := range p.chunks {
		if err := p.layout(d); err != nil {
			return nil, err
		}
		prog.Chunks = append(prog.Chunks, d.c)
	}
	prog.Entry = prog.Chunks[0]
	return prog, nil
}

// AssembleFile reads and assembles path.
func AssembleFile(path string, t Target) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := Assemble(src, path, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

func (p *parser) errorf(line int, format string, args ...any) error {
	return fmt.Errorf("line %d: %w: %s", line, ErrSyntax, fmt.Sprintf(format, args...))
}

func (p *parser) parseLine(line string) error {
	fields, err := splitLine(line)
	if err != nil {
		return p.errorf(p.line, "%v", err)
	}
	if len(fields) == 0 {
		return nil
	}
	head := fields[0]
	if head.quote == 0 && strings.HasPrefix(head.text, ".") {
		return p.directive(head.text, fields[1:])
	}
	if p.cur == nil {
		return p.errorf(p.line, "%q outside .chunk", head.text)
	}
	if head.quote == 0 && strings.HasSuffix(head.text, ":") && !strings.Contains(head.text, "G:") {
		name := strings.TrimSuffix(head.text, ":")
		if !isIdent(name) {
			return p.errorf(p.line, "bad label %q", name)
		}
		if _, dup := p.cur.labels[name]; dup {
			return p.errorf(p.line, "label %s redefined", name)
		}
		p.cur.labels[name] = len(p.cur.code)
		fields = fields[1:]
		if len(fields) == 0 {
			return nil
		}
	}
	return p.instruction(fields)
}

func (p *parser) instruction(fields []field) error {
	name := strings.ToUpper(fields[0].text)
	op, ok := chunk.ByName(name)
	if !ok || op == chunk.OpWide {
		return p.errorf(p.line, "unknown instruction %s", fields[0].text)
	}
	info, _ := chunk.Lookup(op)
	args := fields[1:]
	if len(args) != len(info.Operands) {
		return p.errorf(p.line, "%s takes %d operands, got %d", info.Name, len(info.Operands), len(args))
	}
	in := instr{op: op, line: p.line, srcLine: p.line}
	if p.srcLine > 0 {
		in.srcLine = p.srcLine
	}
	for i, a := range args {
		o := operand{line: p.line, text: a.text}
		if strings.HasPrefix(a.text, "@") {
			if i != len(args)-1 || !(op.IsRelativeJump() || op.IsAbsoluteJump()) {
				return p.errorf(p.line, "%s operand %d cannot be a label", info.Name, i)
			}
			o.label = a.text[1:]
		}
		in.operands = append(in.operands, o)
	}
	p.cur.code = append(p.cur.code, in)
	return nil
}

func (p *parser) directive(name string, args []field) error {
	if name == ".chunk" {
		return p.beginChunk(args)
	}
	if p.cur == nil {
		return p.errorf(p.line, "%s outside .chunk", name)
	}
	c := p.cur.c
	switch name {
	case ".end":
		return p.endChunk(args)
	case ".file":
		if len(args) != 1 {
			return p.errorf(p.line, ".file takes a path")
		}
		c.File = args[0].text
	case ".line":
		n, err := p.count(name, args, 1<<31-1)
		if err != nil {
			return err
		}
		if len(p.cur.code) == 0 {
			c.StartLine = n
		}
		p.srcLine = n
	case ".args":
		n, err := p.count(name, args, 1<<16-1)
		if err != nil {
			return err
		}
		c.Args = uint16(n) //nolint:gosec // bounded by count
	case ".opt":
		n, err := p.count(name, args, 1<<16-1)
		if err != nil {
			return err
		}
		c.OptArgs = uint16(n) //nolint:gosec // bounded by count
	case ".extra":
		n, err := p.count(name, args, 1<<16-1)
		if err != nil {
			return err
		}
		c.ExtraRegs = n
	case ".rest":
		if len(args) != 0 {
			return p.errorf(p.line, ".rest takes no operands")
		}
		c.Rest = true
	case ".names":
		for _, a := range args {
			c.DbgArgs = append(c.DbgArgs, p.target.Intern(a.text))
		}
	case ".captures":
		for _, a := range args {
			r, err := p.register(p.line, a.text)
			if err != nil {
				return err
			}
			c.Captures = append(c.Captures, uint16(r)) //nolint:gosec // registers are at most 16 bits
		}
	case ".const":
		return p.constant(args)
	default:
		return p.errorf(p.line, "unknown directive %s", name)
	}
	return nil
}

func (p *parser) beginChunk(args []field) error {
	if p.cur != nil {
		return p.errorf(p.line, "nested .chunk inside %s", p.cur.c.Name)
	}
	if len(args) != 1 || !isIdent(args[0].text) {
		return p.errorf(p.line, ".chunk takes a name")
	}
	name := args[0].text
	if _, dup := p.byName[name]; dup {
		return p.errorf(p.line, "chunk %s redefined", name)
	}
	d := &chunkDecl{
		c:      chunk.New(name, p.file, p.line),
		line:   p.line,
		labels: map[string]int{},
	}
	p.chunks = append(p.chunks, d)
	p.byName[name] = d
	p.cur = d
	p.srcLine = 0
	return nil
}

func (p *parser) endChunk(args []field) error {
	if len(args) != 0 {
		return p.errorf(p.line, ".end takes no operands")
	}
	c := p.cur.c
	c.InputRegs = c.ParamRegs() + len(c.Captures)
	if len(p.cur.code) == 0 {
		return p.errorf(p.line, "chunk %s has no instructions", c.Name)
	}
	p.cur = nil
	return nil
}

func (p *parser) count(name string, args []field, limit int) (int, error) {
	if len(args) != 1 {
		return 0, p.errorf(p.line, "%s takes one number", name)
	}
	n, err := parseInt(args[0].text)
	if err != nil {
		return 0, p.errorf(p.line, "%s: %v", name, err)
	}
	if n < 0 || n > int64(limit) {
		return 0, p.errorf(p.line, "%s %d out of range", name, n)
	}
	return int(n), nil
}

func (p *parser) constant(args []field) error {
	if len(args) == 0 {
		return p.errorf(p.line, ".const needs a kind")
	}
	d := constDecl{line: p.line, kind: args[0].text, args: args[1:]}
	switch d.kind {
	case "true", "false", "nil":
		if len(d.args) != 0 {
			return p.errorf(p.line, ".const %s takes no value", d.kind)
		}
	case "list":
	case "lambda":
		if len(d.args) != 1 {
			return p.errorf(p.line, ".const lambda takes a chunk name")
		}
		d.chunk = d.args[0].text
	case "int", "float", "str", "sym", "kw", "char", "byte":
		if len(d.args) != 1 {
			return p.errorf(p.line, ".const %s takes one value", d.kind)
		}
	default:
		return p.errorf(p.line, "unknown constant kind %s", d.kind)
	}
	p.cur.consts = append(p.cur.consts, d)
	return nil
}

// buildConstants materializes the constant pool once every chunk is known,
// so lambda constants can name chunks defined later in the file.
func (p *parser) buildConstants(d *chunkDecl) error {
	for _, k := range d.consts {
		v, err := p.constValue(k)
		if err != nil {
			return err
		}
		d.c.Constants = append(d.c.Constants, v)
	}
	return nil
}

func (p *parser) constValue(k constDecl) (value.Value, error) {
	switch k.kind {
	case "true":
		return value.TrueValue, nil
	case "false":
		return value.FalseValue, nil
	case "nil":
		return value.NilValue, nil
	case "lambda":
		target, ok := p.byName[k.chunk]
		if !ok {
			return value.Value{}, p.errorf(k.line, "unknown chunk %s", k.chunk)
		}
		return p.target.NewLambda(target.c), nil
	case "list":
		items := make([]value.Value, len(k.args))
		for i, a := range k.args {
			v, err := p.literal(k.line, a)
			if err != nil {
				return value.Value{}, err
			}
			items[i] = v
		}
		list := value.NilValue
		for i := len(items) - 1; i >= 0; i-- {
			list = p.target.NewPair(items[i], list, true)
		}
		return list, nil
	}

	a := k.args[0]
	switch k.kind {
	case "int":
		n, err := parseInt(a.text)
		if err != nil {
			return value.Value{}, p.errorf(k.line, "%v", err)
		}
		return value.MakeInt(n), nil
	case "float":
		f, err := parseFloat(a.text)
		if err != nil {
			return value.Value{}, p.errorf(k.line, "%v", err)
		}
		return value.MakeFloat(f), nil
	case "str":
		return p.target.NewString(a.text, true), nil
	case "sym":
		return value.MakeSymbol(p.target.Intern(a.text)), nil
	case "kw":
		return value.MakeKeyword(p.target.Intern(strings.TrimPrefix(a.text, ":"))), nil
	case "char":
		r := []rune(a.text)
		if len(r) != 1 {
			return value.Value{}, p.errorf(k.line, "bad character %q", a.text)
		}
		return value.MakeChar(r[0]), nil
	case "byte":
		n, err := parseInt(a.text)
		if err != nil {
			return value.Value{}, p.errorf(k.line, "%v", err)
		}
		b, err := safecast.Conv[uint8](n)
		if err != nil {
			return value.Value{}, p.errorf(k.line, "byte %d out of range", n)
		}
		return value.MakeByte(b), nil
	}
	return value.Value{}, p.errorf(k.line, "unknown constant kind %s", k.kind)
}

// literal reads a list element: numbers, "strings", 'c' chars, :keywords,
// true/false/nil and otherwise symbols.
func (p *parser) literal(line int, f field) (value.Value, error) {
	switch f.quote {
	case '"':
		return p.target.NewString(f.text, true), nil
	case '\'':
		return value.MakeChar([]rune(f.text)[0]), nil
	}
	s := f.text
	switch {
	case s == "true":
		return value.TrueValue, nil
	case s == "false":
		return value.FalseValue, nil
	case s == "nil":
		return value.NilValue, nil
	case strings.HasPrefix(s, ":") && len(s) > 1:
		return value.MakeKeyword(p.target.Intern(s[1:])), nil
	}
	if n, err := parseInt(s); err == nil {
		return value.MakeInt(n), nil
	}
	if x, err := parseFloat(s); err == nil {
		return value.MakeFloat(x), nil
	}
	if s == "" {
		return value.Value{}, p.errorf(line, "empty list element")
	}
	return value.MakeSymbol(p.target.Intern(s)), nil
}
