package vm

import (
	"fmt"
	"io"
	"slices"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"lispvm/internal/chunk"
	"lispvm/internal/heap"
	"lispvm/internal/value"
)

// FrameInfo describes one active frame.
type FrameInfo struct {
	ID    uint64
	Chunk *chunk.Chunk
	Name  string
	File  string
	// IP is the offset of the instruction the frame is executing.
	IP    int
	Line  int
	Base  int
	Depth int
}

// ErrorFrame is a snapshot of a frame and its registers.
type ErrorFrame struct {
	FrameInfo
	Regs []value.Value
}

const (
	nameWidth = 20
	typeWidth = 12
)

// frames walks the live frames innermost first, through nested runs, up to
// the host.
func (vm *VM) frames() []heap.CallFrame {
	if vm.cur.Chunk == nil {
		return nil
	}
	out := []heap.CallFrame{vm.cur}
	for i := len(vm.marks) - 1; i >= 0 && vm.marks[i].Chunk != nil; i-- {
		out = append(out, vm.marks[i])
	}
	return out
}

func frameInfo(f heap.CallFrame) FrameInfo {
	line, _ := f.Chunk.OffsetToLine(f.CallIP)
	return FrameInfo{
		ID:    f.ID,
		Chunk: f.Chunk,
		Name:  chunkName(f.Chunk),
		File:  f.Chunk.File,
		IP:    f.CallIP,
		Line:  line,
		Base:  f.Base,
		Depth: f.Depth,
	}
}

// CallStack lists the active frames, innermost first.
func (vm *VM) CallStack() []FrameInfo {
	fs := vm.frames()
	out := make([]FrameInfo, len(fs))
	for i, f := range fs {
		out[i] = frameInfo(f)
	}
	return out
}

func (vm *VM) backtrace() []BacktraceFrame {
	fs := vm.frames()
	out := make([]BacktraceFrame, len(fs))
	for i, f := range fs {
		fi := frameInfo(f)
		out[i] = BacktraceFrame{Name: fi.Name, File: fi.File, Line: fi.Line, IP: fi.IP, ID: fi.ID}
	}
	return out
}

// Frame snapshots the live frame at depth (0 is the innermost).
func (vm *VM) Frame(depth int) (*ErrorFrame, bool) {
	fs := vm.frames()
	if depth < 0 || depth >= len(fs) {
		return nil, false
	}
	return vm.snapshot(fs[depth]), true
}

func (vm *VM) snapshot(f heap.CallFrame) *ErrorFrame {
	end := min(f.Base+f.Chunk.Regs(), len(vm.stack))
	return &ErrorFrame{
		FrameInfo: frameInfo(f),
		Regs:      slices.Clone(vm.stack[f.Base:end]),
	}
}

func (vm *VM) snapshotFrame() *ErrorFrame {
	if vm.cur.Chunk == nil {
		return nil
	}
	return vm.snapshot(vm.cur)
}

// ErrFrame returns the frame snapshot of the last error that escaped the
// outermost run.
func (vm *VM) ErrFrame() *ErrorFrame { return vm.errFrame }

// ClearErrFrame forgets the last error frame.
func (vm *VM) ClearErrFrame() { vm.errFrame = nil }

// Disassemble writes the listing of c.
func (vm *VM) Disassemble(w io.Writer, c *chunk.Chunk) error {
	d := chunk.Disassembler{Out: w, Resolver: vm, Color: !color.NoColor}
	return d.Chunk(c)
}

// DumpRegs writes the register window of f, one line per register.
func (vm *VM) DumpRegs(w io.Writer, f *ErrorFrame) error {
	names := f.Chunk.DbgArgs
	for i, r := range f.Regs {
		name := "[SCRATCH]"
		switch {
		case i == 0:
			name = "params/result"
		case i-1 < len(names):
			name = vm.syms.Name(names[i-1])
		}
		if err := vm.dumpLine(w, i, name, r); err != nil {
			return err
		}
	}
	return nil
}

// DumpStack writes the raw stack up to the end of the innermost window (or
// of the error frame). CallFrame slots are named RESULT; the window above
// one starts with its params/result register, then the debug names of the
// window's chunk.
func (vm *VM) DumpStack(w io.Writer) error {
	windows := map[int]*chunk.Chunk{}
	top := vm.liveTop()
	for _, f := range vm.frames() {
		windows[f.Base] = f.Chunk
	}
	if ef := vm.errFrame; ef != nil {
		windows[ef.Base] = ef.Chunk
		top = max(top, ef.Base+len(ef.Regs))
	}
	top = min(top, len(vm.stack))

	var names []value.SymbolID
	for i := 0; i < top; i++ {
		r := vm.stack[i]
		name := "[SCRATCH]"
		switch {
		case r.Kind == value.CallFrame:
			name = "RESULT"
			names = nil
			if c, ok := windows[i+1]; ok {
				names = append([]value.SymbolID{0}, c.DbgArgs...)
			}
		case len(names) > 0:
			if n := vm.syms.Name(names[0]); n != "" {
				name = n
			}
			names = names[1:]
		}
		if r.Kind == value.Boxed {
			name = fmt.Sprintf("%s(%d)", name, r.Data)
		}
		if err := vm.dumpLine(w, i, name, r); err != nil {
			return err
		}
	}
	return nil
}

// DumpGlobals writes every defined global.
func (vm *VM) DumpGlobals(w io.Writer) error {
	var err error
	vm.globals.Each(func(idx int, name string, v value.Value) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w, "G[%04d] %s: %s %s\n", idx,
			runewidth.FillRight(runewidth.Truncate(name, nameWidth, "…"), nameWidth),
			vm.typeColumn(v), runewidth.Truncate(vm.Pretty(v), 80, "…"))
	})
	return err
}

func (vm *VM) dumpLine(w io.Writer, i int, name string, r value.Value) error {
	mark := " "
	if r.Kind == value.Boxed {
		mark = "^"
	}
	_, err := fmt.Fprintf(w, "%03d %s%s: %s %s\n", i, mark,
		runewidth.FillRight(runewidth.Truncate(name, nameWidth, "…"), nameWidth),
		vm.typeColumn(r), vm.Pretty(r))
	return err
}

func (vm *VM) typeColumn(v value.Value) string {
	name := runewidth.FillRight(vm.TypeName(v), typeWidth)
	if v.Kind == value.Boxed {
		name = runewidth.FillRight(vm.TypeName(vm.heap.Deref(v)), typeWidth)
	}
	if color.NoColor {
		return name
	}
	return color.New(color.FgYellow).Sprint(name)
}
