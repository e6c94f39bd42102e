package vm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"lispvm/internal/chunk"
)

// ErrAborted is returned by a run the debugger aborted. It unwinds every run
// without running defers or handlers.
var ErrAborted = errors.New("aborted from debugger")

// Debugger is the interactive DEBUG> console. Attached to a VM it stops at
// breakpoints and single steps; PostMortem inspects an error after the run
// failed.
type Debugger struct {
	vm          *VM
	breakpoints *Breakpoints

	in          *bufio.Scanner
	out         io.Writer
	interactive bool

	stepping bool
	detached bool
	aborted  bool
	failure  *VMError
}

// NewDebugger creates a debugger reading commands from in. Non-interactive
// sessions print no prompt and, when input ends, let the program finish.
func NewDebugger(vm *VM, in io.Reader, out io.Writer, interactive bool) *Debugger {
	if in == nil {
		in = strings.NewReader("")
	}
	if out == nil {
		out = io.Discard
	}
	return &Debugger{
		vm:          vm,
		breakpoints: NewBreakpoints(),
		in:          bufio.NewScanner(in),
		out:         out,
		interactive: interactive,
	}
}

// Attach makes the VM consult d before every instruction.
func (d *Debugger) Attach() { d.vm.debugger = d }

// Detach stops consulting d.
func (d *Debugger) Detach() {
	if d.vm.debugger == d {
		d.vm.debugger = nil
	}
}

// Breakpoints returns the breakpoints collection.
func (d *Debugger) Breakpoints() *Breakpoints {
	if d == nil {
		return nil
	}
	return d.breakpoints
}

// StepMode makes the debugger stop before the next instruction.
func (d *Debugger) StepMode(on bool) { d.stepping = on }

func (d *Debugger) check(vm *VM) error {
	if d.aborted {
		return ErrAborted
	}
	if d.detached {
		return nil
	}
	if d.stepping {
		d.stepping = false
		d.printStop("step")
	} else if bp, hit := d.breakpoints.Match(vm); hit {
		d.printStop(fmt.Sprintf("breakpoint #%d", bp.ID))
	} else {
		return nil
	}
	d.repl(true)
	if d.aborted {
		return ErrAborted
	}
	return nil
}

// PostMortem reports err and opens the console on the state it left: the
// error frame snapshot and the error's backtrace.
func (d *Debugger) PostMortem(err error) {
	var e *VMError
	if errors.As(err, &e) {
		d.failure = e
		fmt.Fprint(d.out, e.Format()) //nolint:errcheck
	} else {
		fmt.Fprintf(d.out, "error: %v\n", err) //nolint:errcheck
	}
	d.repl(false)
}

// repl reads commands until the session resumes execution, aborts or input
// ends. live is set while the program is stopped.
func (d *Debugger) repl(live bool) {
	for {
		if d.interactive {
			fmt.Fprint(d.out, "DEBUG> ") //nolint:errcheck
		}
		if !d.in.Scan() {
			if d.interactive {
				fmt.Fprintln(d.out, "Enter :abort to exit debug mode and abort the error.") //nolint:errcheck
			}
			d.detached = true
			return
		}
		line := strings.TrimSpace(d.in.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if d.exec(line, live) {
			return
		}
	}
}

// exec runs one command and reports whether the console should return.
func (d *Debugger) exec(line string, live bool) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case ":abort":
		d.aborted = live
		return true
	case ":help", "help":
		d.help(live)
	case ":globals":
		d.report(d.vm.DumpGlobals(d.out))
	case ":dasm":
		c, ok := d.chunkAt(args)
		if ok {
			d.report(d.vm.Disassemble(d.out, c))
		}
	case ":regs":
		if f, ok := d.frameAt(args); ok {
			d.report(d.vm.DumpRegs(d.out, f))
		}
	case ":regs-raw":
		d.report(d.vm.DumpStack(d.out))
	case ":stack":
		d.stack()
	case "step", "s":
		if live {
			d.stepping = true
			return true
		}
		d.notLive()
	case "continue", "c":
		if live {
			return true
		}
		d.notLive()
	case "break":
		if len(args) != 1 {
			fmt.Fprintln(d.out, "error: break expects <file:line|fn:name|name+offset>") //nolint:errcheck
			return false
		}
		bp, err := d.breakpoints.AddSpec(args[0])
		if err == nil {
			fmt.Fprintf(d.out, "breakpoint %s\n", bp.Summary()) //nolint:errcheck
		}
		d.report(err)
	case "delete":
		id, err := strconv.Atoi(strings.Join(args, ""))
		if err != nil || id <= 0 {
			fmt.Fprintln(d.out, "error: invalid breakpoint id") //nolint:errcheck
			return false
		}
		if !d.breakpoints.Delete(id) {
			fmt.Fprintln(d.out, "error: unknown breakpoint id") //nolint:errcheck
		}
	case "list":
		fmt.Fprintln(d.out, "breakpoints:") //nolint:errcheck
		for _, bp := range d.breakpoints.List() {
			fmt.Fprintf(d.out, "  %s\n", bp.Summary()) //nolint:errcheck
		}
	default:
		fmt.Fprintln(d.out, "error: unknown command, try :help") //nolint:errcheck
	}
	return false
}

// stackIndex parses the optional 1-based frame argument of :dasm and :regs.
func (d *Debugger) stackIndex(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, true
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintln(d.out, "Param not an int.") //nolint:errcheck
		return 0, false
	}
	if n < 0 {
		n = -n
	}
	return n, true
}

func (d *Debugger) frameAt(args []string) (*ErrorFrame, bool) {
	n, ok := d.stackIndex(args)
	if !ok {
		return nil, false
	}
	if n == 0 {
		if ef := d.vm.ErrFrame(); ef != nil {
			return ef, true
		}
		n = 1
	}
	f, ok := d.vm.Frame(n - 1)
	if !ok {
		fmt.Fprintln(d.out, "At top level.") //nolint:errcheck
	}
	return f, ok
}

func (d *Debugger) chunkAt(args []string) (*chunk.Chunk, bool) {
	n, ok := d.stackIndex(args)
	if !ok {
		return nil, false
	}
	if n == 0 {
		if ef := d.vm.ErrFrame(); ef != nil {
			return ef.Chunk, true
		}
		n = 1
	}
	f, ok := d.vm.Frame(n - 1)
	if !ok {
		fmt.Fprintln(d.out, "Nothing to disassemble.") //nolint:errcheck
		return nil, false
	}
	return f.Chunk, true
}

func (d *Debugger) stack() {
	if ef := d.vm.ErrFrame(); ef != nil {
		fmt.Fprintf(d.out, "ERROR Frame: %s line: %d ip: 0x%08x\n", ef.File, ef.Line, ef.IP) //nolint:errcheck
	}
	if frames := d.vm.CallStack(); len(frames) > 0 {
		for _, f := range frames {
			fmt.Fprintf(d.out, "ID: %d %s line: %d ip: 0x%08x\n", f.ID, f.File, f.Line, f.IP) //nolint:errcheck
		}
		return
	}
	if d.failure != nil {
		for _, f := range d.failure.Backtrace {
			fmt.Fprintf(d.out, "ID: %d %s line: %d ip: 0x%08x\n", f.ID, f.File, f.Line, f.IP) //nolint:errcheck
		}
	}
}

func (d *Debugger) printStop(reason string) {
	f := d.vm.cur
	in, err := chunk.Decode(f.Chunk.Code, f.IP, false)
	op := "<corrupt>"
	if err == nil {
		if in.Op == chunk.OpWide {
			in, err = chunk.Decode(f.Chunk.Code, in.Next, true)
		}
		if err == nil {
			op = strings.ReplaceAll(chunk.FormatInstr(in), "\t", " ")
		}
	}
	line, _ := f.Chunk.OffsetToLine(f.IP)
	fmt.Fprintf(d.out, "stopped: %s\nat %s ip%d %s @ %s:%d\n", reason, chunkName(f.Chunk), f.IP, op, f.Chunk.File, line) //nolint:errcheck
}

func (d *Debugger) report(err error) {
	if err != nil {
		fmt.Fprintf(d.out, "error: %s\n", err.Error()) //nolint:errcheck
	}
}

func (d *Debugger) notLive() {
	fmt.Fprintln(d.out, "error: the program is not running") //nolint:errcheck
}

const (
	postMortemHelp = `commands:
  :abort          leave the debugger
  :globals        dump the global table
  :dasm [n]       disassemble frame n
  :regs [n]       dump registers of frame n
  :regs-raw       dump the raw stack
  :stack          list the frames
`
	liveHelp = `  step|s
  continue|c
  break <file:line|fn:name|name+offset>
  delete <id>
  list
`
)

func (d *Debugger) help(live bool) {
	io.WriteString(d.out, postMortemHelp) //nolint:errcheck
	if live {
		io.WriteString(d.out, liveHelp) //nolint:errcheck
	}
}
