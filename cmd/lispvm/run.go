package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lispvm/internal/config"
	"lispvm/internal/trace"
	"lispvm/internal/ui"
	"lispvm/internal/vm"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <file.lasm|file.lvc>...",
	Short: "Execute assembled programs",
	Long: `Assemble or load each file into its own VM and execute its entry chunk.
Files run concurrently; results are printed in argument order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExecution,
}

func init() {
	runCmd.Flags().IntP("jobs", "j", 0, "files executed concurrently (0 = GOMAXPROCS)")
	runCmd.Flags().Int("stack-size", 0, "register stack slots per VM (0 = settings value)")
	runCmd.Flags().Bool("trace-instructions", false, "print every executed instruction to stderr")
	runCmd.Flags().Bool("trace-operands", false, "with --trace-instructions, also print register operands")
	runCmd.Flags().String("debug-on-error", "", "inspect uncaught errors (off|repl|tui)")
	runCmd.Flags().StringArray("break", nil, "stop at FILE:LINE, fn:NAME or CHUNK+OFFSET (repeatable)")
	runCmd.Flags().StringArray("break-fn", nil, "stop when the named function is entered (repeatable)")
	runCmd.Flags().Bool("step", false, "stop before the first instruction")
	runCmd.Flags().String("ui", "auto", "progress display for several files (auto|on|off)")
	runCmd.Flags().Bool("stats", false, "print engine counters after each file")
}

type runOptions struct {
	stackSize   int
	traceInstr  bool
	traceOps    bool
	events      trace.Tracer
	debugMode   string
	breaks      []string
	breakFns    []string
	step        bool
	stats       bool
	interactive bool
}

// fileResult is the outcome of one file. The VM is kept for post-mortem
// inspection.
type fileResult struct {
	path    string
	value   string
	err     error
	vm      *vm.VM
	elapsed time.Duration
}

func runExecution(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	opts, err := readRunOptions(cmd, &cfg)
	if err != nil {
		return err
	}
	live := opts.step || len(opts.breaks) > 0 || len(opts.breakFns) > 0
	if (live || opts.debugMode != config.DebugOff) && len(args) > 1 {
		return fmt.Errorf("debugging needs a single file, got %d", len(args))
	}

	tracer, cleanup, err := setupTracing(cmd, &cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	opts.events = tracer

	jobs, err := cmd.Flags().GetInt("jobs")
	if err != nil {
		return fmt.Errorf("failed to get jobs flag: %w", err)
	}
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	uiMode, err := cmd.Flags().GetString("ui")
	if err != nil {
		return fmt.Errorf("failed to get ui flag: %w", err)
	}
	useUI, err := shouldUseUI(uiMode, len(args))
	if err != nil {
		return err
	}
	if quiet(cmd) || live {
		useUI = false
	}

	var results []fileResult
	if useUI {
		results, err = runFilesWithUI(cmd.Context(), args, jobs, opts)
	} else {
		results = runFiles(cmd.Context(), args, jobs, opts, nil)
	}
	if err != nil {
		return err
	}

	failed := false
	for _, r := range results {
		printResult(cmd, r, len(args) > 1, opts.stats)
		if r.err != nil {
			failed = true
		}
	}
	if len(results) == 1 && results[0].err != nil && opts.debugMode != config.DebugOff {
		if err := inspectFailure(results[0], opts, tracer); err != nil {
			return err
		}
	}
	if failed {
		return errReported
	}
	return nil
}

func readRunOptions(cmd *cobra.Command, cfg *config.Config) (runOptions, error) {
	flags := cmd.Flags()
	opts := runOptions{
		stackSize:   cfg.VM.StackSize,
		traceInstr:  cfg.VM.TraceInstructions,
		debugMode:   cfg.Debug.OnError,
		interactive: isTerminal(os.Stdin),
	}
	var err error
	if flags.Changed("stack-size") {
		if opts.stackSize, err = flags.GetInt("stack-size"); err != nil {
			return opts, fmt.Errorf("failed to get stack-size flag: %w", err)
		}
		if opts.stackSize <= 0 {
			return opts, fmt.Errorf("--stack-size must be positive, got %d", opts.stackSize)
		}
	}
	if flags.Changed("trace-instructions") {
		if opts.traceInstr, err = flags.GetBool("trace-instructions"); err != nil {
			return opts, fmt.Errorf("failed to get trace-instructions flag: %w", err)
		}
	}
	if opts.traceOps, err = flags.GetBool("trace-operands"); err != nil {
		return opts, fmt.Errorf("failed to get trace-operands flag: %w", err)
	}
	if flags.Changed("debug-on-error") {
		if opts.debugMode, err = flags.GetString("debug-on-error"); err != nil {
			return opts, fmt.Errorf("failed to get debug-on-error flag: %w", err)
		}
		switch opts.debugMode {
		case config.DebugOff, config.DebugREPL, config.DebugTUI:
		default:
			return opts, fmt.Errorf("invalid --debug-on-error value %q (expected off|repl|tui)", opts.debugMode)
		}
	}
	if opts.breaks, err = flags.GetStringArray("break"); err != nil {
		return opts, fmt.Errorf("failed to get break flag: %w", err)
	}
	for _, spec := range opts.breaks {
		if _, err := vm.ParseLocation(spec); err != nil {
			return opts, fmt.Errorf("--break %q: %w", spec, err)
		}
	}
	if opts.breakFns, err = flags.GetStringArray("break-fn"); err != nil {
		return opts, fmt.Errorf("failed to get break-fn flag: %w", err)
	}
	if opts.step, err = flags.GetBool("step"); err != nil {
		return opts, fmt.Errorf("failed to get step flag: %w", err)
	}
	if opts.stats, err = flags.GetBool("stats"); err != nil {
		return opts, fmt.Errorf("failed to get stats flag: %w", err)
	}
	return opts, nil
}

func shouldUseUI(mode string, files int) (bool, error) {
	switch mode {
	case "auto":
		return files > 1 && isTerminal(os.Stdout), nil
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid --ui value %q (expected auto|on|off)", mode)
	}
}

// runFiles executes every file in its own VM, at most jobs at a time. Each
// result lands at its argument index. When events is not nil it receives
// the status changes of every file.
func runFiles(ctx context.Context, files []string, jobs int, opts runOptions, events chan<- ui.Event) []fileResult {
	results := make([]fileResult, len(files))

	var g errgroup.Group
	g.SetLimit(min(jobs, len(files)))
	for i, path := range files {
		g.Go(func() error {
			notify(events, ui.Event{File: path, Status: ui.StatusRunning})
			results[i] = runFile(ctx, path, opts)
			ev := ui.Event{File: path, Status: ui.StatusDone, Detail: results[i].value, Elapsed: results[i].elapsed}
			if results[i].err != nil {
				ev.Status, ev.Detail = ui.StatusError, results[i].err.Error()
			}
			notify(events, ev)
			// Errors stay with their file so the others keep running.
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never fail
	return results
}

func notify(events chan<- ui.Event, ev ui.Event) {
	if events != nil {
		events <- ev
	}
}

func runFilesWithUI(ctx context.Context, files []string, jobs int, opts runOptions) ([]fileResult, error) {
	events := make(chan ui.Event, 256)
	outcome := make(chan []fileResult, 1)

	go func() {
		outcome <- runFiles(ctx, files, jobs, opts, events)
		close(events)
	}()

	model := ui.NewProgressModel(fmt.Sprintf("running %d files", len(files)), files, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	results := <-outcome
	return results, uiErr
}

func runFile(ctx context.Context, path string, opts runOptions) fileResult {
	res := fileResult{path: path}
	vmOpts := vm.Options{StackSize: opts.stackSize, Events: opts.events}
	if opts.traceInstr {
		t := vm.NewTracer(os.Stderr)
		t.Operands = opts.traceOps
		vmOpts.Trace = t
	}
	m := vm.New(vmOpts)
	res.vm = m

	entry, err := loadProgram(path, m)
	if err != nil {
		res.err = err
		return res
	}
	if dbg, err := liveDebugger(m, opts); err != nil {
		res.err = err
		return res
	} else if dbg != nil {
		defer dbg.Detach()
	}

	start := time.Now()
	v, err := m.Execute(ctx, entry)
	res.elapsed = time.Since(start)
	if err != nil {
		res.err = err
		return res
	}
	res.value = m.Pretty(v)
	return res
}

// liveDebugger attaches a console debugger to m when breakpoints or single
// stepping were requested.
func liveDebugger(m *vm.VM, opts runOptions) (*vm.Debugger, error) {
	if !opts.step && len(opts.breaks) == 0 && len(opts.breakFns) == 0 {
		return nil, nil
	}
	d := vm.NewDebugger(m, os.Stdin, os.Stdout, opts.interactive)
	for _, spec := range opts.breaks {
		if _, err := d.Breakpoints().AddSpec(spec); err != nil {
			return nil, err
		}
	}
	for _, name := range opts.breakFns {
		if _, err := d.Breakpoints().AddFuncEntry(name); err != nil {
			return nil, err
		}
	}
	d.StepMode(opts.step)
	d.Attach()
	return d, nil
}

func printResult(cmd *cobra.Command, r fileResult, prefix bool, stats bool) {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	name := ""
	if prefix {
		name = color.New(color.Bold).Sprint(r.path) + ": "
	}
	if r.err != nil {
		var e *vm.VMError
		if errors.As(r.err, &e) && !quiet(cmd) {
			fmt.Fprintf(errOut, "%s%s %s", name, color.New(color.FgRed, color.Bold).Sprint("error:"), e.Format()) //nolint:errcheck
		} else {
			fmt.Fprintf(errOut, "%s%s %v\n", name, color.New(color.FgRed, color.Bold).Sprint("error:"), r.err) //nolint:errcheck
		}
		return
	}
	fmt.Fprintf(out, "%s%s\n", name, r.value) //nolint:errcheck
	if stats && r.vm != nil {
		s := r.vm.Stats()
		fmt.Fprintf(errOut, "%s%d instructions, %d calls, %d tail calls, max depth %d, %s\n", //nolint:errcheck
			name, s.Instructions, s.Calls, s.TailCalls, s.MaxDepth, r.elapsed.Round(time.Microsecond))
	}
}

// inspectFailure opens the post-mortem view configured by opts.debugMode on
// the state a failed file left behind.
func inspectFailure(r fileResult, opts runOptions, tracer trace.Tracer) error {
	if r.vm == nil {
		return nil
	}
	switch opts.debugMode {
	case config.DebugREPL:
		vm.NewDebugger(r.vm, os.Stdin, os.Stdout, opts.interactive).PostMortem(r.err)
	case config.DebugTUI:
		if !opts.interactive || !isTerminal(os.Stdout) {
			vm.NewDebugger(r.vm, os.Stdin, os.Stdout, false).PostMortem(r.err)
			return nil
		}
		ring, _ := trace.RingOf(tracer)
		pages := ui.InspectorPages(r.vm, r.err, ring)
		program := tea.NewProgram(ui.NewInspector(r.path, pages), tea.WithAltScreen())
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("inspector: %w", err)
		}
	}
	return nil
}
