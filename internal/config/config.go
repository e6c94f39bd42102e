// Package config loads lispvm.toml, the per-project settings file. The file
// is looked up from the working directory upwards; command-line flags
// override whatever it sets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lispvm/internal/trace"
	"lispvm/internal/vm"
)

// FileName is the name of the settings file.
const FileName = "lispvm.toml"

// ErrInvalid reports a settings file with unknown keys or bad values.
var ErrInvalid = errors.New("invalid configuration")

// Debug-on-error modes.
const (
	DebugOff  = "off"
	DebugREPL = "repl"
	DebugTUI  = "tui"
)

// Config is the decoded settings file.
type Config struct {
	// Path is the file the settings came from, empty for defaults.
	Path string `toml:"-"`

	VM     VMConfig     `toml:"vm"`
	Trace  TraceConfig  `toml:"trace"`
	Debug  DebugConfig  `toml:"debug"`
	Disasm DisasmConfig `toml:"disasm"`
}

type VMConfig struct {
	StackSize         int  `toml:"stack_size"`
	TraceInstructions bool `toml:"trace_instructions"`
}

type TraceConfig struct {
	Level    string `toml:"level"`
	Mode     string `toml:"mode"`
	Format   string `toml:"format"`
	Output   string `toml:"output"`
	RingSize int    `toml:"ring_size"`
}

type DebugConfig struct {
	OnError string `toml:"on_error"`
}

type DisasmConfig struct {
	Color string `toml:"color"`
}

// Default returns the settings used when no file is found.
func Default() Config {
	return Config{
		VM: VMConfig{StackSize: vm.DefaultStackSize},
		Trace: TraceConfig{
			Level:    "off",
			Mode:     "stream",
			Format:   "auto",
			Output:   "-",
			RingSize: 4096,
		},
		Debug:  DebugConfig{OnError: DebugOff},
		Disasm: DisasmConfig{Color: "auto"},
	}
}

// Find walks from startDir up to the filesystem root looking for FileName.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Discover finds and loads the settings file above startDir. It returns the
// defaults when there is none.
func Discover(startDir string) (Config, error) {
	path, ok, err := Find(startDir)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Default(), nil
	}
	return Load(path)
}

// Load decodes path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: %w: unknown keys %s", path, ErrInvalid, strings.Join(keys, ", "))
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.VM.StackSize <= 0 {
		return fmt.Errorf("%w: [vm].stack_size must be positive, got %d", ErrInvalid, c.VM.StackSize)
	}
	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		return fmt.Errorf("%w: [trace].level: %w", ErrInvalid, err)
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		return fmt.Errorf("%w: [trace].mode: %w", ErrInvalid, err)
	}
	if _, err := trace.ParseFormat(c.Trace.Format); err != nil {
		return fmt.Errorf("%w: [trace].format: %w", ErrInvalid, err)
	}
	if c.Trace.RingSize < 0 {
		return fmt.Errorf("%w: [trace].ring_size must not be negative", ErrInvalid)
	}
	switch c.Debug.OnError {
	case DebugOff, DebugREPL, DebugTUI:
	default:
		return fmt.Errorf("%w: [debug].on_error must be off, repl or tui, got %q", ErrInvalid, c.Debug.OnError)
	}
	switch c.Disasm.Color {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("%w: [disasm].color must be auto, on or off, got %q", ErrInvalid, c.Disasm.Color)
	}
	return nil
}

// TracerConfig converts the [trace] table for trace.New.
func (c *Config) TracerConfig() (trace.Config, error) {
	level, err := trace.ParseLevel(c.Trace.Level)
	if err != nil {
		return trace.Config{}, err
	}
	mode, err := trace.ParseMode(c.Trace.Mode)
	if err != nil {
		return trace.Config{}, err
	}
	format, err := trace.ParseFormat(c.Trace.Format)
	if err != nil {
		return trace.Config{}, err
	}
	return trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: c.Trace.Output,
		RingSize:   c.Trace.RingSize,
	}, nil
}
