package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"lispvm/internal/config"
	"lispvm/internal/trace"
	"lispvm/internal/vm"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, config.FileName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Discover(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Path != "" {
		t.Fatalf("expected no config path, got %q", cfg.Path)
	}
	if cfg.VM.StackSize != vm.DefaultStackSize || cfg.VM.TraceInstructions {
		t.Fatalf("unexpected vm defaults %+v", cfg.VM)
	}
	if cfg.Debug.OnError != config.DebugOff || cfg.Disasm.Color != "auto" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	tc, err := cfg.TracerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tc.Level != trace.LevelOff || tc.Mode != trace.ModeStream {
		t.Fatalf("unexpected tracer config %+v", tc)
	}
}

func TestDiscoverWalksUp(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, root, `
[vm]
stack_size = 1024

[trace]
level = "call"
mode = "ring"
ring_size = 64

[debug]
on_error = "repl"
`)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg, err := config.Discover(nested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Path != path {
		t.Fatalf("expected %q, got %q", path, cfg.Path)
	}
	if cfg.VM.StackSize != 1024 || cfg.Debug.OnError != config.DebugREPL {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Keys the file does not set keep their defaults.
	if cfg.Trace.Output != "-" || cfg.Disasm.Color != "auto" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	tc, err := cfg.TracerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tc.Level != trace.LevelCall || tc.Mode != trace.ModeRing || tc.RingSize != 64 {
		t.Fatalf("unexpected tracer config %+v", tc)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "[vm]\nstack_sz = 10\n"},
		{"unknown table", "[gc]\nratio = 2\n"},
		{"bad stack size", "[vm]\nstack_size = 0\n"},
		{"bad level", "[trace]\nlevel = \"loud\"\n"},
		{"bad mode", "[trace]\nmode = \"tape\"\n"},
		{"bad debug mode", "[debug]\non_error = \"gdb\"\n"},
		{"bad color", "[disasm]\ncolor = \"always\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := config.Load(path)
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadSyntaxError(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[vm\n")
	_, err := config.Load(path)
	if err == nil || errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected a parse error, got %v", err)
	}
}
