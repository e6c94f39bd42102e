package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lispvm/internal/asm"
	"lispvm/internal/chunk"
	"lispvm/internal/trace"
	"lispvm/internal/ui"
	"lispvm/internal/version"
	"lispvm/internal/vm"
)

const factSrc = `.chunk main
.extra 3
.const lambda fact
    CONST R1 K0
    REGI R3 5
    CALL R1 1 R2
    SRET R2
.end

.chunk fact
.args 1
.extra 4
.names n
.const lambda fact
    REGI R2 0
    NUMEQ R2 R1 R2
    JMPFF R2 @recur
    REGI R2 1
    SRET R2
recur:
    CONST R3 K0
    MOV R5 R1
    DEC R5 1
    CALL R3 1 R4
    MUL R2 R1 R4
    SRET R2
.end
`

const divSrc = `.chunk main
.extra 3
    REGI R1 1
    REGI R2 0
    DIV R3 R1 R2
    SRET R3
.end
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testOptions() runOptions {
	return runOptions{stackSize: vm.DefaultStackSize, events: trace.Nop, debugMode: "off"}
}

func TestImagePath(t *testing.T) {
	if got := imagePath("dir/prog.lasm"); got != "dir/prog.lvc" {
		t.Fatalf("unexpected image path %q", got)
	}
	if got := imagePath("prog"); got != "prog.lvc" {
		t.Fatalf("unexpected image path %q", got)
	}
}

func TestLoadProgramRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "prog.txt", factSrc)
	if _, err := loadProgram(path, vm.New(vm.Options{})); err == nil || !strings.Contains(err.Error(), "unknown file type") {
		t.Fatalf("expected unknown file type error, got %v", err)
	}
}

func TestRunSourceAndImage(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "fact.lasm", factSrc)

	m := vm.New(vm.Options{})
	prog, err := asm.AssembleFile(src, m)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	img := imagePath(src)
	if err := chunk.SaveImage(img, prog.Entry, m); err != nil {
		t.Fatalf("save image: %v", err)
	}

	results := runFiles(context.Background(), []string{src, img}, 2, testOptions(), nil)
	for _, r := range results {
		if r.err != nil {
			t.Fatalf("%s: unexpected error: %v", r.path, r.err)
		}
		if r.value != "120" {
			t.Fatalf("%s: expected 120, got %q", r.path, r.value)
		}
	}
	if results[0].path != src || results[1].path != img {
		t.Fatalf("results out of argument order: %q %q", results[0].path, results[1].path)
	}
}

func TestRunKeepsFailuresPerFile(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "fact.lasm", factSrc)
	bad := writeFile(t, dir, "div.lasm", divSrc)

	results := runFiles(context.Background(), []string{bad, good}, 1, testOptions(), nil)
	var e *vm.VMError
	if !errors.As(results[0].err, &e) || e.Code != vm.PanicDivideByZero {
		t.Fatalf("expected a divide-by-zero error, got %v", results[0].err)
	}
	if results[0].vm == nil || results[0].vm.ErrFrame() == nil {
		t.Fatalf("failed file lost its VM state")
	}
	if results[1].err != nil || results[1].value != "120" {
		t.Fatalf("unexpected second result %+v", results[1])
	}
}

func TestRunReportsEvents(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "fact.lasm", factSrc)
	bad := writeFile(t, dir, "div.lasm", divSrc)

	files := []string{good, bad}
	events := make(chan ui.Event, 2*len(files))
	runFiles(context.Background(), files, 1, testOptions(), events)
	close(events)

	final := map[string]ui.Status{}
	for ev := range events {
		final[ev.File] = ev.Status
	}
	if final[good] != ui.StatusDone || final[bad] != ui.StatusError {
		t.Fatalf("unexpected final statuses %v", final)
	}
}

func TestApplyColorMode(t *testing.T) {
	for _, mode := range []string{"auto", "on", "off"} {
		if err := applyColorMode(mode); err != nil {
			t.Fatalf("%s: unexpected error: %v", mode, err)
		}
	}
	if err := applyColorMode("always"); err == nil {
		t.Fatalf("expected an error for an unknown mode")
	}
}

func TestShouldUseUI(t *testing.T) {
	if on, err := shouldUseUI("on", 1); err != nil || !on {
		t.Fatalf("expected on, got %v %v", on, err)
	}
	if on, err := shouldUseUI("off", 5); err != nil || on {
		t.Fatalf("expected off, got %v %v", on, err)
	}
	if _, err := shouldUseUI("maybe", 2); err == nil {
		t.Fatalf("expected an error for an unknown mode")
	}
}

func TestVersionReport(t *testing.T) {
	versionFlags.full = true
	defer func() { versionFlags.full = false }()

	r := newVersionReport(version.Info{Version: "1.2.3", GitCommit: "abc123"})
	if r.Version != "1.2.3" || r.GitCommit != "abc123" || r.BuildDate != "unknown" {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.ImageSchema != chunk.ImageSchema || r.Opcodes <= 0 || r.StackSize != vm.DefaultStackSize {
		t.Fatalf("engine facts missing from %+v", r)
	}
}
