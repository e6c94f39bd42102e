package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"off", LevelOff, false},
		{"error", LevelError, false},
		{"RUN", LevelRun, false},
		{"call", LevelCall, false},
		{"debug", LevelDebug, false},
		{"phase", LevelOff, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevelScopes(t *testing.T) {
	if LevelRun.ShouldEmit(ScopeCall) {
		t.Fatalf("run level must not emit call events")
	}
	if !LevelCall.ShouldEmit(ScopeCont) || LevelCall.ShouldEmit(ScopeInstr) {
		t.Fatalf("call level covers calls up to continuations only")
	}
	if !LevelDebug.ShouldEmit(ScopeInstr) {
		t.Fatalf("debug level emits everything")
	}
	errEv := &Event{Kind: KindError, Scope: ScopeRun}
	if !LevelError.accepts(errEv) || LevelOff.accepts(errEv) {
		t.Fatalf("error events are accepted at every level but off")
	}
}

func TestStreamTracerText(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelCall, FormatText)
	at := Origin{Engine: 3, Depth: 2, Chunk: "fact", IP: 12}
	Begin(tr, ScopeCall, "call", at).WithExtra("nargs", "1").End("ok")
	Begin(tr, ScopeInstr, "MOV", at).End("")
	Point(tr, ScopeInstr, "ADD", "", at, nil)
	if buf.Len() != 0 {
		t.Fatalf("stream wrote before a flush:\n%s", buf.String())
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"e3     → call:call @fact+12", "← call:call (ok) @fact+12 {elapsed_us=", "nargs=1}"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "MOV") || strings.Contains(out, "ADD") {
		t.Fatalf("instruction events leaked at call level:\n%s", out)
	}
}

func TestStreamTracerFlushesErrors(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelError, FormatNDJSON)
	Point(tr, ScopeRun, "execute", "", Origin{}, nil)
	Fail(tr, "uncaught", "division by zero", Origin{Engine: 1, Chunk: "main", IP: 4}, map[string]string{"code": "VM1002"})

	var rec jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one ndjson record, got %q: %v", buf.String(), err)
	}
	if rec.Kind != "error" || rec.Chunk != "main" || rec.IP != 4 || rec.Extra["code"] != "VM1002" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestChromeFormatIsJSON(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelCall, FormatChrome)
	for e := uint64(1); e <= 2; e++ {
		Begin(tr, ScopeRun, "execute", Origin{Engine: e}).End("")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var doc struct {
		TraceEvents []map[string]any `json:"traceEvents"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid chrome trace: %v\n%s", err, buf.String())
	}
	if len(doc.TraceEvents) != 4 || doc.TraceEvents[2]["tid"] != float64(2) {
		t.Fatalf("unexpected events %+v", doc.TraceEvents)
	}
}

func TestRingTracerWraps(t *testing.T) {
	r := NewRingTracer(3, LevelDebug)
	for _, name := range []string{"a", "b", "c", "d"} {
		r.Emit(&Event{Kind: KindPoint, Scope: ScopeRun, Name: name})
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0].Name != "b" || got[2].Name != "d" {
		t.Fatalf("snapshot = %+v", got)
	}
	if tail := r.Tail(2); len(tail) != 2 || tail[0].Name != "c" {
		t.Fatalf("tail = %+v", tail)
	}
	if r.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", r.Dropped())
	}
	m := NewMultiTracer(LevelDebug, Nop, r)
	if found, ok := RingOf(m); !ok || found != r {
		t.Fatalf("RingOf did not find the ring behind the multi tracer")
	}
}

func TestNew(t *testing.T) {
	tr, err := New(Config{Level: LevelOff})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Enabled() {
		t.Fatalf("off tracer reports enabled")
	}
	if StartHeartbeat(tr, 1) != nil {
		t.Fatalf("heartbeat started on a disabled tracer")
	}

	var buf bytes.Buffer
	tr, err = New(Config{Level: LevelRun, Mode: ModeBoth, Output: &buf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := RingOf(tr); !ok {
		t.Fatalf("both mode has no ring")
	}
	if formatFor(FormatAuto, "out.ndjson") != FormatNDJSON || formatFor(FormatAuto, "t.json") != FormatChrome {
		t.Fatalf("format not derived from the output path")
	}
}
