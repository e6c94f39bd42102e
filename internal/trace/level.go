package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity. Each level records the scopes of the
// levels below it.
type Level uint8

const (
	LevelOff   Level = iota
	LevelError       // only errors that escape to the host
	LevelRun         // engine runs
	LevelCall        // calls, unwinding and continuations
	LevelDebug       // every instruction
)

var levelNames = [...]string{"off", "error", "run", "call", "debug"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|error|run|call|debug)", s)
}

// ShouldEmit reports whether events of scope are recorded at level l.
// Errors and heartbeats bypass this filter.
func (l Level) ShouldEmit(scope Scope) bool {
	switch l {
	case LevelRun:
		return scope <= ScopeRun
	case LevelCall:
		return scope <= ScopeCont
	case LevelDebug:
		return true
	default:
		return false
	}
}

func (l Level) accepts(ev *Event) bool {
	if l == LevelOff {
		return false
	}
	return ev.Kind == KindHeartbeat || ev.Kind == KindError || l.ShouldEmit(ev.Scope)
}

type nopTracer struct{}

func (nopTracer) Emit(*Event)   {}
func (nopTracer) Flush() error  { return nil }
func (nopTracer) Close() error  { return nil }
func (nopTracer) Level() Level  { return LevelOff }
func (nopTracer) Enabled() bool { return false }

// Nop discards everything.
var Nop Tracer = nopTracer{}
