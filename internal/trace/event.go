package trace

import (
	"sync/atomic"
	"time"
)

// Kind represents the type of trace event.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindPoint
	KindHeartbeat
	// KindError reports an error that escaped to the host. It is recorded at
	// every level except LevelOff.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Scope orders events from coarse to fine. A level records every scope up
// to its own.
type Scope uint8

const (
	// ScopeRun covers one engine run (Execute or a re-entrant Call).
	ScopeRun Scope = iota + 1
	// ScopeCall covers calls, tail calls and returns.
	ScopeCall
	// ScopeUnwind covers defers, handler catches and frame pops on error.
	ScopeUnwind
	// ScopeCont covers continuation capture and invocation.
	ScopeCont
	ScopeInstr
)

func (s Scope) String() string {
	switch s {
	case ScopeRun:
		return "run"
	case ScopeCall:
		return "call"
	case ScopeUnwind:
		return "unwind"
	case ScopeCont:
		return "cont"
	case ScopeInstr:
		return "instr"
	default:
		return "unknown"
	}
}

// Origin locates an event inside an engine. Several engines may share one
// tracer; Engine tells their events apart.
type Origin struct {
	Engine uint64 // see NewEngineID
	Run    uint64 // nested run id, 0 for host-level runs
	Depth  int    // frame depth
	Chunk  string // chunk the engine was executing
	IP     int
}

// Event is a single trace record.
type Event struct {
	Origin
	Time   time.Time
	Seq    uint64 // assigned at creation, monotonic across engines
	Kind   Kind
	Scope  Scope
	SpanID uint64 // 0 for point events
	Name   string // e.g. "call", "catch", "resume"
	Detail string
	Extra  map[string]string
}

var (
	seqCounter    atomic.Uint64
	spanCounter   atomic.Uint64
	engineCounter atomic.Uint64
)

// NextSeq returns the next event sequence number.
func NextSeq() uint64 { return seqCounter.Add(1) }

// NewEngineID returns a process-unique engine identifier, starting at 1.
func NewEngineID() uint64 { return engineCounter.Add(1) }

// Point records an instant event when t's level covers scope.
func Point(t Tracer, scope Scope, name, detail string, o Origin, extra map[string]string) {
	if t == nil || !t.Level().ShouldEmit(scope) {
		return
	}
	t.Emit(&Event{
		Origin: o,
		Time:   time.Now(),
		Seq:    NextSeq(),
		Kind:   KindPoint,
		Scope:  scope,
		Name:   name,
		Detail: detail,
		Extra:  extra,
	})
}

// Fail records an error that reached the host.
func Fail(t Tracer, name, detail string, o Origin, extra map[string]string) {
	if t == nil || !t.Enabled() {
		return
	}
	t.Emit(&Event{
		Origin: o,
		Time:   time.Now(),
		Seq:    NextSeq(),
		Kind:   KindError,
		Scope:  ScopeRun,
		Name:   name,
		Detail: detail,
		Extra:  extra,
	})
}
