package trace

import (
	"strconv"
	"time"
)

// Span brackets an operation with begin and end events. A span started on a
// tracer whose level does not cover its scope is inert.
type Span struct {
	tracer  Tracer
	id      uint64
	scope   Scope
	name    string
	origin  Origin
	started time.Time
	extra   map[string]string
}

// Begin starts a span and records its begin event.
func Begin(t Tracer, scope Scope, name string, o Origin) *Span {
	if t == nil || !t.Level().ShouldEmit(scope) {
		return &Span{}
	}
	s := &Span{
		tracer:  t,
		id:      spanCounter.Add(1),
		scope:   scope,
		name:    name,
		origin:  o,
		started: time.Now(),
	}
	t.Emit(&Event{
		Origin: o,
		Time:   s.started,
		Seq:    NextSeq(),
		Kind:   KindSpanBegin,
		Scope:  scope,
		SpanID: s.id,
		Name:   name,
	})
	return s
}

// End records the end event, with the elapsed time in its extras, and
// returns the duration.
func (s *Span) End(detail string) time.Duration {
	if s == nil || s.tracer == nil {
		return 0
	}
	dur := time.Since(s.started)
	s.WithExtra("elapsed_us", strconv.FormatInt(dur.Microseconds(), 10))
	s.tracer.Emit(&Event{
		Origin: s.origin,
		Time:   time.Now(),
		Seq:    NextSeq(),
		Kind:   KindSpanEnd,
		Scope:  s.scope,
		SpanID: s.id,
		Name:   s.name,
		Detail: detail,
		Extra:  s.extra,
	})
	s.tracer = nil
	return dur
}

// WithExtra adds a key-value pair to the end event.
func (s *Span) WithExtra(key, value string) *Span {
	if s == nil || s.tracer == nil {
		return s
	}
	if s.extra == nil {
		s.extra = make(map[string]string)
	}
	s.extra[key] = value
	return s
}

// Active reports whether the span records events.
func (s *Span) Active() bool { return s != nil && s.tracer != nil }

func (s *Span) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}
