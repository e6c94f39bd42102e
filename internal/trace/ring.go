package trace

import (
	"io"
	"sync"
)

// RingTracer keeps the most recent events in memory. The debugger and the
// inspector show them after a run fails.
type RingTracer struct {
	mu     sync.Mutex
	events []Event
	next   int // slot of the next write
	total  uint64
	level  Level
}

func NewRingTracer(capacity int, level Level) *RingTracer {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &RingTracer{events: make([]Event, capacity), level: level}
}

func (t *RingTracer) Emit(ev *Event) {
	if !t.level.accepts(ev) {
		return
	}
	t.mu.Lock()
	t.events[t.next] = *ev
	t.next = (t.next + 1) % len(t.events)
	t.total++
	t.mu.Unlock()
}

// Snapshot returns the stored events, oldest first.
func (t *RingTracer) Snapshot() []Event {
	return t.Tail(len(t.events))
}

// Tail returns up to n of the newest events, oldest first.
func (t *RingTracer) Tail(n int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	n = min(n, t.lenLocked())
	out := make([]Event, n)
	start := t.next - n
	if start < 0 {
		start += len(t.events)
	}
	for i := range out {
		out[i] = t.events[(start+i)%len(t.events)]
	}
	return out
}

// Dropped returns how many events were overwritten.
func (t *RingTracer) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total - uint64(t.lenLocked())
}

func (t *RingTracer) lenLocked() int {
	if t.total < uint64(len(t.events)) {
		return int(t.total)
	}
	return len(t.events)
}

// Dump writes the stored events to w.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	events := t.Snapshot()
	for i := range events {
		if _, err := w.Write(FormatEvent(&events[i], format)); err != nil {
			return err
		}
	}
	return nil
}

func (t *RingTracer) Flush() error  { return nil }
func (t *RingTracer) Close() error  { return nil }
func (t *RingTracer) Level() Level  { return t.level }
func (t *RingTracer) Enabled() bool { return t.level > LevelOff }
