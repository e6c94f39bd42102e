package trace

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// StreamTracer writes events to an io.Writer as they arrive. Output is
// buffered; errors and heartbeats flush it so a crashed or hung run still
// leaves its last events behind.
type StreamTracer struct {
	mu     sync.Mutex
	out    io.Writer
	buf    *bufio.Writer
	level  Level
	format Format
	count  int
	closed bool
	err    error // first write error
}

func NewStreamTracer(w io.Writer, level Level, format Format) *StreamTracer {
	t := &StreamTracer{
		out:    w,
		buf:    bufio.NewWriterSize(w, 32<<10),
		level:  level,
		format: formatFor(format, ""),
	}
	if t.format == FormatChrome {
		t.write([]byte("{\"traceEvents\":[\n"))
	}
	return t
}

func (t *StreamTracer) write(p []byte) {
	if t.err != nil {
		return
	}
	if _, err := t.buf.Write(p); err != nil {
		t.err = err
	}
}

// Emit writes ev. Write errors are kept for Flush and Close; tracing never
// fails a run.
func (t *StreamTracer) Emit(ev *Event) {
	if !t.level.accepts(ev) {
		return
	}
	data := FormatEvent(ev, t.format)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.format == FormatChrome && t.count > 0 {
		t.write([]byte(",\n"))
	}
	t.write(data)
	t.count++
	if ev.Kind == KindError || ev.Kind == KindHeartbeat {
		t.flushLocked()
	}
}

func (t *StreamTracer) flushLocked() {
	if t.err != nil {
		return
	}
	if err := t.buf.Flush(); err != nil {
		t.err = err
	}
}

// Flush writes buffered events through to the underlying writer.
func (t *StreamTracer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
	return t.err
}

// Close terminates the Chrome array, flushes and closes the writer if it
// is an io.Closer other than a standard stream.
func (t *StreamTracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.err
	}
	t.closed = true
	if t.format == FormatChrome {
		t.write([]byte("\n]}\n"))
	}
	t.flushLocked()
	if c, ok := t.out.(io.Closer); ok && !isStdStream(t.out) {
		return errors.Join(t.err, c.Close())
	}
	return t.err
}

func (t *StreamTracer) Level() Level  { return t.level }
func (t *StreamTracer) Enabled() bool { return t.level > LevelOff }
