package vm

import (
	"errors"
	"fmt"
	"strings"

	"lispvm/internal/chunk"
	"lispvm/internal/value"
)

// PanicCode identifies the type of VM error.
type PanicCode int

// Stable panic codes - do not change values.
const (
	PanicTypeMismatch        PanicCode = 1001 // VM1001: operand of the wrong type
	PanicDivideByZero        PanicCode = 1002 // VM1002: division by zero
	PanicOutOfRange          PanicCode = 1003 // VM1003: index out of range
	PanicUnboundGlobal       PanicCode = 1004 // VM1004: global read before definition
	PanicArity               PanicCode = 1005 // VM1005: wrong number of arguments
	PanicStackOverflow       PanicCode = 1006 // VM1006: register stack exhausted
	PanicReadOnly            PanicCode = 1007 // VM1007: mutation of a read-only object
	PanicNotCallable         PanicCode = 1008 // VM1008: call target is not callable
	PanicInvalidContinuation PanicCode = 1009 // VM1009: continuation outside its run
	PanicNative              PanicCode = 1010 // VM1010: native returned an error
	PanicNativePanic         PanicCode = 1011 // VM1011: native panicked
	PanicRaised              PanicCode = 1100 // VM1100: ERR or a native raise
	PanicInterrupted         PanicCode = 1900 // VM1900: interrupted by the host
	PanicCorruptCode         PanicCode = 2001 // VM2001: malformed instruction stream
	PanicInvalidHandle       PanicCode = 2002 // VM2002: dangling or mistyped heap handle
)

var codeTags = map[PanicCode]string{
	PanicTypeMismatch:        "type-error",
	PanicDivideByZero:        "divide-by-zero",
	PanicOutOfRange:          "out-of-range",
	PanicUnboundGlobal:       "unbound-global",
	PanicArity:               "arity",
	PanicStackOverflow:       "stack-overflow",
	PanicReadOnly:            "read-only",
	PanicNotCallable:         "not-callable",
	PanicInvalidContinuation: "invalid-continuation",
	PanicNative:              "native-error",
	PanicNativePanic:         "native-panic",
	PanicInterrupted:         "interrupted",
	PanicCorruptCode:         "corrupt-code",
	PanicInvalidHandle:       "invalid-handle",
}

// String returns the code as "VM1001" format.
func (c PanicCode) String() string {
	return fmt.Sprintf("VM%d", c)
}

// Catchable reports whether an ONERR handler may intercept the error.
func (c PanicCode) Catchable() bool { return c < PanicInterrupted }

// Fatal reports whether the error aborts the run without unwinding.
func (c PanicCode) Fatal() bool { return c >= PanicCorruptCode }

// BacktraceFrame represents one frame in the error backtrace.
type BacktraceFrame struct {
	Name string
	File string
	Line int
	IP   int
	ID   uint64
}

// VMError represents a runtime error raised by the VM or by user code.
type VMError struct {
	Code PanicCode
	// Tag is the keyword name of the error, without the colon.
	Tag      string
	TagValue value.Value
	Payload  value.Value
	Message  string
	// Backtrace lists the frames active at the raise, innermost first.
	Backtrace []BacktraceFrame
	// Frame is the snapshot of the frame that raised.
	Frame *ErrorFrame

	cause error
}

// Error implements the error interface.
func (p *VMError) Error() string {
	return fmt.Sprintf("panic %s: %s", p.Code, p.Message)
}

// Unwrap exposes the underlying cause, e.g. chunk.ErrCorrupt.
func (p *VMError) Unwrap() error { return p.cause }

// Format renders the error with its location and backtrace.
func (p *VMError) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "panic %s: %s\n", p.Code, p.Message)
	if len(p.Backtrace) > 0 {
		fmt.Fprintf(&sb, "at %s\n", p.Backtrace[0].location())
		sb.WriteString("backtrace:\n")
		for i, f := range p.Backtrace {
			fmt.Fprintf(&sb, "  %d: %s at %s\n", i, f.Name, f.location())
		}
	}
	return sb.String()
}

func (f BacktraceFrame) location() string {
	file := f.File
	if file == "" {
		file = "<unknown>"
	}
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d (ip 0x%08x)", file, f.Line, f.IP)
	}
	return fmt.Sprintf("%s (ip 0x%08x)", file, f.IP)
}

// RaisedError lets a native raise a catchable error with an arbitrary tag
// and payload. It is delivered to ONERR handlers like ERR.
type RaisedError struct {
	Tag     value.Value
	Payload value.Value
}

func (e *RaisedError) Error() string {
	return fmt.Sprintf("raised %s error", e.Tag.Kind)
}

// Raise builds a RaisedError tagged with the keyword name.
func (vm *VM) Raise(tag string, payload value.Value) error {
	return &RaisedError{Tag: vm.Keyword(tag), Payload: payload}
}

// errHalt unwinds every run without running defers after HALT.
var errHalt = errors.New("halted")

// errorBuilder helps construct VMError values.
type errorBuilder struct {
	vm *VM
}

func (eb *errorBuilder) makeError(code PanicCode, msg string) *VMError {
	tag := codeTags[code]
	e := &VMError{
		Code:      code,
		Tag:       tag,
		TagValue:  eb.vm.Keyword(tag),
		Payload:   eb.vm.heap.AllocString(msg, false),
		Message:   msg,
		Backtrace: eb.vm.backtrace(),
	}
	return e
}

func (eb *errorBuilder) typeMismatch(what, expected string, got value.Value) *VMError {
	return eb.makeError(PanicTypeMismatch, fmt.Sprintf("%s: expected %s, got %s", what, expected, eb.vm.TypeName(got)))
}

func (eb *errorBuilder) divideByZero() *VMError {
	return eb.makeError(PanicDivideByZero, "division by zero")
}

func (eb *errorBuilder) outOfRange(what string, index, length int) *VMError {
	return eb.makeError(PanicOutOfRange, fmt.Sprintf("%s: index %d out of range for length %d", what, index, length))
}

func (eb *errorBuilder) badLength(what string, n int) *VMError {
	return eb.makeError(PanicOutOfRange, fmt.Sprintf("%s: length %d outside 0..%d", what, n, MaxVectorLen))
}

func (eb *errorBuilder) unboundGlobal(name string) *VMError {
	return eb.makeError(PanicUnboundGlobal, fmt.Sprintf("global %s is not defined", name))
}

func (eb *errorBuilder) arity(name, want string, got int) *VMError {
	return eb.makeError(PanicArity, fmt.Sprintf("%s expects %s arguments, got %d", name, want, got))
}

func (eb *errorBuilder) stackOverflow(need, size int) *VMError {
	return eb.makeError(PanicStackOverflow, fmt.Sprintf("stack overflow: need %d registers, stack holds %d", need, size))
}

func (eb *errorBuilder) readOnly(what string) *VMError {
	return eb.makeError(PanicReadOnly, fmt.Sprintf("%s is read-only", what))
}

func (eb *errorBuilder) notCallable(v value.Value) *VMError {
	return eb.makeError(PanicNotCallable, fmt.Sprintf("%s is not callable", eb.vm.TypeName(v)))
}

func (eb *errorBuilder) invalidContinuation() *VMError {
	return eb.makeError(PanicInvalidContinuation, "continuation invoked outside the run that captured it")
}

func (eb *errorBuilder) nativeError(name string, err error) *VMError {
	e := eb.makeError(PanicNative, fmt.Sprintf("%s: %v", name, err))
	e.cause = err
	return e
}

func (eb *errorBuilder) nativePanic(name string, r any) *VMError {
	return eb.makeError(PanicNativePanic, fmt.Sprintf("%s panicked: %v", name, r))
}

func (eb *errorBuilder) interrupted() *VMError {
	return eb.makeError(PanicInterrupted, "interrupted")
}

func (eb *errorBuilder) corrupt(err error) *VMError {
	e := eb.makeError(PanicCorruptCode, err.Error())
	if !errors.Is(err, chunk.ErrCorrupt) {
		err = fmt.Errorf("%w: %w", chunk.ErrCorrupt, err)
	}
	e.cause = err
	return e
}

func (eb *errorBuilder) invalidHandle(err error) *VMError {
	e := eb.makeError(PanicInvalidHandle, err.Error())
	e.cause = err
	return e
}

// raised builds the error for ERR and native raises. Symbols and keywords
// name the tag directly; any other tag value is shown in display form.
func (eb *errorBuilder) raised(tag, payload value.Value) *VMError {
	name := eb.vm.Display(tag)
	if id, ok := tag.Symbol(); ok {
		name = eb.vm.syms.Name(id)
	}
	e := &VMError{
		Code:      PanicRaised,
		Tag:       name,
		TagValue:  tag,
		Payload:   payload,
		Message:   fmt.Sprintf(":%s %s", name, eb.vm.Pretty(payload)),
		Backtrace: eb.vm.backtrace(),
	}
	return e
}

// catchVMError converts a recovered *VMError panic into a returned error.
// Other panics keep propagating.
func catchVMError(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(*VMError); ok {
			*err = e
			return
		}
		panic(r)
	}
}
