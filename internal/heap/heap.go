// Package heap owns every heap-resident object referenced by VM values.
// Values carry opaque handles; all access goes through the Heap accessors.
package heap

import (
	"errors"
	"fmt"
	"hash/maphash"

	"fortio.org/safecast"

	"lispvm/internal/chunk"
	"lispvm/internal/value"
)

// ErrInvalidHandle reports a handle that does not name a live object of the
// expected kind.
var ErrInvalidHandle = errors.New("invalid handle")

// Str is a heap string. Constant-pool strings are read-only.
type Str struct {
	S        string
	ReadOnly bool
}

// Vec is a growable, mutable vector.
type Vec struct {
	Items []value.Value
}

// Buf is a byte buffer.
type Buf struct {
	B []byte
}

// Cons is a pair cell. Constant-pool pairs are read-only.
type Cons struct {
	Car, Cdr value.Value
	ReadOnly bool
}

// Lambda is a chunk without captured variables.
type Lambda struct {
	Chunk *chunk.Chunk
}

// Closure is a chunk plus the boxes of its captured registers.
type Closure struct {
	Chunk    *chunk.Chunk
	Captures []value.Value
}

// Box is a shared mutable cell created when CLOSE captures a register.
type Box struct {
	V value.Value
}

// Err is a raised error object.
type Err struct {
	Tag, Payload value.Value
}

// CallFrame is the saved state of a suspended frame. The VM keeps markers on
// its frame stack; the slot just below the callee's window holds a
// value.CallFrame naming the entry. A marker is immutable once pushed.
type CallFrame struct {
	ID     uint64
	Chunk  *chunk.Chunk
	IP     int
	CallIP int
	Base   int
	Defers []value.Value
	OnErr  value.Value
	// Depth is the frame depth of the saved frame.
	Depth int
	// Run is set on the marker that starts an engine run. Returning through
	// it leaves the run.
	Run bool
}

// Boundary reports whether the marker separates two engine runs.
func (f *CallFrame) Boundary() bool { return f.Run }

// Continuation is an immutable snapshot of the stack between RunBase and the
// end of the capturing frame's window.
type Continuation struct {
	Frame   CallFrame
	Dest    int
	RunBase int
	// RunID names the engine run the snapshot belongs to. Host-level runs
	// share id 0.
	RunID uint64
	Stack []value.Value
	// Marks holds the frame stack of the run from its boundary marker on.
	Marks []CallFrame
	// Chain holds the ids of every frame in the snapshot, innermost first.
	Chain []uint64
}

// Heap is handle-indexed object storage. Handles are never reused.
type Heap struct {
	objs  []any
	kinds []value.Kind
	seed  maphash.Seed
}

// New creates an empty heap. Handle 0 is reserved.
func New() *Heap {
	return &Heap{
		objs:  make([]any, 1, 256),
		kinds: make([]value.Kind, 1, 256),
		seed:  maphash.MakeSeed(),
	}
}

// Len returns the number of allocated objects.
func (h *Heap) Len() int { return len(h.objs) - 1 }

func (h *Heap) alloc(kind value.Kind, obj any) value.Value {
	n, err := safecast.Conv[uint32](len(h.objs))
	if err != nil {
		panic(fmt.Errorf("heap handle overflow: %w", err))
	}
	h.objs = append(h.objs, obj)
	h.kinds = append(h.kinds, kind)
	return value.FromHandle(kind, value.Handle(n))
}

func get[T any](h *Heap, v value.Value, kind value.Kind) (*T, error) {
	if v.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidHandle, kind, v.Kind)
	}
	idx := int(v.Data)
	if idx <= 0 || idx >= len(h.objs) || h.kinds[idx] != kind {
		return nil, fmt.Errorf("%w: %s#%d", ErrInvalidHandle, kind, v.Data)
	}
	obj, ok := h.objs[idx].(*T)
	if !ok {
		return nil, fmt.Errorf("%w: %s#%d holds %T", ErrInvalidHandle, kind, v.Data, h.objs[idx])
	}
	return obj, nil
}

// AllocString allocates a string.
func (h *Heap) AllocString(s string, readOnly bool) value.Value {
	return h.alloc(value.String, &Str{S: s, ReadOnly: readOnly})
}

// AllocVector allocates a vector holding a copy of items.
func (h *Heap) AllocVector(items []value.Value) value.Value {
	return h.alloc(value.Vector, &Vec{Items: append([]value.Value(nil), items...)})
}

// AllocBytes allocates a byte buffer holding a copy of b.
func (h *Heap) AllocBytes(b []byte) value.Value {
	return h.alloc(value.Bytes, &Buf{B: append([]byte(nil), b...)})
}

// AllocPair allocates a pair.
func (h *Heap) AllocPair(car, cdr value.Value, readOnly bool) value.Value {
	return h.alloc(value.Pair, &Cons{Car: car, Cdr: cdr, ReadOnly: readOnly})
}

// AllocLambda wraps a chunk.
func (h *Heap) AllocLambda(c *chunk.Chunk) value.Value {
	return h.alloc(value.Lambda, &Lambda{Chunk: c})
}

// AllocClosure wraps a chunk with captured boxes.
func (h *Heap) AllocClosure(c *chunk.Chunk, captures []value.Value) value.Value {
	return h.alloc(value.Closure, &Closure{Chunk: c, Captures: captures})
}

// AllocBox allocates a shared cell.
func (h *Heap) AllocBox(v value.Value) value.Value {
	return h.alloc(value.Boxed, &Box{V: v})
}

// AllocError allocates an error object.
func (h *Heap) AllocError(tag, payload value.Value) value.Value {
	return h.alloc(value.Error, &Err{Tag: tag, Payload: payload})
}

// AllocContinuation stores a continuation snapshot.
func (h *Heap) AllocContinuation(k Continuation) value.Value {
	return h.alloc(value.Continuation, &k)
}

// Str resolves a String value.
func (h *Heap) Str(v value.Value) (*Str, error) { return get[Str](h, v, value.String) }

// Vector resolves a Vector value.
func (h *Heap) Vector(v value.Value) (*Vec, error) { return get[Vec](h, v, value.Vector) }

// Bytes resolves a Bytes value.
func (h *Heap) Bytes(v value.Value) (*Buf, error) { return get[Buf](h, v, value.Bytes) }

// Pair resolves a Pair value.
func (h *Heap) Pair(v value.Value) (*Cons, error) { return get[Cons](h, v, value.Pair) }

// Lambda resolves a Lambda value.
func (h *Heap) Lambda(v value.Value) (*Lambda, error) { return get[Lambda](h, v, value.Lambda) }

// Closure resolves a Closure value.
func (h *Heap) Closure(v value.Value) (*Closure, error) { return get[Closure](h, v, value.Closure) }

// Box resolves a Boxed value.
func (h *Heap) Box(v value.Value) (*Box, error) { return get[Box](h, v, value.Boxed) }

// Err resolves an Error value.
func (h *Heap) Err(v value.Value) (*Err, error) { return get[Err](h, v, value.Error) }

// Continuation resolves a Continuation value.
func (h *Heap) Continuation(v value.Value) (*Continuation, error) {
	return get[Continuation](h, v, value.Continuation)
}

// ChunkOf returns the chunk behind a Lambda or Closure.
func (h *Heap) ChunkOf(v value.Value) (*chunk.Chunk, bool) {
	switch v.Kind {
	case value.Lambda:
		if l, err := h.Lambda(v); err == nil {
			return l.Chunk, true
		}
	case value.Closure:
		if c, err := h.Closure(v); err == nil {
			return c.Chunk, true
		}
	}
	return nil, false
}

// Deref returns the content of a Boxed value, or v itself.
func (h *Heap) Deref(v value.Value) value.Value {
	if v.Kind != value.Boxed {
		return v
	}
	if b, err := h.Box(v); err == nil {
		return b.V
	}
	return v
}

// MakeList builds a proper list from items.
func (h *Heap) MakeList(items []value.Value) value.Value {
	out := value.NilValue
	for i := len(items) - 1; i >= 0; i-- {
		out = h.AllocPair(items[i], out, false)
	}
	return out
}

// ListItems flattens a proper list. It fails on improper or cyclic lists.
func (h *Heap) ListItems(v value.Value) ([]value.Value, error) {
	var out []value.Value
	for steps := 0; v.Kind == value.Pair; steps++ {
		if steps > len(h.objs) {
			return nil, fmt.Errorf("cyclic list")
		}
		p, err := h.Pair(v)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Car)
		v = p.Cdr
	}
	if v.Kind != value.Nil {
		return nil, fmt.Errorf("improper list ends in %s", v.Kind)
	}
	return out, nil
}
