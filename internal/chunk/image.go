package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"lispvm/internal/value"
)

// ImageSchema is the version of the image layout written by WriteImage.
const ImageSchema uint16 = 1

const imageMagic = "LVMC"

// ErrImage reports an unreadable or incompatible chunk image.
var ErrImage = errors.New("invalid chunk image")

// ConstHeap is the heap access needed to serialize and rebuild constant pools.
// Constants are stored structurally so an image can be loaded into any VM.
type ConstHeap interface {
	Resolver
	SymbolName(id value.SymbolID) string
	Intern(name string) value.SymbolID
	StringValue(v value.Value) (string, bool)
	PairValue(v value.Value) (car, cdr value.Value, ok bool)
	NewString(s string, readOnly bool) value.Value
	NewPair(car, cdr value.Value, readOnly bool) value.Value
	NewLambda(c *Chunk) value.Value
}

// GlobalTable names global-index operands. When the heap passed to
// WriteImage and ReadImage implements it, the image records the name behind
// every REFI/CALLG/TCALLG index and the loader relocates them into the
// target VM's table.
type GlobalTable interface {
	GlobalName(idx int) (string, bool)
	ReserveGlobal(name string) int
}

type imageFile struct {
	Magic   string
	Schema  uint16
	Chunks  []chunkRecord
	Globals []globalRecord
}

type globalRecord struct {
	Index int    `msgpack:"x"`
	Name  string `msgpack:"n"`
}

type chunkRecord struct {
	Name      string
	File      string
	StartLine int
	Code      []byte
	Lines     []LineRun
	Constants []constRecord
	Args      uint16
	OptArgs   uint16
	Rest      bool
	InputRegs int
	ExtraRegs int
	Captures  []uint16
	DbgArgs   []string
}

type constRecord struct {
	Kind  value.Kind    `msgpack:"k"`
	Data  uint64        `msgpack:"d,omitempty"`
	Str   string        `msgpack:"s,omitempty"`
	Chunk int           `msgpack:"c,omitempty"`
	Items []constRecord `msgpack:"i,omitempty"`
}

// WriteImage serializes entry and every chunk reachable through its lambda
// constants. Entry is always chunk 0 of the image.
func WriteImage(w io.Writer, entry *Chunk, h ConstHeap) error {
	index := map[*Chunk]int{entry: 0}
	order := []*Chunk{entry}
	img := imageFile{Magic: imageMagic, Schema: ImageSchema}
	gt, _ := h.(GlobalTable)
	named := map[int]bool{}
	for i := 0; i < len(order); i++ {
		c := order[i]
		if gt != nil {
			err := eachGlobal(c, func(_ Instr, _ int, idx int) error {
				if named[idx] {
					return nil
				}
				name, ok := gt.GlobalName(idx)
				if !ok {
					return fmt.Errorf("%s: global index %d has no name", c, idx)
				}
				named[idx] = true
				img.Globals = append(img.Globals, globalRecord{Index: idx, Name: name})
				return nil
			})
			if err != nil {
				return err
			}
		}
		rec := chunkRecord{
			Name:      c.Name,
			File:      c.File,
			StartLine: c.StartLine,
			Code:      c.Code,
			Lines:     c.Lines,
			Args:      c.Args,
			OptArgs:   c.OptArgs,
			Rest:      c.Rest,
			InputRegs: c.InputRegs,
			ExtraRegs: c.ExtraRegs,
			Captures:  c.Captures,
		}
		for _, id := range c.DbgArgs {
			rec.DbgArgs = append(rec.DbgArgs, h.SymbolName(id))
		}
		for ci, k := range c.Constants {
			cr, err := encodeConst(k, h, func(nested *Chunk) int {
				if idx, ok := index[nested]; ok {
					return idx
				}
				index[nested] = len(order)
				order = append(order, nested)
				return len(order) - 1
			})
			if err != nil {
				return fmt.Errorf("%s: constant %d: %w", c, ci, err)
			}
			rec.Constants = append(rec.Constants, cr)
		}
		img.Chunks = append(img.Chunks, rec)
	}
	return msgpack.NewEncoder(w).Encode(&img)
}

func encodeConst(v value.Value, h ConstHeap, chunkIndex func(*Chunk) int) (constRecord, error) {
	switch v.Kind {
	case value.Undefined, value.Nil, value.True, value.False, value.Byte, value.Int, value.Float, value.Char:
		return constRecord{Kind: v.Kind, Data: v.Data}, nil
	case value.Symbol, value.Keyword:
		id, _ := v.Symbol()
		return constRecord{Kind: v.Kind, Str: h.SymbolName(id)}, nil
	case value.String:
		s, ok := h.StringValue(v)
		if !ok {
			return constRecord{}, fmt.Errorf("dangling string handle")
		}
		return constRecord{Kind: value.String, Str: s}, nil
	case value.Pair:
		car, cdr, ok := h.PairValue(v)
		if !ok {
			return constRecord{}, fmt.Errorf("dangling pair handle")
		}
		a, err := encodeConst(car, h, chunkIndex)
		if err != nil {
			return constRecord{}, err
		}
		d, err := encodeConst(cdr, h, chunkIndex)
		if err != nil {
			return constRecord{}, err
		}
		return constRecord{Kind: value.Pair, Items: []constRecord{a, d}}, nil
	case value.Lambda:
		c, ok := h.LambdaChunk(v)
		if !ok {
			return constRecord{}, fmt.Errorf("dangling lambda handle")
		}
		return constRecord{Kind: value.Lambda, Chunk: chunkIndex(c)}, nil
	default:
		return constRecord{}, fmt.Errorf("%s constants cannot be serialized", v.Kind)
	}
}

// ReadImage decodes an image written by WriteImage and returns its entry
// chunk. Strings and pairs from the constant pool are allocated read-only.
func ReadImage(r io.Reader, h ConstHeap) (*Chunk, error) {
	var img imageFile
	if err := msgpack.NewDecoder(r).Decode(&img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImage, err)
	}
	if img.Magic != imageMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrImage, img.Magic)
	}
	if img.Schema != ImageSchema {
		return nil, fmt.Errorf("%w: schema %d, want %d", ErrImage, img.Schema, ImageSchema)
	}
	if len(img.Chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", ErrImage)
	}
	chunks := make([]*Chunk, len(img.Chunks))
	for i := range img.Chunks {
		chunks[i] = &Chunk{}
	}
	for i, rec := range img.Chunks {
		c := chunks[i]
		*c = Chunk{
			Name:      rec.Name,
			File:      rec.File,
			StartLine: rec.StartLine,
			Code:      rec.Code,
			Lines:     rec.Lines,
			Args:      rec.Args,
			OptArgs:   rec.OptArgs,
			Rest:      rec.Rest,
			InputRegs: rec.InputRegs,
			ExtraRegs: rec.ExtraRegs,
			Captures:  rec.Captures,
		}
		for _, name := range rec.DbgArgs {
			c.DbgArgs = append(c.DbgArgs, h.Intern(name))
		}
		for ci, cr := range rec.Constants {
			v, err := decodeConst(cr, h, chunks)
			if err != nil {
				return nil, fmt.Errorf("%w: chunk %d constant %d: %w", ErrImage, i, ci, err)
			}
			c.Constants = append(c.Constants, v)
		}
	}
	if len(img.Globals) > 0 {
		if err := relocateGlobals(chunks, img.Globals, h); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrImage, err)
		}
	}
	return chunks[0], nil
}

// relocateGlobals rewrites global-index operands in place so they address
// the same names in h's table.
func relocateGlobals(chunks []*Chunk, globals []globalRecord, h ConstHeap) error {
	gt, ok := h.(GlobalTable)
	if !ok {
		return errors.New("image references globals but the loader has no global table")
	}
	remap := make(map[int]int, len(globals))
	for _, g := range globals {
		remap[g.Index] = gt.ReserveGlobal(g.Name)
	}
	for _, c := range chunks {
		err := eachGlobal(c, func(in Instr, pos, idx int) error {
			to, ok := remap[idx]
			if !ok {
				return fmt.Errorf("%s: global index %d at 0x%08x is not named", c, idx, in.Offset)
			}
			if ok, _ := Fits(Global, to); !ok && !in.Wide {
				return fmt.Errorf("%s: global index %d does not fit at 0x%08x", c, to, in.Offset)
			}
			putOperand(c.Code[pos:pos+Global.Size(in.Wide)], to)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// eachGlobal calls fn with the byte position and value of every Global
// operand in c.
func eachGlobal(c *Chunk, fn func(in Instr, pos, idx int) error) error {
	return c.Walk(func(in Instr) error {
		info, _ := Lookup(in.Op)
		pos := in.Offset + 1
		for i, k := range info.Operands {
			if k == Global {
				if err := fn(in, pos, in.Operands[i]); err != nil {
					return err
				}
			}
			pos += k.Size(in.Wide)
		}
		return nil
	})
}

func putOperand(b []byte, v int) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func decodeConst(cr constRecord, h ConstHeap, chunks []*Chunk) (value.Value, error) {
	switch cr.Kind {
	case value.Undefined, value.Nil, value.True, value.False, value.Byte, value.Int, value.Float, value.Char:
		return value.Value{Kind: cr.Kind, Data: cr.Data}, nil
	case value.Symbol:
		return value.MakeSymbol(h.Intern(cr.Str)), nil
	case value.Keyword:
		return value.MakeKeyword(h.Intern(cr.Str)), nil
	case value.String:
		return h.NewString(cr.Str, true), nil
	case value.Pair:
		if len(cr.Items) != 2 {
			return value.Value{}, fmt.Errorf("pair record with %d items", len(cr.Items))
		}
		car, err := decodeConst(cr.Items[0], h, chunks)
		if err != nil {
			return value.Value{}, err
		}
		cdr, err := decodeConst(cr.Items[1], h, chunks)
		if err != nil {
			return value.Value{}, err
		}
		return h.NewPair(car, cdr, true), nil
	case value.Lambda:
		if cr.Chunk < 0 || cr.Chunk >= len(chunks) {
			return value.Value{}, fmt.Errorf("lambda references chunk %d of %d", cr.Chunk, len(chunks))
		}
		return h.NewLambda(chunks[cr.Chunk]), nil
	default:
		return value.Value{}, fmt.Errorf("unsupported constant kind %s", cr.Kind)
	}
}

// SaveImage writes the image to path atomically.
func SaveImage(path string, entry *Chunk, h ConstHeap) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "lvmc-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()
	if err = WriteImage(f, entry, h); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// LoadImage reads an image file.
func LoadImage(path string, h ConstHeap) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	c, err := ReadImage(f, h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
