package vm

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"lispvm/internal/value"
)

// Display renders v as STR and the REPL show it: strings and chars appear
// as their raw text.
func (vm *VM) Display(v value.Value) string {
	p := printer{vm: vm, open: map[value.Value]bool{}}
	p.write(v)
	return p.sb.String()
}

// Pretty renders v readably: strings are quoted and chars escaped.
func (vm *VM) Pretty(v value.Value) string {
	p := printer{vm: vm, readable: true, open: map[value.Value]bool{}}
	p.write(v)
	return p.sb.String()
}

// TypeName returns the type name TYPE reports for v.
func (vm *VM) TypeName(v value.Value) string {
	return v.Kind.String()
}

type printer struct {
	vm       *VM
	readable bool
	sb       strings.Builder
	// open holds the containers being printed; meeting one again is a cycle.
	open map[value.Value]bool
}

func (p *printer) write(v value.Value) {
	h := p.vm.heap
	switch v.Kind {
	case value.Undefined:
		p.sb.WriteString("#<undefined>")
	case value.Nil:
		p.sb.WriteString("nil")
	case value.True:
		p.sb.WriteString("true")
	case value.False:
		p.sb.WriteString("false")
	case value.Byte:
		fmt.Fprintf(&p.sb, "0x%02x", v.Data&0xff)
	case value.Int:
		n, _ := v.Int()
		p.sb.WriteString(strconv.FormatInt(n, 10))
	case value.Float:
		f, _ := v.Float()
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		p.sb.WriteString(s)
	case value.Char:
		r, _ := v.Char()
		if p.readable {
			p.sb.WriteString(`\`)
		}
		p.sb.WriteRune(r)
	case value.Symbol:
		id, _ := v.Symbol()
		p.sb.WriteString(p.vm.syms.Name(id))
	case value.Keyword:
		id, _ := v.Symbol()
		p.sb.WriteString(":" + p.vm.syms.Name(id))
	case value.Builtin:
		fmt.Fprintf(&p.sb, "#<builtin %s>", p.vm.NativeName(v))
	case value.String:
		s, err := h.Str(v)
		if err != nil {
			p.invalid(v)
			return
		}
		if p.readable {
			p.sb.WriteString(strconv.Quote(s.S))
			return
		}
		p.sb.WriteString(s.S)
	case value.CallFrame:
		// Slots of popped frames keep their marker value after a run ends.
		if i, marks := v.Data, p.vm.marks; i < uint64(len(marks)) {
			fmt.Fprintf(&p.sb, "#<frame %d %s>", marks[i].ID, chunkName(marks[i].Chunk))
		} else {
			p.sb.WriteString("#<frame>")
		}
	case value.Boxed:
		p.container(v, func() { p.write(h.Deref(v)) })
	default:
		p.container(v, func() { p.writeHandle(v) })
	}
}

func (p *printer) container(v value.Value, body func()) {
	if p.open[v] {
		p.sb.WriteString("#<cycle>")
		return
	}
	p.open[v] = true
	body()
	delete(p.open, v)
}

func (p *printer) writeHandle(v value.Value) {
	h := p.vm.heap
	switch v.Kind {
	case value.Pair:
		p.sb.WriteByte('(')
		for first := true; ; first = false {
			c, err := h.Pair(v)
			if err != nil {
				p.invalid(v)
				break
			}
			if !first {
				p.sb.WriteByte(' ')
			}
			p.write(c.Car)
			if c.Cdr.Kind == value.Nil {
				break
			}
			if c.Cdr.Kind != value.Pair || p.open[c.Cdr] {
				p.sb.WriteString(" . ")
				p.write(c.Cdr)
				break
			}
			v = c.Cdr
			p.open[v] = true
			defer delete(p.open, v)
		}
		p.sb.WriteByte(')')
	case value.Vector:
		vec, err := h.Vector(v)
		if err != nil {
			p.invalid(v)
			return
		}
		p.seq("#(", vec.Items, ")")
	case value.PersistentVec:
		items, err := h.PVecItems(v)
		if err != nil {
			p.invalid(v)
			return
		}
		p.seq("[", items, "]")
	case value.Map:
		m, err := h.Map(v)
		if err != nil {
			p.invalid(v)
			return
		}
		var kv [][2]value.Value
		for _, e := range m.Entries {
			kv = append(kv, [2]value.Value{e.Key, e.Val})
		}
		p.mapping("#{", kv, "}")
	case value.PersistentMap:
		entries, err := h.PMapEntries(v)
		if err != nil {
			p.invalid(v)
			return
		}
		kv := make([][2]value.Value, len(entries))
		for i, e := range entries {
			kv[i] = [2]value.Value{e.Key, e.Val}
		}
		p.mapping("{", kv, "}")
	case value.Bytes:
		b, err := h.Bytes(v)
		if err != nil {
			p.invalid(v)
			return
		}
		fmt.Fprintf(&p.sb, "#<bytes % x>", b.B)
	case value.Lambda, value.Closure:
		c, ok := h.ChunkOf(v)
		if !ok {
			p.invalid(v)
			return
		}
		fmt.Fprintf(&p.sb, "#<%s %s>", strings.ToLower(v.Kind.String()), chunkName(c))
	case value.Continuation:
		p.sb.WriteString("#<continuation>")
	case value.Error:
		e, err := h.Err(v)
		if err != nil {
			p.invalid(v)
			return
		}
		p.sb.WriteString("#<error ")
		p.write(e.Tag)
		p.sb.WriteByte(' ')
		p.write(e.Payload)
		p.sb.WriteByte('>')
	default:
		fmt.Fprintf(&p.sb, "#<%s>", v.Kind)
	}
}

func (p *printer) seq(open string, items []value.Value, end string) {
	p.sb.WriteString(open)
	for i, it := range items {
		if i > 0 {
			p.sb.WriteByte(' ')
		}
		p.write(it)
	}
	p.sb.WriteString(end)
}

// mapping prints bindings ordered by the readable form of their keys so
// output does not depend on hash order.
func (p *printer) mapping(open string, kv [][2]value.Value, end string) {
	keys := make([]string, len(kv))
	for i, e := range kv {
		keys[i] = p.vm.Pretty(e[0])
	}
	order := make([]int, len(kv))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return strings.Compare(keys[a], keys[b]) })

	p.sb.WriteString(open)
	for n, i := range order {
		if n > 0 {
			p.sb.WriteString(", ")
		}
		p.write(kv[i][0])
		p.sb.WriteByte(' ')
		p.write(kv[i][1])
	}
	p.sb.WriteString(end)
}

func (p *printer) invalid(v value.Value) {
	fmt.Fprintf(&p.sb, "#<invalid %s %d>", v.Kind, v.Data)
}
