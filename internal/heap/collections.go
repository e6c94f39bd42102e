package heap

import (
	"fmt"
	"hash/maphash"
	"math/bits"

	"lispvm/internal/value"
)

// Key is the hashable identity of a map key. Strings hash by content, every
// other value by variant and payload.
type Key struct {
	Kind value.Kind
	Data uint64
	Str  string
}

// KeyOf derives the map key of v.
func (h *Heap) KeyOf(v value.Value) Key {
	v = h.Deref(v)
	if v.Kind == value.String {
		if s, err := h.Str(v); err == nil {
			return Key{Kind: value.String, Str: s.S}
		}
	}
	return Key{Kind: v.Kind, Data: v.Data}
}

func (h *Heap) hash(k Key) uint32 {
	return uint32(maphash.Comparable(h.seed, k)) //nolint:gosec // truncation is the point
}

// MapEntry is one binding of a map.
type MapEntry struct {
	Key, Val value.Value
}

// HashMap is a mutable hash map.
type HashMap struct {
	Entries map[Key]MapEntry
}

// AllocMap allocates an empty mutable map.
func (h *Heap) AllocMap() value.Value {
	return h.alloc(value.Map, &HashMap{Entries: make(map[Key]MapEntry)})
}

// Map resolves a Map value.
func (h *Heap) Map(v value.Value) (*HashMap, error) { return get[HashMap](h, v, value.Map) }

// MapSet binds key to val in place.
func (h *Heap) MapSet(m, key, val value.Value) error {
	hm, err := h.Map(m)
	if err != nil {
		return err
	}
	hm.Entries[h.KeyOf(key)] = MapEntry{Key: key, Val: val}
	return nil
}

// MapGet looks key up.
func (h *Heap) MapGet(m, key value.Value) (value.Value, bool, error) {
	hm, err := h.Map(m)
	if err != nil {
		return value.Value{}, false, err
	}
	e, ok := hm.Entries[h.KeyOf(key)]
	return e.Val, ok, nil
}

// Persistent vector: a 32-way trie plus a tail buffer. Every update copies the
// path from the root to the touched leaf; untouched nodes are shared.

const (
	trieBits  = 5
	trieWidth = 1 << trieBits
	trieMask  = trieWidth - 1
)

// PVec is the root of a persistent vector.
type PVec struct {
	Count int
	Shift uint
	Root  value.Value
	Tail  []value.Value
}

// VNode is an interior or leaf node of a persistent vector.
type VNode struct {
	Slots []value.Value
}

// PVec resolves a PersistentVec value.
func (h *Heap) PVec(v value.Value) (*PVec, error) { return get[PVec](h, v, value.PersistentVec) }

func (h *Heap) vnode(v value.Value) (*VNode, error) { return get[VNode](h, v, value.VecNode) }

func (h *Heap) allocVNode(slots []value.Value) value.Value {
	return h.alloc(value.VecNode, &VNode{Slots: slots})
}

// EmptyPVec allocates an empty persistent vector.
func (h *Heap) EmptyPVec() value.Value {
	return h.alloc(value.PersistentVec, &PVec{Shift: trieBits, Root: h.allocVNode(nil)})
}

// PVecFrom builds a persistent vector from items.
func (h *Heap) PVecFrom(items []value.Value) (value.Value, error) {
	v := h.EmptyPVec()
	for _, it := range items {
		var err error
		if v, err = h.PVecConj(v, it); err != nil {
			return value.Value{}, err
		}
	}
	return v, nil
}

func tailOffset(p *PVec) int {
	if p.Count < trieWidth {
		return 0
	}
	return ((p.Count - 1) >> trieBits) << trieBits
}

// PVecConj returns a new vector with x appended.
func (h *Heap) PVecConj(v, x value.Value) (value.Value, error) {
	p, err := h.PVec(v)
	if err != nil {
		return value.Value{}, err
	}
	if p.Count-tailOffset(p) < trieWidth {
		tail := make([]value.Value, len(p.Tail), len(p.Tail)+1)
		copy(tail, p.Tail)
		tail = append(tail, x)
		return h.alloc(value.PersistentVec, &PVec{Count: p.Count + 1, Shift: p.Shift, Root: p.Root, Tail: tail}), nil
	}
	tailNode := h.allocVNode(append([]value.Value(nil), p.Tail...))
	shift := p.Shift
	var root value.Value
	if (p.Count >> trieBits) > (1 << p.Shift) {
		root = h.allocVNode([]value.Value{p.Root, h.newPath(p.Shift, tailNode)})
		shift += trieBits
	} else {
		root, err = h.pushTail(p.Count, p.Shift, p.Root, tailNode)
		if err != nil {
			return value.Value{}, err
		}
	}
	return h.alloc(value.PersistentVec, &PVec{Count: p.Count + 1, Shift: shift, Root: root, Tail: []value.Value{x}}), nil
}

func (h *Heap) newPath(level uint, node value.Value) value.Value {
	if level == 0 {
		return node
	}
	return h.allocVNode([]value.Value{h.newPath(level-trieBits, node)})
}

func (h *Heap) pushTail(count int, level uint, parent, tailNode value.Value) (value.Value, error) {
	pn, err := h.vnode(parent)
	if err != nil {
		return value.Value{}, err
	}
	sub := ((count - 1) >> level) & trieMask
	slots := make([]value.Value, max(len(pn.Slots), sub+1))
	copy(slots, pn.Slots)
	var insert value.Value
	switch {
	case level == trieBits:
		insert = tailNode
	case sub < len(pn.Slots):
		if insert, err = h.pushTail(count, level-trieBits, pn.Slots[sub], tailNode); err != nil {
			return value.Value{}, err
		}
	default:
		insert = h.newPath(level-trieBits, tailNode)
	}
	slots[sub] = insert
	return h.allocVNode(slots), nil
}

// PVecLen returns the element count.
func (h *Heap) PVecLen(v value.Value) (int, error) {
	p, err := h.PVec(v)
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// PVecNth returns element i.
func (h *Heap) PVecNth(v value.Value, i int) (value.Value, error) {
	p, err := h.PVec(v)
	if err != nil {
		return value.Value{}, err
	}
	if i < 0 || i >= p.Count {
		return value.Value{}, fmt.Errorf("index %d out of range for length %d", i, p.Count)
	}
	if i >= tailOffset(p) {
		return p.Tail[i-tailOffset(p)], nil
	}
	node := p.Root
	for level := p.Shift; level > 0; level -= trieBits {
		n, err := h.vnode(node)
		if err != nil {
			return value.Value{}, err
		}
		node = n.Slots[(i>>level)&trieMask]
	}
	leaf, err := h.vnode(node)
	if err != nil {
		return value.Value{}, err
	}
	return leaf.Slots[i&trieMask], nil
}

// PVecAssoc returns a new vector with element i replaced by x; i == Count
// appends.
func (h *Heap) PVecAssoc(v value.Value, i int, x value.Value) (value.Value, error) {
	p, err := h.PVec(v)
	if err != nil {
		return value.Value{}, err
	}
	switch {
	case i == p.Count:
		return h.PVecConj(v, x)
	case i < 0 || i > p.Count:
		return value.Value{}, fmt.Errorf("index %d out of range for length %d", i, p.Count)
	case i >= tailOffset(p):
		tail := append([]value.Value(nil), p.Tail...)
		tail[i-tailOffset(p)] = x
		return h.alloc(value.PersistentVec, &PVec{Count: p.Count, Shift: p.Shift, Root: p.Root, Tail: tail}), nil
	}
	root, err := h.assocNode(p.Shift, p.Root, i, x)
	if err != nil {
		return value.Value{}, err
	}
	return h.alloc(value.PersistentVec, &PVec{Count: p.Count, Shift: p.Shift, Root: root, Tail: p.Tail}), nil
}

func (h *Heap) assocNode(level uint, node value.Value, i int, x value.Value) (value.Value, error) {
	n, err := h.vnode(node)
	if err != nil {
		return value.Value{}, err
	}
	slots := append([]value.Value(nil), n.Slots...)
	if level == 0 {
		slots[i&trieMask] = x
		return h.allocVNode(slots), nil
	}
	sub := (i >> level) & trieMask
	if slots[sub], err = h.assocNode(level-trieBits, n.Slots[sub], i, x); err != nil {
		return value.Value{}, err
	}
	return h.allocVNode(slots), nil
}

// PVecItems flattens a persistent vector.
func (h *Heap) PVecItems(v value.Value) ([]value.Value, error) {
	n, err := h.PVecLen(v)
	if err != nil {
		return nil, err
	}
	out := make([]value.Value, n)
	for i := range out {
		if out[i], err = h.PVecNth(v, i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Persistent map: a hash array mapped trie with bitmap-indexed nodes. Keys
// whose hashes agree on every level land in a collision node.

// PMap is the root of a persistent map.
type PMap struct {
	Count int
	Root  value.Value
}

// MSlot is one populated position of a map node: either an entry or a child.
type MSlot struct {
	Hash     uint32
	Key, Val value.Value
	Child    value.Value
	IsChild  bool
}

// MNode is a map trie node.
type MNode struct {
	Bitmap uint32
	Slots  []MSlot
}

// PMap resolves a PersistentMap value.
func (h *Heap) PMap(v value.Value) (*PMap, error) { return get[PMap](h, v, value.PersistentMap) }

func (h *Heap) mnode(v value.Value) (*MNode, error) { return get[MNode](h, v, value.MapNode) }

// EmptyPMap allocates an empty persistent map.
func (h *Heap) EmptyPMap() value.Value {
	return h.alloc(value.PersistentMap, &PMap{Root: h.alloc(value.MapNode, &MNode{})})
}

// PMapLen returns the number of bindings.
func (h *Heap) PMapLen(v value.Value) (int, error) {
	p, err := h.PMap(v)
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// PMapGet looks key up.
func (h *Heap) PMapGet(v, key value.Value) (value.Value, bool, error) {
	p, err := h.PMap(v)
	if err != nil {
		return value.Value{}, false, err
	}
	k := h.KeyOf(key)
	hash := h.hash(k)
	node := p.Root
	for shift := uint(0); ; shift += trieBits {
		n, err := h.mnode(node)
		if err != nil {
			return value.Value{}, false, err
		}
		if shift >= 32 {
			for _, s := range n.Slots {
				if h.KeyOf(s.Key) == k {
					return s.Val, true, nil
				}
			}
			return value.Value{}, false, nil
		}
		bit := uint32(1) << ((hash >> shift) & trieMask)
		if n.Bitmap&bit == 0 {
			return value.Value{}, false, nil
		}
		s := n.Slots[bits.OnesCount32(n.Bitmap&(bit-1))]
		if !s.IsChild {
			if s.Hash == hash && h.KeyOf(s.Key) == k {
				return s.Val, true, nil
			}
			return value.Value{}, false, nil
		}
		node = s.Child
	}
}

// PMapAssoc returns a new map with key bound to val.
func (h *Heap) PMapAssoc(v, key, val value.Value) (value.Value, error) {
	p, err := h.PMap(v)
	if err != nil {
		return value.Value{}, err
	}
	k := h.KeyOf(key)
	root, added, err := h.mput(p.Root, MSlot{Hash: h.hash(k), Key: key, Val: val}, k, 0)
	if err != nil {
		return value.Value{}, err
	}
	count := p.Count
	if added {
		count++
	}
	return h.alloc(value.PersistentMap, &PMap{Count: count, Root: root}), nil
}

func (h *Heap) mput(node value.Value, entry MSlot, k Key, shift uint) (value.Value, bool, error) {
	n, err := h.mnode(node)
	if err != nil {
		return value.Value{}, false, err
	}
	slots := append([]MSlot(nil), n.Slots...)
	if shift >= 32 {
		for i, s := range slots {
			if h.KeyOf(s.Key) == k {
				slots[i] = entry
				return h.alloc(value.MapNode, &MNode{Slots: slots}), false, nil
			}
		}
		slots = append(slots, entry)
		return h.alloc(value.MapNode, &MNode{Slots: slots}), true, nil
	}
	bit := uint32(1) << ((entry.Hash >> shift) & trieMask)
	pos := bits.OnesCount32(n.Bitmap & (bit - 1))
	if n.Bitmap&bit == 0 {
		slots = append(slots, MSlot{})
		copy(slots[pos+1:], slots[pos:])
		slots[pos] = entry
		return h.alloc(value.MapNode, &MNode{Bitmap: n.Bitmap | bit, Slots: slots}), true, nil
	}
	cur := slots[pos]
	added := false
	switch {
	case cur.IsChild:
		child, a, err := h.mput(cur.Child, entry, k, shift+trieBits)
		if err != nil {
			return value.Value{}, false, err
		}
		slots[pos] = MSlot{Child: child, IsChild: true}
		added = a
	case cur.Hash == entry.Hash && h.KeyOf(cur.Key) == k:
		slots[pos] = entry
	default:
		child := h.alloc(value.MapNode, &MNode{})
		if child, _, err = h.mput(child, cur, h.KeyOf(cur.Key), shift+trieBits); err != nil {
			return value.Value{}, false, err
		}
		if child, _, err = h.mput(child, entry, k, shift+trieBits); err != nil {
			return value.Value{}, false, err
		}
		slots[pos] = MSlot{Child: child, IsChild: true}
		added = true
	}
	return h.alloc(value.MapNode, &MNode{Bitmap: n.Bitmap, Slots: slots}), added, nil
}

// PMapEntries lists every binding in trie order.
func (h *Heap) PMapEntries(v value.Value) ([]MapEntry, error) {
	p, err := h.PMap(v)
	if err != nil {
		return nil, err
	}
	var out []MapEntry
	var walk func(node value.Value) error
	walk = func(node value.Value) error {
		n, err := h.mnode(node)
		if err != nil {
			return err
		}
		for _, s := range n.Slots {
			if s.IsChild {
				if err := walk(s.Child); err != nil {
					return err
				}
				continue
			}
			out = append(out, MapEntry{Key: s.Key, Val: s.Val})
		}
		return nil
	}
	return out, walk(p.Root)
}

// TrieNodes counts the roots and trie nodes reachable from persistent
// collection roots, counting shared nodes once.
func (h *Heap) TrieNodes(roots ...value.Value) int {
	seen := map[value.Value]bool{}
	var visit func(v value.Value)
	visit = func(v value.Value) {
		if seen[v] {
			return
		}
		switch v.Kind {
		case value.PersistentVec:
			seen[v] = true
			if p, err := h.PVec(v); err == nil {
				visit(p.Root)
			}
		case value.VecNode:
			seen[v] = true
			if n, err := h.vnode(v); err == nil {
				for _, s := range n.Slots {
					visit(s)
				}
			}
		case value.PersistentMap:
			seen[v] = true
			if p, err := h.PMap(v); err == nil {
				visit(p.Root)
			}
		case value.MapNode:
			seen[v] = true
			if n, err := h.mnode(v); err == nil {
				for _, s := range n.Slots {
					if s.IsChild {
						visit(s.Child)
					}
				}
			}
		}
	}
	for _, r := range roots {
		visit(r)
	}
	return len(seen)
}
