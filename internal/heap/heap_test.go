package heap

import (
	"errors"
	"fmt"
	"testing"

	"lispvm/internal/value"
)

func TestGetChecksKind(t *testing.T) {
	h := New()
	s := h.AllocString("abc", false)
	if _, err := h.Pair(s); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("Pair(string) err = %v", err)
	}
	forged := value.FromHandle(value.Pair, value.Handle(s.Data))
	if _, err := h.Pair(forged); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("forged handle err = %v", err)
	}
	if _, err := h.Str(value.FromHandle(value.String, 999)); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("out of range handle err = %v", err)
	}
	got, err := h.Str(s)
	if err != nil || got.S != "abc" {
		t.Fatalf("Str = %v, %v", got, err)
	}
}

func TestLists(t *testing.T) {
	h := New()
	items := []value.Value{value.MakeInt(1), value.MakeInt(2), value.MakeInt(3)}
	l := h.MakeList(items)
	got, err := h.ListItems(l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[2] != value.MakeInt(3) {
		t.Fatalf("ListItems = %v", got)
	}
	improper := h.AllocPair(value.MakeInt(1), value.MakeInt(2), false)
	if _, err := h.ListItems(improper); err == nil {
		t.Fatalf("expected error for improper list")
	}
	if out := h.MakeList(nil); out != value.NilValue {
		t.Fatalf("empty list = %v", out)
	}
}

func TestPersistentVector(t *testing.T) {
	h := New()
	const n = 2000
	vecs := make([]value.Value, 0, n+1)
	v := h.EmptyPVec()
	vecs = append(vecs, v)
	for i := 0; i < n; i++ {
		var err error
		v, err = h.PVecConj(v, value.MakeInt(int64(i)))
		if err != nil {
			t.Fatalf("conj %d: %v", i, err)
		}
		vecs = append(vecs, v)
	}
	for i := 0; i < n; i++ {
		got, err := h.PVecNth(v, i)
		if err != nil || got != value.MakeInt(int64(i)) {
			t.Fatalf("nth(%d) = %v, %v", i, got, err)
		}
	}
	// Older versions are untouched by later appends.
	if l, _ := h.PVecLen(vecs[100]); l != 100 {
		t.Fatalf("len of version 100 = %d", l)
	}
	if _, err := h.PVecNth(vecs[100], 100); err == nil {
		t.Fatalf("expected out of range on old version")
	}

	updated, err := h.PVecAssoc(v, 5, value.MakeInt(-5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := h.PVecNth(updated, 5); got != value.MakeInt(-5) {
		t.Fatalf("assoc result nth(5) = %v", got)
	}
	if got, _ := h.PVecNth(v, 5); got != value.MakeInt(5) {
		t.Fatalf("assoc mutated the original: nth(5) = %v", got)
	}
	shared := h.TrieNodes(v, updated)
	if shared >= 2*h.TrieNodes(v) {
		t.Fatalf("no structural sharing: %d nodes for two versions of %d", shared, h.TrieNodes(v))
	}
}

func TestPersistentVectorTailAssoc(t *testing.T) {
	h := New()
	v, err := h.PVecFrom([]value.Value{value.MakeInt(1), value.MakeInt(2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, err := h.PVecAssoc(v, 1, value.TrueValue)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := h.PVecItems(v)
	b, _ := h.PVecItems(w)
	if a[1] != value.MakeInt(2) || b[1] != value.TrueValue {
		t.Fatalf("tail assoc: old=%v new=%v", a, b)
	}
	if _, err := h.PVecAssoc(v, 7, value.NilValue); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestPersistentMap(t *testing.T) {
	h := New()
	m := h.EmptyPMap()
	const n = 1000
	var versions []value.Value
	for i := 0; i < n; i++ {
		var err error
		key := h.AllocString(fmt.Sprintf("k%d", i), false)
		m, err = h.PMapAssoc(m, key, value.MakeInt(int64(i)))
		if err != nil {
			t.Fatalf("assoc %d: %v", i, err)
		}
		versions = append(versions, m)
	}
	if l, _ := h.PMapLen(m); l != n {
		t.Fatalf("len = %d", l)
	}
	for i := 0; i < n; i++ {
		// A fresh string with the same content finds the binding.
		key := h.AllocString(fmt.Sprintf("k%d", i), false)
		got, ok, err := h.PMapGet(m, key)
		if err != nil || !ok || got != value.MakeInt(int64(i)) {
			t.Fatalf("get k%d = %v,%v,%v", i, got, ok, err)
		}
	}
	early := versions[9]
	if l, _ := h.PMapLen(early); l != 10 {
		t.Fatalf("old version len = %d", l)
	}
	if _, ok, _ := h.PMapGet(early, h.AllocString("k500", false)); ok {
		t.Fatalf("old version sees a later binding")
	}

	replaced, err := h.PMapAssoc(m, h.AllocString("k1", false), value.FalseValue)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l, _ := h.PMapLen(replaced); l != n {
		t.Fatalf("replacing a key changed the count to %d", l)
	}
	if got, _, _ := h.PMapGet(m, h.AllocString("k1", false)); got != value.MakeInt(1) {
		t.Fatalf("original changed: %v", got)
	}
	entries, err := h.PMapEntries(replaced)
	if err != nil || len(entries) != n {
		t.Fatalf("entries = %d, %v", len(entries), err)
	}
}

func TestMutableMap(t *testing.T) {
	h := New()
	m := h.AllocMap()
	kw := value.MakeKeyword(3)
	if err := h.MapSet(m, kw, value.MakeInt(9)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok, err := h.MapGet(m, kw)
	if err != nil || !ok || got != value.MakeInt(9) {
		t.Fatalf("MapGet = %v,%v,%v", got, ok, err)
	}
	if _, ok, _ := h.MapGet(m, value.MakeKeyword(4)); ok {
		t.Fatalf("unexpected binding")
	}
}

func TestDeref(t *testing.T) {
	h := New()
	b := h.AllocBox(value.MakeInt(4))
	if got := h.Deref(b); got != value.MakeInt(4) {
		t.Fatalf("Deref = %v", got)
	}
	if got := h.Deref(value.TrueValue); got != value.TrueValue {
		t.Fatalf("Deref of immediate = %v", got)
	}
}
