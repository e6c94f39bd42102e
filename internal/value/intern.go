package value

import (
	"fmt"
	"sync"

	"fortio.org/safecast"
)

// Interner maps names to stable ids. One interner belongs to one VM; symbols
// and keywords share the id space.
type Interner struct {
	mu    sync.RWMutex
	ids   map[string]SymbolID
	names []string
}

// NewInterner creates an empty interner. Id 0 is reserved for the empty name.
func NewInterner() *Interner {
	in := &Interner{ids: make(map[string]SymbolID, 256)}
	in.names = append(in.names, "")
	in.ids[""] = 0
	return in
}

// Intern returns the id for name, allocating one on first use.
func (in *Interner) Intern(name string) SymbolID {
	in.mu.RLock()
	id, ok := in.ids[name]
	in.mu.RUnlock()
	if ok {
		return id
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if id, ok = in.ids[name]; ok {
		return id
	}
	n, err := safecast.Conv[uint32](len(in.names))
	if err != nil {
		panic(fmt.Errorf("interner overflow: %w", err))
	}
	id = SymbolID(n)
	in.names = append(in.names, name)
	in.ids[name] = id
	return id
}

// Lookup returns the id for name without interning it.
func (in *Interner) Lookup(name string) (SymbolID, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	id, ok := in.ids[name]
	return id, ok
}

// Name returns the interned name, or "" for unknown ids.
func (in *Interner) Name(id SymbolID) string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if int(id) < len(in.names) {
		return in.names[id]
	}
	return ""
}

// Len reports the number of interned names, including the reserved empty one.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.names)
}
