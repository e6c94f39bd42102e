package vm

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"lispvm/internal/chunk"
)

// LocationKind says what a breakpoint location refers to.
type LocationKind uint8

const (
	// LocLine stops on the first instruction of a source line.
	LocLine LocationKind = iota
	// LocEntry stops before the first instruction of the named chunk.
	LocEntry
	// LocAddr stops at a code offset of the named chunk.
	LocAddr
)

// Location is a parsed breakpoint target. Its textual forms are
//
//	file:line      LocLine
//	fn:name        LocEntry
//	name+offset    LocAddr, offset in decimal or 0x-hex
type Location struct {
	Kind LocationKind
	File string
	Line int
	Name string
	IP   int
}

var errLocation = errors.New("invalid breakpoint location")

// ParseLocation parses one of the textual location forms.
func ParseLocation(spec string) (Location, error) {
	spec = strings.TrimSpace(spec)
	if name, ok := strings.CutPrefix(spec, "fn:"); ok {
		if name == "" {
			return Location{}, fmt.Errorf("%w: empty function name", errLocation)
		}
		return Location{Kind: LocEntry, Name: name}, nil
	}
	if colon := strings.LastIndexByte(spec, ':'); colon > 0 {
		if line, err := strconv.Atoi(spec[colon+1:]); err == nil {
			if line <= 0 {
				return Location{}, fmt.Errorf("%w: bad line in %q", errLocation, spec)
			}
			return Location{Kind: LocLine, File: filepath.Clean(spec[:colon]), Line: line}, nil
		}
	}
	if plus := strings.LastIndexByte(spec, '+'); plus > 0 {
		ip, err := strconv.ParseInt(spec[plus+1:], 0, 32)
		if err != nil || ip < 0 {
			return Location{}, fmt.Errorf("%w: bad offset in %q", errLocation, spec)
		}
		return Location{Kind: LocAddr, Name: spec[:plus], IP: int(ip)}, nil
	}
	return Location{}, fmt.Errorf("%w: expected file:line, fn:name or name+offset, got %q", errLocation, spec)
}

func (l Location) String() string {
	switch l.Kind {
	case LocEntry:
		return "fn:" + l.Name
	case LocAddr:
		return fmt.Sprintf("%s+0x%04x", l.Name, l.IP)
	default:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
}

// Breakpoint is a location the debugger stops at. Hits counts the stops.
type Breakpoint struct {
	ID   int
	Loc  Location
	Hits int

	abs string // absolute File of line breakpoints, when resolvable
}

// Summary describes bp for the breakpoint listing.
func (bp *Breakpoint) Summary() string {
	if bp == nil {
		return "<nil>"
	}
	return fmt.Sprintf("#%d %s (%d hits)", bp.ID, bp.Loc, bp.Hits)
}

// Breakpoints is the breakpoint set of a debugger.
type Breakpoints struct {
	nextID int
	list   []*Breakpoint
}

func NewBreakpoints() *Breakpoints {
	return &Breakpoints{nextID: 1}
}

// Add installs a breakpoint at loc.
func (bps *Breakpoints) Add(loc Location) *Breakpoint {
	bp := &Breakpoint{ID: bps.nextID, Loc: loc}
	bps.nextID++
	if loc.Kind == LocLine {
		if abs, err := filepath.Abs(loc.File); err == nil {
			bp.abs = abs
		}
	}
	bps.list = append(bps.list, bp)
	return bp
}

// AddSpec parses spec with ParseLocation and installs it.
func (bps *Breakpoints) AddSpec(spec string) (*Breakpoint, error) {
	loc, err := ParseLocation(spec)
	if err != nil {
		return nil, err
	}
	return bps.Add(loc), nil
}

// AddFuncEntry installs a breakpoint on entry to the chunk called name.
func (bps *Breakpoints) AddFuncEntry(name string) (*Breakpoint, error) {
	return bps.AddSpec("fn:" + name)
}

// Delete removes the breakpoint with the given id.
func (bps *Breakpoints) Delete(id int) bool {
	n := len(bps.list)
	bps.list = slices.DeleteFunc(bps.list, func(bp *Breakpoint) bool { return bp.ID == id })
	return len(bps.list) < n
}

// List returns the breakpoints in creation order.
func (bps *Breakpoints) List() []*Breakpoint {
	return slices.Clone(bps.list)
}

// Match reports the first breakpoint hit by the instruction about to run in
// the current frame and counts the hit.
func (bps *Breakpoints) Match(vm *VM) (*Breakpoint, bool) {
	if len(bps.list) == 0 || vm.cur.Chunk == nil {
		return nil, false
	}
	c, ip := vm.cur.Chunk, vm.cur.IP

	line := 0
	if i := slices.IndexFunc(c.Lines, func(lr chunk.LineRun) bool { return lr.Offset == ip }); i >= 0 {
		line = c.Lines[i].Line
	}
	for _, bp := range bps.list {
		hit := false
		switch bp.Loc.Kind {
		case LocEntry:
			hit = ip == 0 && bp.Loc.Name == c.Name
		case LocAddr:
			hit = ip == bp.Loc.IP && bp.Loc.Name == c.Name
		case LocLine:
			hit = line > 0 && line == bp.Loc.Line && c.File != "" && bp.sameFile(c.File)
		}
		if hit {
			bp.Hits++
			return bp, true
		}
	}
	return nil, false
}

func (bp *Breakpoint) sameFile(file string) bool {
	file = filepath.Clean(file)
	if file == bp.Loc.File {
		return true
	}
	if bp.abs == "" {
		return false
	}
	abs, err := filepath.Abs(file)
	return err == nil && abs == bp.abs
}
