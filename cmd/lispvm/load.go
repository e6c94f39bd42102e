package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"lispvm/internal/asm"
	"lispvm/internal/chunk"
	"lispvm/internal/vm"
)

const (
	sourceExt = ".lasm"
	imageExt  = ".lvc"
)

// loadProgram assembles or loads path into m and returns its entry chunk.
// Assembly files (.lasm) are parsed, compiled images (.lvc) are decoded and
// their globals relocated into m.
func loadProgram(path string, m *vm.VM) (*chunk.Chunk, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case sourceExt:
		prog, err := asm.AssembleFile(path, m)
		if err != nil {
			return nil, err
		}
		return prog.Entry, nil
	case imageExt:
		return chunk.LoadImage(path, m)
	default:
		return nil, fmt.Errorf("%s: unknown file type (expected %s or %s)", path, sourceExt, imageExt)
	}
}

// imagePath derives the output path of `lispvm asm` from its input.
func imagePath(src string) string {
	return strings.TrimSuffix(src, filepath.Ext(src)) + imageExt
}
