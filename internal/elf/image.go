package elf

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"
)

// Image is a typed, writable view over one ELF file's bytes -- the shared
// primitive C3 (core loader) and C5 (layout resolver) build on. It pairs
// the class-normalized read side from the standard library's debug/elf
// (used wherever only reading is needed: sections, symbols, relocations)
// with the writable Header/ProgHeader views in this package (used
// wherever the pipeline patches bytes in place).
type Image struct {
	Raw   []byte
	File  *elf.File
	Ehdr  *Header
	Progs []*ProgHeader
}

// Open parses raw as an ELF file. raw is retained (not copied): callers
// that mmap the underlying file get zero-copy reads, and Header/ProgHeader
// mutations via Sync land directly in raw.
func Open(raw []byte) (*Image, error) {
	ehdr, err := ParseHeader(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse elf header")
	}
	progs, err := ProgramHeaders(raw, ehdr)
	if err != nil {
		return nil, errors.Wrap(err, "parse program headers")
	}
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "parse elf file")
	}
	return &Image{Raw: raw, File: f, Ehdr: ehdr, Progs: progs}, nil
}

// ProgsOfType returns every program header of the given type, in table order.
func (img *Image) ProgsOfType(t elf.ProgType) []*ProgHeader {
	var out []*ProgHeader
	for _, p := range img.Progs {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// FirstProgOfType returns the first program header of the given type, or
// nil if none is present (e.g. PT_INTERP on a statically linked binary).
func (img *Image) FirstProgOfType(t elf.ProgType) *ProgHeader {
	ps := img.ProgsOfType(t)
	if len(ps) == 0 {
		return nil
	}
	return ps[0]
}

// SectionByName looks up a section by name in the read-side debug/elf
// view, returning nil if the executable has no section headers (stripped)
// or the section is absent.
func (img *Image) SectionByName(name string) *elf.Section {
	if img.File == nil {
		return nil
	}
	return img.File.Section(name)
}
