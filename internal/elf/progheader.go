package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ProgHeader is a class-normalized, writable view of one program header
// entry, aliasing the raw bytes of the program header table.
type ProgHeader struct {
	raw   []byte // this entry's Phentsize bytes, shared with the mapped file
	class Class
	order binary.ByteOrder

	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// ProgramHeaders parses the program header table starting at h.Phoff,
// returning one ProgHeader per entry, each aliasing its slice of raw.
func ProgramHeaders(raw []byte, h *Header) ([]*ProgHeader, error) {
	size := h.class.ProgHeaderSize()
	out := make([]*ProgHeader, 0, h.Phnum)
	for i := 0; i < int(h.Phnum); i++ {
		start := int(h.Phoff) + i*size
		if start+size > len(raw) {
			return nil, errors.Errorf("program header %d out of bounds", i)
		}
		ph, err := parseProgHeader(raw[start:start+size], h.class, h.order)
		if err != nil {
			return nil, errors.Wrapf(err, "program header %d", i)
		}
		out = append(out, ph)
	}
	return out, nil
}

func parseProgHeader(raw []byte, class Class, order binary.ByteOrder) (*ProgHeader, error) {
	p := &ProgHeader{raw: raw, class: class, order: order}
	r := bytes.NewReader(raw)
	if class.Is64() {
		var ph elf.Prog64
		if err := binary.Read(r, order, &ph); err != nil {
			return nil, err
		}
		p.Type = elf.ProgType(ph.Type)
		p.Flags = elf.ProgFlag(ph.Flags)
		p.Off, p.Vaddr, p.Paddr = ph.Off, ph.Vaddr, ph.Paddr
		p.Filesz, p.Memsz, p.Align = ph.Filesz, ph.Memsz, ph.Align
	} else {
		var ph elf.Prog32
		if err := binary.Read(r, order, &ph); err != nil {
			return nil, err
		}
		p.Type = elf.ProgType(ph.Type)
		p.Flags = elf.ProgFlag(ph.Flags)
		p.Off, p.Vaddr, p.Paddr = uint64(ph.Off), uint64(ph.Vaddr), uint64(ph.Paddr)
		p.Filesz, p.Memsz, p.Align = uint64(ph.Filesz), uint64(ph.Memsz), uint64(ph.Align)
	}
	return p, nil
}

// Encode re-encodes the fields into a fresh Phentsize-length buffer,
// independent of whatever raw slice this header was parsed from. The
// segment reinjector uses this to build a patched program header table
// without needing write access to the (read-only-mapped) source file.
func (p *ProgHeader) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if p.class.Is64() {
		ph := elf.Prog64{
			Type: uint32(p.Type), Flags: uint32(p.Flags),
			Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
			Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
		}
		if err := binary.Write(&buf, p.order, &ph); err != nil {
			return nil, err
		}
	} else {
		ph := elf.Prog32{
			Type: uint32(p.Type), Off: uint32(p.Off), Vaddr: uint32(p.Vaddr), Paddr: uint32(p.Paddr),
			Filesz: uint32(p.Filesz), Memsz: uint32(p.Memsz), Flags: uint32(p.Flags), Align: uint32(p.Align),
		}
		if err := binary.Write(&buf, p.order, &ph); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Sync re-encodes the fields and writes them back over the raw bytes.
func (p *ProgHeader) Sync() error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	copy(p.raw, b)
	return nil
}

// Contains reports whether the virtual address addr falls within this
// segment's mapped range.
func (p *ProgHeader) Contains(addr uint64) bool {
	return addr >= p.Vaddr && addr < p.Vaddr+p.Memsz
}

// OffsetOf converts a virtual address inside this segment to a file offset.
func (p *ProgHeader) OffsetOf(addr uint64) uint64 {
	return p.Off + (addr - p.Vaddr)
}
