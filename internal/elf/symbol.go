package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// SymbolRecord is a class-normalized symbol table entry, used to
// serialize synthesized .symtab / .dynsym content.
type SymbolRecord struct {
	Name  uint32
	Info  byte
	Other byte
	Shndx elf.SectionIndex
	Value uint64
	Size  uint64
}

// StInfo packs a symbol binding and type into the st_info byte, per the
// ELF ABI: (bind << 4) | (type & 0xf).
func StInfo(bind elf.SymBind, typ elf.SymType) byte {
	return byte(bind)<<4 | byte(typ)&0xf
}

func (s SymbolRecord) Encode(class Class, order binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer
	if class.Is64() {
		rec := elf.Sym64{
			Name: s.Name, Info: s.Info, Other: s.Other,
			Shndx: uint16(s.Shndx), Value: s.Value, Size: s.Size,
		}
		if err := binary.Write(&buf, order, &rec); err != nil {
			return nil, err
		}
	} else {
		rec := elf.Sym32{
			Name: s.Name, Value: uint32(s.Value), Size: uint32(s.Size),
			Info: s.Info, Other: s.Other, Shndx: uint16(s.Shndx),
		}
		if err := binary.Write(&buf, order, &rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// SymbolRecordSize returns the on-disk size of one symbol table entry.
func SymbolRecordSize(class Class) int {
	if class.Is64() {
		return 24
	}
	return 16
}
