package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// SectionHeader is a class-normalized section header record, used to
// serialize the synthesized section header table. It has no read side:
// section headers we read from the original executable come from
// debug/elf's own (already class-normalized) elf.SectionHeader.
type SectionHeader struct {
	Name      uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Encode serializes sh into its on-disk representation for the given
// class/byte order.
func (sh SectionHeader) Encode(class Class, order binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer
	if class.Is64() {
		s := elf.Section64{
			Name: sh.Name, Type: uint32(sh.Type), Flags: uint64(sh.Flags),
			Addr: sh.Addr, Off: sh.Offset, Size: sh.Size,
			Link: sh.Link, Info: sh.Info, Addralign: sh.Addralign, Entsize: sh.Entsize,
		}
		if err := binary.Write(&buf, order, &s); err != nil {
			return nil, err
		}
	} else {
		s := elf.Section32{
			Name: sh.Name, Type: uint32(sh.Type), Flags: uint32(sh.Flags),
			Addr: uint32(sh.Addr), Off: uint32(sh.Offset), Size: uint32(sh.Size),
			Link: sh.Link, Info: sh.Info, Addralign: uint32(sh.Addralign), Entsize: uint32(sh.Entsize),
		}
		if err := binary.Write(&buf, order, &s); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
