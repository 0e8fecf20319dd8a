package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Header is a class-normalized, writable view of an ELF file header. It is
// backed by the raw on-disk bytes it was parsed from, so Sync writes any
// mutations straight back into that slice.
type Header struct {
	raw   []byte // e_ident[0:Ehsize], shared storage with the mapped file
	class Class
	order binary.ByteOrder

	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ParseHeader decodes the ELF header from the start of raw. raw must be at
// least EI_NIDENT bytes; the returned Header aliases raw so mutations via
// Sync take effect on the caller's backing storage.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) < 16 {
		return nil, errShortFile
	}
	class, order, err := identifyClassAndOrder(raw[:16])
	if err != nil {
		return nil, err
	}
	h := &Header{class: class, order: order}
	r := bytes.NewReader(raw)
	if class.Is64() {
		if len(raw) < 64 {
			return nil, errShortFile
		}
		var hdr elf.Header64
		if err := binary.Read(r, order, &hdr); err != nil {
			return nil, errors.Wrap(err, "read elf64 header")
		}
		h.raw = raw[:64]
		h.fromHeader64(hdr)
	} else {
		if len(raw) < 52 {
			return nil, errShortFile
		}
		var hdr elf.Header32
		if err := binary.Read(r, order, &hdr); err != nil {
			return nil, errors.Wrap(err, "read elf32 header")
		}
		h.raw = raw[:52]
		h.fromHeader32(hdr)
	}
	return h, nil
}

func (h *Header) Class() Class              { return h.class }
func (h *Header) ByteOrder() binary.ByteOrder { return h.order }

func (h *Header) fromHeader64(hdr elf.Header64) {
	h.Type = elf.Type(hdr.Type)
	h.Machine = elf.Machine(hdr.Machine)
	h.Version = hdr.Version
	h.Entry = hdr.Entry
	h.Phoff = hdr.Phoff
	h.Shoff = hdr.Shoff
	h.Flags = hdr.Flags
	h.Ehsize = hdr.Ehsize
	h.Phentsize = hdr.Phentsize
	h.Phnum = hdr.Phnum
	h.Shentsize = hdr.Shentsize
	h.Shnum = hdr.Shnum
	h.Shstrndx = hdr.Shstrndx
}

func (h *Header) fromHeader32(hdr elf.Header32) {
	h.Type = elf.Type(hdr.Type)
	h.Machine = elf.Machine(hdr.Machine)
	h.Version = hdr.Version
	h.Entry = uint64(hdr.Entry)
	h.Phoff = uint64(hdr.Phoff)
	h.Shoff = uint64(hdr.Shoff)
	h.Flags = hdr.Flags
	h.Ehsize = hdr.Ehsize
	h.Phentsize = hdr.Phentsize
	h.Phnum = hdr.Phnum
	h.Shentsize = hdr.Shentsize
	h.Shnum = hdr.Shnum
	h.Shstrndx = hdr.Shstrndx
}

// Encode re-encodes the header fields into a fresh Ehsize-length buffer,
// independent of the raw slice this Header was parsed from. The section
// synthesizer's final header patch uses this to write the ELF header
// back over a read-only-mapped file via pwrite rather than through Sync.
func (h *Header) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if h.class.Is64() {
		hdr := elf.Header64{
			Type: uint16(h.Type), Machine: uint16(h.Machine), Version: h.Version,
			Entry: h.Entry, Phoff: h.Phoff, Shoff: h.Shoff, Flags: h.Flags,
			Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
			Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
		}
		copy(hdr.Ident[:], h.raw[:16])
		if err := binary.Write(&buf, h.order, &hdr); err != nil {
			return nil, errors.Wrap(err, "encode elf64 header")
		}
	} else {
		hdr := elf.Header32{
			Type: uint16(h.Type), Machine: uint16(h.Machine), Version: h.Version,
			Entry: uint32(h.Entry), Phoff: uint32(h.Phoff), Shoff: uint32(h.Shoff), Flags: h.Flags,
			Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
			Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
		}
		copy(hdr.Ident[:], h.raw[:16])
		if err := binary.Write(&buf, h.order, &hdr); err != nil {
			return nil, errors.Wrap(err, "encode elf32 header")
		}
	}
	return buf.Bytes(), nil
}

// Sync re-encodes the header fields and writes them back over the raw
// bytes the Header was parsed from.
func (h *Header) Sync() error {
	b, err := h.Encode()
	if err != nil {
		return err
	}
	copy(h.raw, b)
	return nil
}
