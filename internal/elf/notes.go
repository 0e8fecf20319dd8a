package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// RawNote is one decoded note segment entry: a typed descriptor blob with
// its originating name string. Padding to 4-byte boundaries, per the ELF
// note format, has already been stripped from Name and Desc.
type RawNote struct {
	Type elf.NType
	Name string
	Desc []byte
}

// align4 rounds n up to the next multiple of 4.
func align4(n int) int {
	return (n + 3) &^ 3
}

// ParseNotes walks a PT_NOTE segment's bytes and returns each entry in
// encounter order. A truncated trailing entry is silently dropped rather
// than treated as fatal -- the kernel's note segment is padded to a page
// boundary with zero bytes, which look like a zero-length note header.
func ParseNotes(raw []byte, order binary.ByteOrder) ([]RawNote, error) {
	var notes []RawNote
	off := 0
	for off+12 <= len(raw) {
		namesz := order.Uint32(raw[off : off+4])
		descsz := order.Uint32(raw[off+4 : off+8])
		ntype := order.Uint32(raw[off+8 : off+12])
		off += 12
		if namesz == 0 && descsz == 0 && ntype == 0 {
			break
		}
		nameEnd := off + int(namesz)
		if nameEnd > len(raw) {
			break
		}
		name := trimNulString(raw[off:nameEnd])
		off += align4(int(namesz))

		descEnd := off + int(descsz)
		if descEnd > len(raw) {
			break
		}
		desc := make([]byte, descsz)
		copy(desc, raw[off:descEnd])
		off += align4(int(descsz))

		notes = append(notes, RawNote{Type: elf.NType(ntype), Name: name, Desc: desc})
	}
	return notes, nil
}

func trimNulString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// EncodeNote serializes a single note entry back into ELF note format,
// used by the ParseNotes round-trip tests.
func EncodeNote(n RawNote, order binary.ByteOrder) []byte {
	name := append([]byte(n.Name), 0)
	var buf bytes.Buffer
	var hdr [12]byte
	order.PutUint32(hdr[0:4], uint32(len(name)))
	order.PutUint32(hdr[4:8], uint32(len(n.Desc)))
	order.PutUint32(hdr[8:12], uint32(n.Type))
	buf.Write(hdr[:])
	buf.Write(name)
	buf.Write(make([]byte, align4(len(name))-len(name)))
	buf.Write(n.Desc)
	buf.Write(make([]byte, align4(len(n.Desc))-len(n.Desc)))
	return buf.Bytes()
}

// FindNoteSegment locates the single PT_NOTE program header, as required
// by the core loader (C3: "the single PT_NOTE").
func FindNoteSegment(progs []*ProgHeader) (*ProgHeader, error) {
	for _, p := range progs {
		if p.Type == elf.PT_NOTE {
			return p, nil
		}
	}
	return nil, errNoNoteSegment
}
