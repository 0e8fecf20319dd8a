package notes

import (
	"encoding/binary"
	"path/filepath"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
)

// EncodeNtFile re-encodes a decoded NT_FILE table back into its
// descriptor byte format, used by round-trip tests and by anything that
// wants to re-emit the table unchanged.
func EncodeNtFile(entries []NtFileEntry, class ecelf.Class, order binary.ByteOrder) []byte {
	w := class.WordSize()
	buf := make([]byte, 0, 2*w+len(entries)*3*w+len(entries)*8)
	buf = appendWord(buf, uint64(len(entries)), order, w)
	buf = appendWord(buf, 4096, order, w) // page_size, as captured by the kernel
	for _, e := range entries {
		buf = appendWord(buf, e.Start, order, w)
		buf = appendWord(buf, e.End, order, w)
		buf = appendWord(buf, e.FileOfs, order, w)
	}
	for _, e := range entries {
		buf = append(buf, []byte(e.Path)...)
		buf = append(buf, 0)
	}
	return buf
}

func appendWord(buf []byte, v uint64, order binary.ByteOrder, w int) []byte {
	var tmp [8]byte
	if w == 8 {
		order.PutUint64(tmp[:8], v)
		return append(buf, tmp[:8]...)
	}
	order.PutUint32(tmp[:4], uint32(v))
	return append(buf, tmp[:4]...)
}

// ByBase returns the NT_FILE entry whose start address exactly matches addr.
func (p ProcessState) ByBase(addr uint64) (NtFileEntry, bool) {
	for _, e := range p.NtFile {
		if e.Start == addr {
			return e, true
		}
	}
	return NtFileEntry{}, false
}

// ByBasename returns the first NT_FILE entry whose path's basename matches name.
func (p ProcessState) ByBasename(name string) (NtFileEntry, bool) {
	for _, e := range p.NtFile {
		if filepath.Base(e.Path) == name {
			return e, true
		}
	}
	return NtFileEntry{}, false
}
