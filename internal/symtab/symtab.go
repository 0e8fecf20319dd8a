// Package symtab reconstructs local function symbols for the stripped
// text the pipeline has reinjected, by walking .eh_frame for FDEs and
// turning each one into a sub_<addr> STT_FUNC symbol. It is the last
// component to run: it appends .symtab/.strtab to the file tail and
// patches the placeholder headers the section synthesizer left behind.
package symtab

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
	"github.com/elfcore-go/ecore/internal/core"
	"github.com/elfcore-go/ecore/internal/section"
	"github.com/elfcore-go/ecore/pkg/ehframe"
)

// pointerSize returns the pointer width to decode eh_frame fields with.
func pointerSize(class ecelf.Class) int { return class.WordSize() }

// Reconstruct walks ehFrameData (the .eh_frame bytes mapped at ehFrameVaddr)
// for FDEs, builds a .symtab/.strtab pair naming each recovered function
// sub_<hex address> -- or, when the executable's own dynamic symbol table
// already names the function at that address, the demangled form of that
// name instead -- appends both to c's backing file, and patches the
// section table's .symtab/.strtab/.got.plt headers in place. A walker
// error is not fatal: the file is left valid with zero reconstructed
// symbols, per §4.8's failure mode.
func Reconstruct(logger log.Logger, c *core.Core, st *section.Table, class ecelf.Class, order binary.ByteOrder, shoff uint64, ehFrameData []byte, ehFrameVaddr uint64, dynsymCount uint64, knownNames map[uint64]string) error {
	walker := ehframe.NewWalker()
	fdes, err := walker.Walk(ehFrameData, ehFrameVaddr, pointerSize(class))
	if err != nil {
		level.Warn(logger).Log("msg", "eh_frame walk failed; emitting zero reconstructed symbols", "err", err)
		fdes = nil
	}

	symtabBytes, strtabBytes := encodeSymbols(fdes, class, order, st.TextIndex, knownNames)

	f, err := os.OpenFile(c.Path(), os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "reopen core file to append symbol tables")
	}
	defer f.Close()

	pos, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return errors.Wrap(err, "seek to file tail")
	}
	symtabOff := uint64(pos)
	if _, err := f.Write(symtabBytes); err != nil {
		return errors.Wrap(err, "write reconstructed symtab")
	}
	strtabOff := symtabOff + uint64(len(symtabBytes))
	if _, err := f.Write(strtabBytes); err != nil {
		return errors.Wrap(err, "write reconstructed strtab")
	}

	st.Headers[st.SymtabIdx].Offset = symtabOff
	st.Headers[st.SymtabIdx].Size = uint64(len(symtabBytes))
	st.Headers[st.SymtabIdx].Info = 1 // index one past the last local symbol (only the NULL entry is local)

	st.Headers[st.StrtabIdx].Offset = strtabOff
	st.Headers[st.StrtabIdx].Size = uint64(len(strtabBytes))

	if gotIdx, ok := st.IndexOf(".got.plt"); ok {
		st.Headers[gotIdx].Size = (dynsymCount + 3) * uint64(class.WordSize())
	}

	entsize := uint64(class.SectionHeaderSize())
	for _, idx := range []int{st.SymtabIdx, st.StrtabIdx} {
		if err := rewriteHeaderRecord(f, class, order, shoff+uint64(idx)*entsize, st.Headers[idx]); err != nil {
			return errors.Wrapf(err, "patch on-disk header %d", idx)
		}
	}
	if gotIdx, ok := st.IndexOf(".got.plt"); ok {
		if err := rewriteHeaderRecord(f, class, order, shoff+uint64(gotIdx)*entsize, st.Headers[gotIdx]); err != nil {
			return errors.Wrap(err, "patch on-disk .got.plt header")
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "sync appended symbol tables and patched headers")
	}

	level.Debug(logger).Log("msg", "reconstructed local symbols", "count", len(fdes))
	return nil
}

// rewriteHeaderRecord re-encodes one already-written section header and
// overwrites its on-disk bytes in place, since the section header table
// itself was written to a fixed file position before this package had
// its final offsets and sizes.
func rewriteHeaderRecord(f *os.File, class ecelf.Class, order binary.ByteOrder, offset uint64, sh ecelf.SectionHeader) error {
	b, err := sh.Encode(class, order)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(b, int64(offset))
	return err
}

// encodeSymbols builds the .symtab byte array (NULL entry followed by one
// STT_FUNC/STB_GLOBAL entry per FDE) and the accompanying .strtab bytes.
// knownNames maps a dynamic symbol's value to its (possibly mangled) name,
// preferred over the sub_<addr> fallback whenever an FDE's address lands
// exactly on one.
func encodeSymbols(fdes []ehframe.FDE, class ecelf.Class, order binary.ByteOrder, textIdx int, knownNames map[uint64]string) ([]byte, []byte) {
	var symtab, strtab bytes.Buffer
	strtab.WriteByte(0)

	null := ecelf.SymbolRecord{}
	nb, _ := null.Encode(class, order)
	symtab.Write(nb)

	for _, fde := range fdes {
		name := fmt.Sprintf("sub_%x", fde.Addr)
		if known, ok := knownNames[fde.Addr]; ok {
			name = demangle.Filter(known)
		}
		nameOff := uint32(strtab.Len())
		strtab.WriteString(name)
		strtab.WriteByte(0)

		rec := ecelf.SymbolRecord{
			Name:  nameOff,
			Info:  ecelf.StInfo(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: elf.SectionIndex(textIdx),
			Value: fde.Addr,
			Size:  fde.Size,
		}
		b, _ := rec.Encode(class, order)
		symtab.Write(b)
	}
	return symtab.Bytes(), strtab.Bytes()
}
