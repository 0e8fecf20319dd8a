// Package section synthesizes the section header table a stripped-down
// core file never had: one record per recovered region, in the fixed
// order real tooling expects, plus the accompanying .shstrtab. It is the
// last component to touch the file before the local symbol reconstructor
// appends .symtab/.strtab and patches the two headers this package
// leaves as placeholders.
package section

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
	"github.com/elfcore-go/ecore/internal/layout"
	"github.com/elfcore-go/ecore/internal/payload"
	"github.com/elfcore-go/ecore/internal/procfs"
)

// fallbackSize is written for any section whose true size can't be
// recovered from the original executable's own section headers.
const fallbackSize = 64

// pltAlign is used for .plt's offset alignment independent of the
// target's class; .plt's 16-byte alignment rule in §4.7 is itself
// class-independent.
const pltAlign = 16

// Table is the synthesized section header table, ready to be written to
// the file tail and have the ELF header patched to point at it.
type Table struct {
	Headers    []ecelf.SectionHeader
	Names      []string // Headers[i]'s name, parallel slice
	Shstrtab   []byte
	TextIndex  int
	SymtabIdx  int // placeholder index C9 will patch
	StrtabIdx  int // placeholder index C9 will patch
	Shstrndx   int
	EhFrameFix bool // true if .eh_frame's 4 leading zero bytes were skipped
}

// IndexOf returns the index of the section named name, if present.
func (t *Table) IndexOf(name string) (int, bool) {
	for i, n := range t.Names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Encode serializes the headers, in order, for the given class/byte order.
func (t *Table) Encode(class ecelf.Class, order binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer
	for i, h := range t.Headers {
		b, err := h.Encode(class, order)
		if err != nil {
			return nil, errors.Wrapf(err, "section header %d (%s)", i, t.Names[i])
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// builder accumulates sections and their shstrtab entries in emission
// order, then resolves cross-section sh_link fields once every section
// that might be a link target has a final index.
type builder struct {
	headers []ecelf.SectionHeader
	names   []string
	byName  map[string]int
	str     bytes.Buffer
}

func newBuilder() *builder {
	b := &builder{byName: make(map[string]int)}
	b.str.WriteByte(0)
	b.add("", ecelf.SectionHeader{})
	return b
}

func (b *builder) add(name string, sh ecelf.SectionHeader) int {
	sh.Name = uint32(b.str.Len())
	if name != "" {
		b.str.WriteString(name)
		b.str.WriteByte(0)
	}
	idx := len(b.headers)
	b.headers = append(b.headers, sh)
	b.names = append(b.names, name)
	b.byName[name] = idx
	return idx
}

func (b *builder) linkTo(idx int, targetName string) {
	if target, ok := b.byName[targetName]; ok {
		b.headers[idx].Link = uint32(target)
	}
}

// sizeOrFallback looks up name's size in the original executable's own
// section headers, falling back to the 64-byte sentinel §4.7 specifies.
func sizeOrFallback(exe *ecelf.Image, name string) uint64 {
	if s := exe.SectionByName(name); s != nil {
		return s.Size
	}
	return fallbackSize
}

// locateInCore cross-references a virtual address against the core
// file's own PT_LOADs, mirroring the layout resolver's formula.
func locateInCore(coreProgs []*ecelf.ProgHeader, vaddr uint64) (uint64, bool) {
	for _, p := range coreProgs {
		if p.Contains(vaddr) {
			return p.OffsetOf(vaddr), true
		}
	}
	return 0, false
}

// Input bundles everything the builder needs that doesn't already live
// on the LayoutTable.
type Input struct {
	Exe       *ecelf.Image
	CoreProgs []*ecelf.ProgHeader
	CoreRaw   []byte
	Layout    *layout.LayoutTable
	Payload   *payload.Table
	Mappings  []procfs.MemoryMap
}

// Build assembles the full section header table for in.
func Build(logger log.Logger, in Input) (*Table, error) {
	lt := in.Layout
	b := newBuilder()

	if !lt.Static && lt.Interp.Present() {
		b.add(".interp", ecelf.SectionHeader{
			Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: lt.Interp.Vaddr, Offset: lt.Interp.Offset,
			Size: sizeOrFallback(in.Exe, ".interp"), Addralign: 8,
		})
	}

	b.add(".note", ecelf.SectionHeader{
		Type: elf.SHT_NOTE, Flags: elf.SHF_ALLOC, Offset: lt.Note.Offset, Size: lt.Note.Size, Addralign: 4,
	})

	if !lt.Static {
		hashEntry := lt.GnuHash
		if !hashEntry.Present() {
			hashEntry = lt.Hash
		}
		if hashEntry.Present() {
			b.add(".hash", ecelf.SectionHeader{
				Type: elf.SHT_GNU_HASH, Flags: elf.SHF_ALLOC, Addr: hashEntry.Vaddr, Offset: hashEntry.Offset,
				Size: sizeOrFallback(in.Exe, ".hash"), Link: 0, Addralign: 8,
			})
		}
		if lt.Dynsym.Present() {
			b.add(".dynsym", ecelf.SectionHeader{
				Type: elf.SHT_DYNSYM, Flags: elf.SHF_ALLOC, Addr: lt.Dynsym.Vaddr, Offset: lt.Dynsym.Offset,
				Size: sizeOrFallback(in.Exe, ".dynsym"), Entsize: dynsymEntsize(in.Exe.Ehdr.Class()), Addralign: 8,
			})
		}
		if lt.Dynstr.Present() {
			b.add(".dynstr", ecelf.SectionHeader{
				Type: elf.SHT_STRTAB, Flags: elf.SHF_ALLOC, Addr: lt.Dynstr.Vaddr, Offset: lt.Dynstr.Offset,
				Size: lt.DynstrSize, Addralign: 1,
			})
		}
		relName, relaName := ".rel.dyn", ".rela.dyn"
		if lt.RelaPlt {
			if lt.Rela.Present() {
				idx := b.add(relaName, ecelf.SectionHeader{
					Type: elf.SHT_RELA, Flags: elf.SHF_ALLOC, Addr: lt.Rela.Vaddr, Offset: lt.Rela.Offset,
					Size: sizeOrFallback(in.Exe, relaName), Entsize: relaEntsize(in.Exe.Ehdr.Class()), Addralign: 8,
				})
				b.linkTo(idx, ".dynsym")
			}
		} else if lt.Rel.Present() {
			idx := b.add(relName, ecelf.SectionHeader{
				Type: elf.SHT_REL, Flags: elf.SHF_ALLOC, Addr: lt.Rel.Vaddr, Offset: lt.Rel.Offset,
				Size: sizeOrFallback(in.Exe, relName), Entsize: relEntsize(in.Exe.Ehdr.Class()), Addralign: 8,
			})
			b.linkTo(idx, ".dynsym")
		}
		if lt.JmpRel.Present() {
			pltRelName := ".rel.plt"
			if lt.RelaPlt {
				pltRelName = ".rela.plt"
			}
			idx := b.add(pltRelName, ecelf.SectionHeader{
				Type: relOrRelaType(lt.RelaPlt), Flags: elf.SHF_ALLOC, Addr: lt.JmpRel.Vaddr, Offset: lt.JmpRel.Offset,
				Size: lt.PltRelSz, Addralign: 8,
			})
			b.linkTo(idx, ".dynsym")
		}
		if lt.Init.Present() {
			b.add(".init", ecelf.SectionHeader{
				Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: lt.Init.Vaddr, Offset: lt.Init.Offset,
				Size: sizeOrFallback(in.Exe, ".init"), Addralign: 4,
			})
		}

		pltSize := sizeOrFallback(in.Exe, ".plt")
		pltOff := alignUp(lt.Init.Offset+sizeOrFallback(in.Exe, ".init"), pltAlign)
		pltAddr := uint64(0)
		if s := in.Exe.SectionByName(".plt"); s != nil {
			pltAddr = s.Addr + lt.RelocBase
		}
		if lt.JmpRel.Present() || in.Exe.SectionByName(".plt") != nil {
			b.add(".plt", ecelf.SectionHeader{
				Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: pltAddr, Offset: pltOff,
				Size: pltSize, Addralign: pltAlign,
			})
		}
	}

	textIdx := b.add(".text", ecelf.SectionHeader{
		Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: lt.Text.Vaddr, Offset: lt.Text.Offset,
		Size: lt.Text.Size, Addralign: 16,
	})

	if !lt.Static {
		if lt.Fini.Present() {
			b.add(".fini", ecelf.SectionHeader{
				Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: lt.Fini.Vaddr, Offset: lt.Fini.Offset,
				Size: sizeOrFallback(in.Exe, ".fini"), Addralign: 4,
			})
		}
		if lt.EhFrameHdr.Present() {
			b.add(".eh_frame_hdr", ecelf.SectionHeader{
				Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: lt.EhFrameHdr.Vaddr, Offset: lt.EhFrameHdr.Offset,
				Size: lt.EhFrameHdr.Size, Addralign: 4,
			})
		}
	}

	ehFrameWorkaround := false
	ehFrameOffset := lt.EhFrame.Offset
	if lt.EhFrame.Present() && ehFrameOffset+4 <= uint64(len(in.CoreRaw)) {
		if bytes.Equal(in.CoreRaw[ehFrameOffset:ehFrameOffset+4], []byte{0, 0, 0, 0}) {
			ehFrameOffset += 4
			ehFrameWorkaround = true
		}
	}
	if lt.EhFrame.Present() {
		b.add(".eh_frame", ecelf.SectionHeader{
			Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: lt.EhFrame.Vaddr, Offset: ehFrameOffset,
			Size: sizeOrFallback(in.Exe, ".eh_frame"), Addralign: 8,
		})
	}

	if !lt.Static {
		if lt.Dynamic.Present() {
			idx := b.add(".dynamic", ecelf.SectionHeader{
				Type: elf.SHT_DYNAMIC, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: lt.Dynamic.Vaddr, Offset: lt.Dynamic.Offset,
				Size: lt.Dynamic.Size, Addralign: 8,
			})
			b.linkTo(idx, ".dynstr")
		}
		if lt.PltGot.Present() || in.Exe.SectionByName(".got.plt") != nil {
			b.add(".got.plt", ecelf.SectionHeader{
				Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: lt.PltGot.Vaddr, Offset: lt.PltGot.Offset,
				Size: sizeOrFallback(in.Exe, ".got.plt"), Addralign: 8,
			})
		}
	}

	if lt.Data.Present() {
		b.add(".data", ecelf.SectionHeader{
			Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: lt.Data.Vaddr, Offset: lt.Data.Offset,
			Size: lt.Data.Size, Addralign: 8,
		})
	}
	if lt.Bss.Present() {
		b.add(".bss", ecelf.SectionHeader{
			Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: lt.Bss.Vaddr, Offset: lt.Data.Offset + lt.Data.Size,
			Size: lt.Bss.Size, Addralign: 8,
		})
	}

	addMappingSection(b, in.CoreProgs, in.Mappings, procfs.KindHeap, ".heap")

	addLibrarySections(b, lt.Libraries)

	addRegion := func(name string, typ elf.SectionType, r payload.Region) {
		if r.Size == 0 {
			return
		}
		b.add(name, ecelf.SectionHeader{Type: typ, Offset: r.Offset, Size: r.Size, Addralign: 1})
	}
	if in.Payload != nil {
		addRegion(".prstatus", elf.SHT_PROGBITS, in.Payload.PrStatus)
		addRegion(".fdinfo", elf.SHT_PROGBITS, in.Payload.FdInfo)
		addRegion(".siginfo", elf.SHT_PROGBITS, in.Payload.Siginfo)
		addRegion(".auxvector", elf.SHT_PROGBITS, in.Payload.Auxv)
		addRegion(".exepath", elf.SHT_PROGBITS, in.Payload.ExePath)
		addRegion(".personality", elf.SHT_PROGBITS, in.Payload.Personality)
		addRegion(".arglist", elf.SHT_PROGBITS, in.Payload.ArgList)
	}

	addStackSections(b, in.CoreProgs, in.Mappings)
	addMappingSection(b, in.CoreProgs, in.Mappings, procfs.KindVDSO, ".vdso")
	addMappingSection(b, in.CoreProgs, in.Mappings, procfs.KindVsyscall, ".vsyscall")

	symtabIdx := b.add(".symtab", ecelf.SectionHeader{Type: elf.SHT_SYMTAB, Addralign: 8, Entsize: symEntsize(in.Exe.Ehdr.Class())})
	strtabIdx := b.add(".strtab", ecelf.SectionHeader{Type: elf.SHT_STRTAB, Addralign: 1})
	b.linkTo(symtabIdx, ".strtab")

	shstrtabIdx := b.add(".shstrtab", ecelf.SectionHeader{Type: elf.SHT_STRTAB, Addralign: 1})
	// .shstrtab's own name byte range must be included in the final
	// table before its size/offset are known, so its bytes are captured
	// only after every add() call above has contributed its name.
	strBytes := append([]byte{}, b.str.Bytes()...)
	b.headers[shstrtabIdx].Size = uint64(len(strBytes))

	if in.Payload != nil {
		tableBytes := uint64(len(b.headers)) * uint64(in.Exe.Ehdr.Class().SectionHeaderSize())
		b.headers[shstrtabIdx].Offset = in.Payload.TailOffset + tableBytes
	}

	level.Debug(logger).Log("msg", "synthesized section header table", "count", len(b.headers), "ehFrameWorkaround", ehFrameWorkaround)

	return &Table{
		Headers: b.headers, Names: b.names, Shstrtab: strBytes,
		TextIndex: textIdx, SymtabIdx: symtabIdx, StrtabIdx: strtabIdx,
		Shstrndx: shstrtabIdx, EhFrameFix: ehFrameWorkaround,
	}, nil
}

// ApplyHeader patches ehdr per §4.7's final step, once the caller has
// written the section header table at shoff (= in.Payload.TailOffset)
// followed immediately by the shstrtab bytes.
func ApplyHeader(ehdr *ecelf.Header, t *Table, shoff, originalEntry uint64) {
	ehdr.Shoff = shoff
	ehdr.Shnum = uint16(len(t.Headers))
	ehdr.Shstrndx = uint16(t.Shstrndx)
	ehdr.Shentsize = uint16(ehdr.Class().SectionHeaderSize())
	ehdr.Type = elf.ET_NONE
	ehdr.Entry = originalEntry
}

func relOrRelaType(rela bool) elf.SectionType {
	if rela {
		return elf.SHT_RELA
	}
	return elf.SHT_REL
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func dynsymEntsize(class ecelf.Class) uint64 { return uint64(ecelf.SymbolRecordSize(class)) }
func symEntsize(class ecelf.Class) uint64    { return uint64(ecelf.SymbolRecordSize(class)) }

func relaEntsize(class ecelf.Class) uint64 {
	if class.Is64() {
		return 24
	}
	return 12
}

func relEntsize(class ecelf.Class) uint64 {
	if class.Is64() {
		return 16
	}
	return 8
}

// addMappingSection emits one section for the first live mapping of kind k,
// cross-referencing its file offset against the core's own PT_LOADs.
func addMappingSection(b *builder, coreProgs []*ecelf.ProgHeader, mappings []procfs.MemoryMap, k procfs.Kind, name string) {
	m, ok := lo.Find(mappings, func(m procfs.MemoryMap) bool { return m.Kind == k })
	if !ok {
		return
	}
	off, _ := locateInCore(coreProgs, m.Base)
	flags := elf.SHF_ALLOC
	if m.Perms.Has(procfs.PermWrite) {
		flags |= elf.SHF_WRITE
	}
	if m.Perms.Has(procfs.PermExec) {
		flags |= elf.SHF_EXECINSTR
	}
	b.add(name, ecelf.SectionHeader{
		Type: elf.SHT_PROGBITS, Flags: flags, Addr: m.Base, Offset: off, Size: m.Size(), Addralign: 8,
	})
}

// addStackSections emits ".stack" for the main thread's stack and
// ".stack.<tid>" for every other thread's stack mapping -- a
// supplementary refinement over a single undifferentiated ".stack"
// section, since the live memory map already distinguishes them.
func addStackSections(b *builder, coreProgs []*ecelf.ProgHeader, mappings []procfs.MemoryMap) {
	stacks := lo.Filter(mappings, func(m procfs.MemoryMap, _ int) bool {
		return m.Kind == procfs.KindStack || m.Kind == procfs.KindThreadStack
	})
	for _, m := range stacks {
		name := ".stack"
		if m.Kind == procfs.KindThreadStack {
			name = fmt.Sprintf(".stack.%d", m.ThreadID)
		}
		off, _ := locateInCore(coreProgs, m.Base)
		flags := elf.SHF_ALLOC | elf.SHF_WRITE
		b.add(name, ecelf.SectionHeader{Type: elf.SHT_PROGBITS, Flags: flags, Addr: m.Base, Offset: off, Size: m.Size(), Addralign: 8})
	}
}

// addLibrarySections emits one section per qualifying mapping of each
// shared library, named by its role in that library's address space.
func addLibrarySections(b *builder, libs []layout.LibraryRecord) {
	dataCounters := make(map[string]int)
	for _, lib := range libs {
		var name string
		switch {
		case lib.Perms.Has(procfs.PermExec):
			name = lib.ShortName + ".text"
		case lib.Perms.Has(procfs.PermWrite):
			name = fmt.Sprintf("%s.data.%d", lib.ShortName, dataCounters[lib.ShortName])
			dataCounters[lib.ShortName]++
		case lib.Perms.Has(procfs.PermRead):
			name = lib.ShortName + ".relro"
		default:
			name = lib.ShortName + ".undef"
		}
		typ := elf.SHT_SHLIB
		if lib.Injected {
			typ = shtInjected
		}
		flags := elf.SHF_ALLOC
		if lib.Perms.Has(procfs.PermWrite) {
			flags |= elf.SHF_WRITE
		}
		if lib.Perms.Has(procfs.PermExec) {
			flags |= elf.SHF_EXECINSTR
		}
		b.add(name, ecelf.SectionHeader{
			Type: typ, Flags: flags, Addr: lib.Base, Offset: lib.FileOffset, Size: lib.Size, Addralign: 16,
		})
	}
}

// shtInjected is a custom section type, inside the OS-specific
// SHT_LOOS..SHT_HIOS range at a value the standard and GNU types leave
// unused, flagging a library the injection heuristic identified as not
// part of the process's normal link set.
const shtInjected = elf.SectionType(0x6fff4201)
