// Package layout joins the core file, the live process mappings, the
// NT_FILE table, and the on-disk executable into a single LayoutTable:
// virtual addresses, file offsets, and sizes for every region the section
// synthesizer (internal/section) needs to describe.
package layout

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
	"github.com/elfcore-go/ecore/internal/notes"
	"github.com/elfcore-go/ecore/internal/procfs"
)

// Entry is a (vaddr, offset, size) triple, the unit every named slot of a
// LayoutTable is built from.
type Entry struct {
	Vaddr, Offset, Size uint64
}

func (e Entry) Present() bool { return e.Size > 0 || e.Vaddr != 0 }

// LibraryRecord describes one shared object mapped into the process.
type LibraryRecord struct {
	Path, ShortName string
	Base, Size      uint64
	Perms           procfs.Perm
	FileOffset      uint64
	Injected        bool
}

// LayoutTable is the full set of address/offset/size facts C8 needs.
type LayoutTable struct {
	PIE, Static   bool
	StrippedShdrs bool
	RelocBase     uint64 // B

	Text, Data, Bss       Entry
	Dynamic, Interp       Entry
	EhFrameHdr, EhFrame   Entry
	Note                  Entry
	Rel, Rela, JmpRel     Entry
	PltGot, GnuHash, Hash Entry
	Init, Fini            Entry
	Dynsym, Dynstr        Entry
	DynstrSize, PltRelSz  uint64
	RelaPlt               bool // true selects .rela.plt/.rela.dyn naming, false .rel.plt/.rel.dyn

	OriginalEntry uint64
	Libraries     []LibraryRecord
}

// Options carries the inputs that aren't simply "the four data sources":
// CLI-level knobs the resolver needs to make personality/heuristic
// decisions.
type Options struct {
	ExeBasename string
	Heuristics  bool
	// Injected classifies a library path as heuristically injected; may
	// be nil, in which case no library is ever flagged (the heuristic
	// itself is out of scope -- see spec.md's out-of-scope list -- this
	// pipeline only consumes the boolean).
	Injected func(path string) bool
}

// Resolve computes a LayoutTable from the executable image, the decoded
// core notes, the live memory map, and the core file's own program
// headers.
func Resolve(logger log.Logger, exe *ecelf.Image, coreProgs []*ecelf.ProgHeader, noteSeg *ecelf.ProgHeader, proc *notes.ProcessState, mappings []procfs.MemoryMap, opt Options) (*LayoutTable, error) {
	lt := &LayoutTable{OriginalEntry: exe.Ehdr.Entry}
	lt.Note = Entry{Offset: noteSeg.Off, Size: noteSeg.Filesz}
	lt.Libraries = buildLibraries(mappings, proc.NtFile, opt.Injected)

	exeTextLoad, exeDataLoad := splitLoads(exe.Progs)
	if exeTextLoad == nil {
		return nil, errors.New("executable has no text PT_LOAD")
	}
	lt.PIE = exeTextLoad.Vaddr == 0

	interp := exe.FirstProgOfType(elf.PT_INTERP)
	lt.Static = interp == nil

	if lt.PIE {
		entry, ok := proc.ByBasename(opt.ExeBasename)
		if !ok {
			return nil, errors.Errorf("PIE executable %q not found in NT_FILE table", opt.ExeBasename)
		}
		lt.RelocBase = entry.Start
	}
	B := lt.RelocBase

	lt.Text.Vaddr = exeTextLoad.Vaddr + B
	lt.Text.Size = exeTextLoad.Memsz
	if exeDataLoad != nil {
		dataVaddr := exeDataLoad.Vaddr + B
		lt.Data.Vaddr = dataVaddr
		lt.Data.Size = exeDataLoad.Filesz
		lt.Bss.Vaddr = dataVaddr + exeDataLoad.Filesz
		lt.Bss.Size = exeDataLoad.Memsz - exeDataLoad.Filesz
	}

	if dyn := exe.FirstProgOfType(elf.PT_DYNAMIC); dyn != nil {
		lt.Dynamic.Vaddr, lt.Dynamic.Size = dyn.Vaddr+B, dyn.Memsz
	} else if !lt.Static {
		// Corrupted core: not static by PT_INTERP's presence, yet no
		// PT_DYNAMIC either. Downgrade to the static path rather than
		// aborting, mirroring the original tool's fallback.
		level.Warn(logger).Log("msg", "no PT_DYNAMIC despite PT_INTERP present; treating as static")
		lt.Static = true
	}
	if interp != nil {
		lt.Interp.Vaddr, lt.Interp.Size = interp.Vaddr+B, interp.Memsz
	}
	if ehf := exe.FirstProgOfType(elf.PT_GNU_EH_FRAME); ehf != nil {
		lt.EhFrameHdr.Vaddr, lt.EhFrameHdr.Size = ehf.Vaddr+B, ehf.Memsz
	}
	// PT_GNU_EH_FRAME only locates .eh_frame_hdr; .eh_frame itself (what
	// C9 walks for FDEs) has no program header of its own on either a
	// static or dynamic binary, so it is always recovered via the
	// executable's section headers (§4.4 step 4's "side channel").
	resolveEhFrameSideChannel(exe, lt)

	if err := crossReferenceCoreOffsets(coreProgs, lt); err != nil {
		return nil, err
	}

	if !lt.Static {
		if err := resolveDynamicTags(exe, lt); err != nil {
			return nil, errors.Wrap(err, "walk PT_DYNAMIC")
		}
	}

	if exe.File == nil || len(exe.File.Sections) == 0 {
		lt.StrippedShdrs = true
	}

	return lt, nil
}

// splitLoads picks the text PT_LOAD (file offset 0, executable) and the
// data PT_LOAD (nonzero file offset) out of an executable's program
// headers, per §4.4 step 2.
func splitLoads(progs []*ecelf.ProgHeader) (text, data *ecelf.ProgHeader) {
	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Off == 0 {
			text = p
		} else if data == nil || p.Off > data.Off {
			if text == nil || p != text {
				data = p
			}
		}
	}
	return text, data
}

// crossReferenceCoreOffsets fills in file offsets for every LayoutTable
// entry whose virtual address falls inside one of the core file's own
// PT_LOAD segments, per §4.4 step 5.
func crossReferenceCoreOffsets(coreProgs []*ecelf.ProgHeader, lt *LayoutTable) error {
	locate := func(e *Entry, name string, mandatory bool) error {
		if e.Vaddr == 0 && e.Size == 0 {
			return nil
		}
		for _, p := range coreProgs {
			if p.Contains(e.Vaddr) {
				e.Offset = p.OffsetOf(e.Vaddr)
				return nil
			}
		}
		if mandatory {
			return errors.Errorf("no core PT_LOAD covers %s at %#x", name, e.Vaddr)
		}
		return nil
	}
	if err := locate(&lt.Text, "text", true); err != nil {
		return err
	}
	if err := locate(&lt.Data, "data", false); err != nil {
		return err
	}
	if err := locate(&lt.Bss, "bss", false); err != nil {
		return err
	}
	if err := locate(&lt.Dynamic, "dynamic", !lt.Static); err != nil {
		return err
	}
	if err := locate(&lt.Interp, "interp", false); err != nil {
		return err
	}
	if err := locate(&lt.EhFrameHdr, "eh_frame_hdr", false); err != nil {
		return err
	}
	if err := locate(&lt.EhFrame, "eh_frame", false); err != nil {
		return err
	}
	return nil
}

// toFileOffset converts a virtual address to a core-file offset via the
// Segment-style formula in Design Notes: offset + (addr - segment base),
// picking the text or data window depending on which range contains it.
func toFileOffset(lt *LayoutTable, addr uint64) (uint64, bool) {
	if addr == 0 {
		return 0, false
	}
	if addr >= lt.Text.Vaddr && addr < lt.Text.Vaddr+lt.Text.Size {
		return lt.Text.Offset + (addr - lt.Text.Vaddr), true
	}
	if lt.Data.Size > 0 && addr >= lt.Data.Vaddr && addr < lt.Data.Vaddr+lt.Data.Size {
		return lt.Data.Offset + (addr - lt.Data.Vaddr), true
	}
	return 0, false
}

func entryAt(lt *LayoutTable, addr, size uint64) Entry {
	e := Entry{Vaddr: addr, Size: size}
	if off, ok := toFileOffset(lt, addr); ok {
		e.Offset = off
	}
	return e
}

// resolveDynamicTags walks PT_DYNAMIC to populate relocation, GOT, hash,
// init, fini, dynsym, dynstr and PLT-relocation addresses, per §4.4 step 6.
func resolveDynamicTags(exe *ecelf.Image, lt *LayoutTable) error {
	dyn := exe.FirstProgOfType(elf.PT_DYNAMIC)
	if dyn == nil {
		return errors.New("missing PT_DYNAMIC")
	}
	if int(dyn.Off+dyn.Filesz) > len(exe.Raw) {
		return errors.New("PT_DYNAMIC extends past end of executable")
	}
	tags := ecelf.ParseDynamic(exe.Raw[dyn.Off:dyn.Off+dyn.Filesz], exe.Ehdr.Class(), exe.Ehdr.ByteOrder())

	B := lt.RelocBase
	biased := func(tag elf.DynTag) (uint64, bool) {
		v, ok := tags.Addr(tag)
		if !ok {
			return 0, false
		}
		return v + B, true
	}

	if v, ok := biased(elf.DT_RELA); ok {
		lt.Rela = entryAt(lt, v, 0)
		lt.RelaPlt = true
	}
	if v, ok := biased(elf.DT_REL); ok {
		lt.Rel = entryAt(lt, v, 0)
	}
	if v, ok := biased(elf.DT_JMPREL); ok {
		lt.JmpRel = entryAt(lt, v, 0)
	}
	if sz, ok := tags.Addr(elf.DT_PLTRELSZ); ok {
		lt.PltRelSz = sz
	}
	if v, ok := biased(elf.DT_PLTGOT); ok {
		lt.PltGot = entryAt(lt, v, 0)
	}
	if v, ok := biased(elf.DT_GNU_HASH); ok {
		lt.GnuHash = entryAt(lt, v, 0)
	} else if v, ok := biased(elf.DT_HASH); ok {
		lt.Hash = entryAt(lt, v, 0)
	}
	if v, ok := biased(elf.DT_INIT); ok {
		lt.Init = entryAt(lt, v, 0)
	}
	if v, ok := biased(elf.DT_FINI); ok {
		lt.Fini = entryAt(lt, v, 0)
	}
	if v, ok := biased(elf.DT_SYMTAB); ok {
		lt.Dynsym = entryAt(lt, v, 0)
	}
	if v, ok := biased(elf.DT_STRTAB); ok {
		lt.Dynstr = entryAt(lt, v, 0)
	}
	if sz, ok := tags.Addr(elf.DT_STRSZ); ok {
		lt.DynstrSize = sz
		lt.Dynstr.Size = sz
	}
	return nil
}

// resolveEhFrameSideChannel pulls .eh_frame's address and size from the
// executable's own section headers, per §4.4 step 4.
func resolveEhFrameSideChannel(exe *ecelf.Image, lt *LayoutTable) {
	sec := exe.SectionByName(".eh_frame")
	if sec == nil {
		return // left at the zero-value sentinel; C8 omits the section.
	}
	lt.EhFrame.Vaddr = sec.Addr + lt.RelocBase
	lt.EhFrame.Size = sec.Size
}
