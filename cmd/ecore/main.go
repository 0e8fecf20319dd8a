// Command ecore reconstructs a kernel-produced core dump into a fully
// section-annotated ELF file: full text images in place of the 4096-byte
// stubs the kernel leaves behind, auxiliary payloads appended to the
// tail, and a synthesized section header table pointing at all of it.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"github.com/elfcore-go/ecore/internal/core"
	ecelf "github.com/elfcore-go/ecore/internal/elf"
	"github.com/elfcore-go/ecore/internal/layout"
	"github.com/elfcore-go/ecore/internal/notes"
	"github.com/elfcore-go/ecore/internal/payload"
	ecprocfs "github.com/elfcore-go/ecore/internal/procfs"
	"github.com/elfcore-go/ecore/internal/reinject"
	"github.com/elfcore-go/ecore/internal/section"
	"github.com/elfcore-go/ecore/internal/symtab"
)

var (
	exeComm    = flag.String("e", "", "executable basename, for NT_FILE matching")
	pidFlag    = flag.Int("p", 0, "pid of the process the core was dumped from")
	outPath    = flag.String("o", "", "output (and working) core file path")
	fullText   = flag.Bool("t", false, "include full shared-library text images")
	heuristics = flag.Bool("h", false, "enable injection heuristics")
	fromStdin  = flag.Bool("i", false, "read the core byte stream from standard input")
)

type splitLog struct {
	err  log.Logger
	rest log.Logger
}

func (s splitLog) Log(keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		return s.err.Log(keyvals...)
	}
	for i := 0; i < len(keyvals); i += 2 {
		if keyvals[i] == "level" {
			if vs, ok := keyvals[i+1].(fmt.Stringer); ok && vs.String() == "error" {
				return s.err.Log(keyvals...)
			}
		}
	}
	return s.rest.Log(keyvals...)
}

func newLogger() log.Logger {
	base := splitLog{
		err:  log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
		rest: log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout)),
	}
	var logger log.Logger = base
	switch strings.ToLower(os.Getenv("ECORE_LOG_LEVEL")) {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return log.WithPrefix(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func main() {
	flag.Parse()
	logger := newLogger()

	if err := run(logger); err != nil {
		level.Error(logger).Log("msg", "ecore reconstruction failed", "err", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	if *outPath == "" || *pidFlag == 0 {
		return errors.New("-o and -p are required")
	}

	if *fromStdin {
		if err := spoolStdin(*outPath); err != nil {
			return errors.Wrap(err, "spool stdin to output path")
		}
	}

	c, err := core.Load(*outPath)
	if err != nil {
		return errors.Wrap(err, "load core file")
	}
	// c is reassigned below as reinject.Text reloads the file; the
	// closure defers closing whichever Core is current at return time.
	defer func() { _ = c.Close() }()

	class, order := c.Image.Ehdr.Class(), c.Image.Ehdr.ByteOrder()

	decoded, err := notes.Parse(logger, c.NoteBytes(), class, order)
	if err != nil {
		return errors.Wrap(err, "parse core note segment")
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return errors.Wrap(err, "open /proc")
	}

	mappings, err := ecprocfs.ReadMappings(fs, *pidFlag)
	if err != nil {
		return errors.Wrap(err, "read process memory map")
	}
	fds, err := ecprocfs.ReadFdTable(fs, *pidFlag)
	if err != nil {
		return errors.Wrap(err, "read process fd table")
	}
	exePath, err := ecprocfs.ExePath(*pidFlag)
	if err != nil {
		return errors.Wrap(err, "resolve process exe path")
	}

	exeBytes, err := os.ReadFile(exePath)
	if err != nil {
		return errors.Wrap(err, "read target executable")
	}
	exeImg, err := ecelf.Open(exeBytes)
	if err != nil {
		return errors.Wrap(err, "parse target executable")
	}

	var injected func(string) bool
	if *heuristics {
		injected = heuristicInjected
	}
	opt := layout.Options{ExeBasename: *exeComm, Heuristics: *heuristics, Injected: injected}

	lt, err := layout.Resolve(logger, exeImg, c.Image.Progs, c.NoteSegment, &decoded.Process, mappings, opt)
	if err != nil {
		return errors.Wrap(err, "resolve layout (pre-reinjection)")
	}

	execText, err := ecprocfs.ReadVM(*pidFlag, lt.Text.Vaddr, int(lt.Text.Size))
	if err != nil {
		return errors.Wrap(err, "capture executable text image")
	}

	var libs []reinject.Library
	if *fullText {
		libs, err = captureLibraryText(*pidFlag, lt.Libraries)
		if err != nil {
			return errors.Wrap(err, "capture shared library text images")
		}
	}

	c, err = reinject.Text(logger, c, lt.Text.Vaddr, execText, libs)
	for _, l := range libs {
		_ = reinject.UnmapLibraryText(l.Text)
	}
	if err != nil {
		return errors.Wrap(err, "reinject text segments")
	}

	// Reinjection shifted every file offset past the text segment by a
	// delta that depends on the real text size, but left virtual
	// addresses untouched, so the layout must be re-resolved against the
	// reloaded core's program headers before anything else trusts an
	// offset.
	lt, err = layout.Resolve(logger, exeImg, c.Image.Progs, c.NoteSegment, &decoded.Process, mappings, opt)
	if err != nil {
		return errors.Wrap(err, "resolve layout (post-reinjection)")
	}

	pt, err := payload.Append(logger, c, decoded.Threads, &decoded.Process, fds, exePath, lt.Personality(*heuristics))
	if err != nil {
		return errors.Wrap(err, "append auxiliary payload")
	}

	st, err := section.Build(logger, section.Input{
		Exe: exeImg, CoreProgs: c.Image.Progs, CoreRaw: c.Image.Raw,
		Layout: lt, Payload: pt, Mappings: mappings,
	})
	if err != nil {
		return errors.Wrap(err, "synthesize section header table")
	}

	shoff := pt.TailOffset
	if err := writeSectionTable(c.Path(), shoff, st, class, order); err != nil {
		return errors.Wrap(err, "write section header table and shstrtab")
	}

	if err := patchHeader(c.Path(), c.Image.Ehdr, st, shoff, lt.OriginalEntry); err != nil {
		return errors.Wrap(err, "patch elf header")
	}

	ehFrameData, err := readEhFrame(c.Image.Raw, lt, st)
	if err != nil {
		return errors.Wrap(err, "extract eh_frame bytes")
	}

	ehFrameVaddr := lt.EhFrame.Vaddr
	if st.EhFrameFix {
		ehFrameVaddr += 4
	}

	ndynsym := dynsymCount(exeImg, st)

	if err := symtab.Reconstruct(logger, c, st, class, order, shoff, ehFrameData, ehFrameVaddr, ndynsym, dynsymAddrNames(exeImg)); err != nil {
		return errors.Wrap(err, "reconstruct local symbols")
	}

	level.Info(logger).Log("msg", "reconstruction complete", "out", *outPath)
	return nil
}

// spoolStdin copies the raw core byte stream from stdin into path before
// C3 ever opens it, per §6's stdin contract.
func spoolStdin(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "create spool file %s", path)
	}
	defer f.Close()
	if _, err := io.Copy(f, os.Stdin); err != nil {
		return errors.Wrap(err, "copy stdin")
	}
	return f.Sync()
}

// captureLibraryText reads each shared library's executable mapping out
// of the live process, via the anonymous-mmap buffers §4.5 calls for.
// Every executable mapping is still mapped and read; when its bytes match
// an earlier capture (checked through a core.TextCache), the new buffer is
// released and the earlier slice is reused.
func captureLibraryText(pid int, libs []layout.LibraryRecord) ([]reinject.Library, error) {
	cache := core.NewTextCache()
	var out []reinject.Library
	for _, lib := range libs {
		if !lib.Perms.Has(ecprocfs.PermExec) {
			continue
		}
		buf, err := reinject.MapLibraryText(int(lib.Size))
		if err != nil {
			return nil, err
		}
		data, err := ecprocfs.ReadVM(pid, lib.Base, int(lib.Size))
		if err != nil {
			_ = reinject.UnmapLibraryText(buf)
			return nil, errors.Wrapf(err, "read library text at %#x", lib.Base)
		}
		copy(buf, data)
		text := buf[:len(data)]
		if prior, dup := cache.Intern(text); dup {
			_ = reinject.UnmapLibraryText(buf)
			text = prior
		}
		out = append(out, reinject.Library{Vaddr: lib.Base, Text: text})
	}
	return out, nil
}

// heuristicInjected is deliberately conservative: the actual injection
// heuristic (comparing a library's on-disk and in-memory text) is out of
// scope, so every library reports as not injected until that analysis is
// implemented. The -h flag still threads through to the personality
// bit-field so downstream consumers can see heuristics were requested.
func heuristicInjected(path string) bool { return false }

// writeSectionTable writes the synthesized section headers immediately
// followed by the shstrtab bytes, at the file tail the payload writer
// left behind. .symtab/.strtab are written here as their placeholder
// (zero offset/size) headers; the local symbol reconstructor patches
// both the in-memory Table and these exact on-disk bytes afterward.
func writeSectionTable(path string, shoff uint64, st *section.Table, class ecelf.Class, order binary.ByteOrder) error {
	headerBytes, err := st.Encode(class, order)
	if err != nil {
		return errors.Wrap(err, "encode section headers")
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "reopen core file")
	}
	defer f.Close()

	if _, err := f.WriteAt(headerBytes, int64(shoff)); err != nil {
		return errors.Wrap(err, "write section header table")
	}
	if _, err := f.WriteAt(st.Shstrtab, int64(shoff)+int64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "write shstrtab")
	}
	return f.Sync()
}

// patchHeader re-encodes the ELF header with the section-table fields
// §4.7 specifies and pwrites it over the file's first Ehsize bytes,
// since ehdr aliases a read-only mmap and can't be Sync()'d in place.
func patchHeader(path string, ehdr *ecelf.Header, st *section.Table, shoff, originalEntry uint64) error {
	section.ApplyHeader(ehdr, st, shoff, originalEntry)
	b, err := ehdr.Encode()
	if err != nil {
		return errors.Wrap(err, "encode elf header")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "reopen core file")
	}
	defer f.Close()
	if _, err := f.WriteAt(b, 0); err != nil {
		return errors.Wrap(err, "write elf header")
	}
	return f.Sync()
}

// readEhFrame slices .eh_frame's bytes out of the (already reinjected
// and re-laid-out) core file, skipping the 4 leading zero bytes the
// synthesizer detected and compensated for if EhFrameFix was set.
func readEhFrame(coreRaw []byte, lt *layout.LayoutTable, st *section.Table) ([]byte, error) {
	idx, ok := st.IndexOf(".eh_frame")
	if !ok {
		return nil, nil
	}
	sh := st.Headers[idx]
	end := sh.Offset + sh.Size
	if end > uint64(len(coreRaw)) {
		return nil, errors.New("eh_frame section runs past end of core file")
	}
	return coreRaw[sh.Offset:end], nil
}

// dynsymCount derives the number of .dynsym entries from the synthesized
// section table, for .got.plt's reserved-entries-per-PLT-slot sizing
// rule in §4.8.
func dynsymCount(exe *ecelf.Image, st *section.Table) uint64 {
	idx, ok := st.IndexOf(".dynsym")
	if !ok {
		return 0
	}
	sh := st.Headers[idx]
	entsize := uint64(ecelf.SymbolRecordSize(exe.Ehdr.Class()))
	if entsize == 0 {
		return 0
	}
	return sh.Size / entsize
}

// dynsymAddrNames maps every named, non-zero-value dynamic symbol in the
// executable to its address, so the local symbol reconstructor can prefer
// a demangled known name over a sub_<addr> fallback when an eh_frame FDE
// lands exactly on one. A stripped executable with no dynamic symbol
// table yields an empty map, which is a no-op for the reconstructor.
func dynsymAddrNames(exe *ecelf.Image) map[uint64]string {
	out := make(map[uint64]string)
	if exe.File == nil {
		return out
	}
	syms, err := exe.File.DynamicSymbols()
	if err != nil {
		return out
	}
	for _, s := range syms {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		out[s.Value] = s.Name
	}
	return out
}
