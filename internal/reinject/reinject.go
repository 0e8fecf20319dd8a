// Package reinject rewrites a core file so that the 4096-byte text stub the
// kernel leaves behind for each executable mapping is replaced by the full
// text image captured while the target process was still alive. The
// rewrite happens by write-then-rename against a temporary sibling file;
// callers must discard and reload their core.Core handle once a call here
// returns successfully, since the file on disk is a new inode.
package reinject

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
	"github.com/elfcore-go/ecore/internal/core"
)

// textStubSize is the size of the text fragment the kernel itself writes
// into a core dump for an executable mapping, regardless of that mapping's
// real size.
const textStubSize = 4096

// Library describes one shared library whose text image should be
// reinjected, mirroring the "include all text" option: when the caller
// only wants the primary executable reinjected, this list is simply empty.
type Library struct {
	Vaddr uint64
	Text  []byte
}

// Text reinjects the primary executable's captured text image into c's
// backing file, then (if any are given) each library's text image in
// turn, reloading c between every rewrite since each one produces a new
// inode. It returns the final, freshly reloaded Core.
func Text(logger log.Logger, c *core.Core, execVaddr uint64, execText []byte, libs []Library) (*core.Core, error) {
	var err error
	c, err = reinjectOne(logger, c, execVaddr, execText)
	if err != nil {
		return nil, errors.Wrap(err, "reinject executable text")
	}
	for _, l := range libs {
		c, err = reinjectOne(logger, c, l.Vaddr, l.Text)
		if err != nil {
			return nil, errors.Wrapf(err, "reinject library text at %#x", l.Vaddr)
		}
	}
	return c, nil
}

// reinjectOne performs the §4.5 algorithm for a single text segment and
// returns the reloaded Core.
func reinjectOne(logger log.Logger, c *core.Core, vaddr uint64, newText []byte) (*core.Core, error) {
	progs := c.Image.Progs
	idx := -1
	for i, p := range progs {
		if p.Type == elf.PT_LOAD && p.Contains(vaddr) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, errors.Errorf("no PT_LOAD in core covers text vaddr %#x", vaddr)
	}
	if idx+1 >= len(progs) {
		return nil, errors.New("text PT_LOAD has no following program header to anchor the rewrite")
	}

	textOff := progs[idx].Off
	nextOff := progs[idx+1].Off
	delta := int64(len(newText)) - int64(textStubSize)

	level.Debug(logger).Log("msg", "reinjecting text segment",
		"vaddr", fmt.Sprintf("%#x", vaddr), "textOff", textOff, "nextOff", nextOff,
		"newTextSize", len(newText), "delta", delta)

	progs[idx].Filesz = progs[idx].Memsz
	for i := idx + 1; i < len(progs); i++ {
		progs[i].Off = uint64(int64(progs[i].Off) + delta)
	}

	phTable, err := encodeProgHeaderTable(progs)
	if err != nil {
		return nil, errors.Wrap(err, "encode patched program header table")
	}
	phoff := c.Image.Ehdr.Phoff
	phend := phoff + uint64(len(phTable))

	out, outPath, err := createSiblingTemp(c.Path())
	if err != nil {
		return nil, err
	}
	succeeded := false
	defer func() {
		out.Close()
		if !succeeded {
			os.Remove(outPath)
		}
	}()

	raw := c.Image.Raw
	if _, err := out.Write(raw[:phoff]); err != nil {
		return nil, errors.Wrap(err, "write pre-program-header bytes")
	}
	if _, err := out.Write(phTable); err != nil {
		return nil, errors.Wrap(err, "write patched program header table")
	}
	if _, err := out.Write(raw[phend:textOff]); err != nil {
		return nil, errors.Wrap(err, "write bytes between program headers and text")
	}
	if _, err := out.Write(newText); err != nil {
		return nil, errors.Wrap(err, "write reinjected text image")
	}
	if _, err := out.Write(raw[nextOff:]); err != nil {
		return nil, errors.Wrap(err, "write tail bytes")
	}
	if err := out.Sync(); err != nil {
		return nil, errors.Wrap(err, "sync rewritten core file")
	}
	if err := out.Close(); err != nil {
		return nil, errors.Wrap(err, "close rewritten core file")
	}
	if err := os.Chmod(outPath, 0777); err != nil {
		return nil, errors.Wrap(err, "chmod rewritten core file")
	}

	original := c.Path()
	if err := c.Close(); err != nil {
		return nil, errors.Wrap(err, "unmap stale core before rename")
	}
	if err := os.Rename(outPath, original); err != nil {
		return nil, errors.Wrap(err, "rename rewritten core file into place")
	}
	succeeded = true

	reloaded, err := core.Load(original)
	if err != nil {
		return nil, errors.Wrap(err, "reload reinjected core file")
	}
	return reloaded, nil
}

// encodeProgHeaderTable re-encodes every program header in progs, in
// table order, into one contiguous buffer. progs must already carry the
// patched field values; Encode never touches the original mapped bytes,
// which is required here since that mapping is read-only.
func encodeProgHeaderTable(progs []*ecelf.ProgHeader) ([]byte, error) {
	var out []byte
	for i, p := range progs {
		b, err := p.Encode()
		if err != nil {
			return nil, errors.Wrapf(err, "program header %d", i)
		}
		out = append(out, b...)
	}
	return out, nil
}

// createSiblingTemp opens a fresh, exclusively-created file next to path,
// incrementing a numeric suffix on collision, per §5's "suffix-incrementing"
// temp filename discipline.
func createSiblingTemp(path string) (*os.File, string, error) {
	dir, base := filepath.Split(path)
	for i := 0; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf(".%s.reinject.%d", base, i))
		f, err := os.OpenFile(candidate, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return f, candidate, nil
		}
		if !os.IsExist(err) {
			return nil, "", errors.Wrap(err, "create temporary sibling file")
		}
	}
	return nil, "", errors.New("exhausted temporary filename suffixes")
}

// MapLibraryText memory-maps n bytes anonymously so a library's text image
// can be assembled without an intervening heap allocation, per §4.5's
// resource-discipline note; the caller must call UnmapLibraryText once the bytes have
// been handed to Text.
func MapLibraryText(n int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "mmap anonymous library text buffer")
	}
	return b, nil
}

// UnmapLibraryText releases a buffer obtained from MapLibraryText.
func UnmapLibraryText(b []byte) error {
	return unix.Munmap(b)
}
