// Package core loads and validates the kernel-produced ELF core file: it
// memory-maps the file, confirms it really is a core dump of the expected
// class, and indexes the program header table and note segment. The
// segment reinjector (internal/reinject) rewrites the file in place; after
// that rewrite the caller discards the stale Core and calls Load again
// for a fresh mapping, rather than mutating one in place.
package core

import (
	"debug/elf"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
)

// Core is a memory-mapped, validated core file.
type Core struct {
	path string
	data []byte
	fd   *os.File

	Image       *ecelf.Image
	NoteSegment *ecelf.ProgHeader
	Size        int64
}

// Load mmaps path read-only and validates it as an ELF core file.
func Load(path string) (*Core, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open core file %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat core file")
	}
	if st.Size() == 0 {
		f.Close()
		return nil, errors.New("core file is empty")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap core file")
	}

	img, err := ecelf.Open(data)
	if err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, errors.Wrap(err, "parse core file")
	}
	if img.Ehdr.Type != elf.ET_CORE {
		_ = unix.Munmap(data)
		f.Close()
		return nil, errors.Errorf("input is not a core file (e_type=%v)", img.Ehdr.Type)
	}
	note, err := ecelf.FindNoteSegment(img.Progs)
	if err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, errors.Wrap(err, "locate note segment")
	}

	return &Core{
		path: path, data: data, fd: f,
		Image: img, NoteSegment: note, Size: st.Size(),
	}, nil
}

// Close unmaps the file and releases the file handle.
func (c *Core) Close() error {
	err := unix.Munmap(c.data)
	if cerr := c.fd.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reload discards this mapping and re-opens the file at the same path --
// used after the segment reinjector has rewritten it via write-then-rename,
// since that produces an entirely new inode the old mapping knows nothing
// about.
func (c *Core) Reload() (*Core, error) {
	if err := c.Close(); err != nil {
		return nil, errors.Wrap(err, "close stale core mapping")
	}
	return Load(c.path)
}

// Path returns the filesystem path this Core was loaded from.
func (c *Core) Path() string { return c.path }

// NoteBytes returns the raw bytes of the note segment.
func (c *Core) NoteBytes() []byte {
	off := c.NoteSegment.Off
	sz := c.NoteSegment.Filesz
	return c.data[off : off+sz]
}
