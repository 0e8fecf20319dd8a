// Package procfs reads the live state of the process that is dumping
// core: its memory mappings, open file descriptors (including sockets),
// executable path, and arbitrary virtual-address ranges read through
// /proc/pid/mem. It builds on github.com/prometheus/procfs for the
// structured reads and golang.org/x/sys/unix for the STOP/CONT signal
// discipline around long /proc/pid/mem reads.
package procfs

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/samber/lo"
)

// Kind classifies one memory mapping. Classification is exclusive: exactly
// one Kind wins per region, decided by the same priority order the
// original tool uses (annotation first, then path suffix, then raw perms).
type Kind int

const (
	KindOther Kind = iota
	KindHeap
	KindStack
	KindThreadStack
	KindVDSO
	KindVsyscall
	KindPadding
	KindSharedObject
	KindExecutableFileMap
	KindOtherFileMap
	KindAnonymousExec
	KindSpecial
)

// Perm is a bitset of read/write/execute permissions for a mapping.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) Has(f Perm) bool { return p&f != 0 }

// MemoryMap is one entry of a process's virtual address space, decoded
// from /proc/pid/maps.
type MemoryMap struct {
	Base, End uint64
	Perms     Perm
	Kind      Kind
	Pathname  string
	// ThreadID is set only for KindThreadStack, carrying the tid out of
	// the "[stack:TID]" annotation.
	ThreadID int
}

func (m MemoryMap) Size() uint64 { return m.End - m.Base }

// ReadMappings reads and classifies the memory map of pid. Entries are
// returned in /proc/pid/maps order; classification never re-indexes the
// result by thread id (a past bug in the tool this pipeline descends
// from indexed the map array by the parsed tid instead of the region's
// position, corrupting lookups once a tid exceeded the map count).
func ReadMappings(fs procfs.FS, pid int) ([]MemoryMap, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "open proc %d", pid)
	}
	raw, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "read maps for pid %d", pid)
	}
	return lo.Map(raw, func(pm *procfs.ProcMap, _ int) MemoryMap { return classify(pm) }), nil
}

func classify(pm *procfs.ProcMap) MemoryMap {
	m := MemoryMap{
		Base:     uint64(pm.StartAddr),
		End:      uint64(pm.EndAddr),
		Pathname: strings.TrimSpace(pm.Pathname),
	}
	if pm.Perms != nil {
		if pm.Perms.Read {
			m.Perms |= PermRead
		}
		if pm.Perms.Write {
			m.Perms |= PermWrite
		}
		if pm.Perms.Execute {
			m.Perms |= PermExec
		}
	}

	switch {
	case m.Pathname == "[heap]":
		m.Kind = KindHeap
	case m.Pathname == "[stack]":
		m.Kind = KindStack
	case strings.HasPrefix(m.Pathname, "[stack:"):
		m.Kind = KindThreadStack
		m.ThreadID = parseStackTID(m.Pathname)
	case m.Pathname == "[vdso]":
		m.Kind = KindVDSO
	case m.Pathname == "[vsyscall]":
		m.Kind = KindVsyscall
	case m.Perms == 0 && m.Pathname == "":
		m.Kind = KindPadding
	case isSharedObjectPath(m.Pathname):
		m.Kind = KindSharedObject
	case m.Pathname != "" && m.Perms.Has(PermExec):
		m.Kind = KindExecutableFileMap
	case m.Pathname != "":
		m.Kind = KindOtherFileMap
	case m.Pathname == "" && m.Perms.Has(PermExec):
		m.Kind = KindAnonymousExec
	default:
		m.Kind = KindOther
	}
	return m
}

func isSharedObjectPath(path string) bool {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.Contains(base, ".so")
}

// parseStackTID extracts TID from a "[stack:TID]" annotation, returning 0
// if it cannot be parsed (the region is still classified as a thread
// stack; only the tid association is lost).
func parseStackTID(annotation string) int {
	s := strings.TrimPrefix(annotation, "[stack:")
	s = strings.TrimSuffix(s, "]")
	tid, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return tid
}
