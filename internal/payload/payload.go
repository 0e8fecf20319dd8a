// Package payload appends the auxiliary, file-tail-only records the
// reconstructed core needs but the kernel never wrote: per-thread
// register state, the resolved fd table, signal info, the auxiliary
// vector, the executable's path, a personality bit-field, and the
// original argument list. Everything here runs after the segment
// reinjector has rewritten and the core loader has reloaded the file, so
// every offset recorded is relative to a file that will not move again
// until the section synthesizer appends its own tables.
package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/elfcore-go/ecore/internal/core"
	"github.com/elfcore-go/ecore/internal/layout"
	"github.com/elfcore-go/ecore/internal/notes"
	"github.com/elfcore-go/ecore/internal/procfs"
)

// Region is a (file offset, size) pair within the output file.
type Region struct {
	Offset, Size uint64
}

// Table records where each appended region landed, for the section
// synthesizer to turn into section headers.
type Table struct {
	PrStatus    Region
	FdInfo      Region
	Siginfo     Region
	Auxv        Region
	ExePath     Region
	Personality Region
	ArgList     Region

	// TailOffset is stb_offset: the file offset immediately after the
	// last appended region, where the section header table belongs.
	TailOffset uint64
}

// fdRecordSize is the width of one synthesized FdInfo record; this layout
// is our own, since the kernel's core format has no equivalent.
const (
	ipFieldSize     = 46 // longest textual IPv6 representation plus slack
	targetFieldSize = 256
	fdRecordSize    = 4 + 1 + 1 + 2 + 2 + 2 + ipFieldSize*2 + targetFieldSize
)

// Append writes, in the exact order §4.6 specifies, the prstatus array,
// fd-info array, siginfo, auxv, exepath, personality record, and arglist
// to the end of c's backing file, and returns their recorded offsets.
func Append(logger log.Logger, c *core.Core, threads []notes.ThreadState, proc *notes.ProcessState, fds []procfs.FdInfo, exePath string, personality layout.Personality) (*Table, error) {
	f, err := os.OpenFile(c.Path(), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "reopen core file for append")
	}
	defer f.Close()

	pos, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return nil, errors.Wrap(err, "seek to core file tail")
	}

	t := &Table{}
	write := func(r *Region, b []byte) error {
		r.Offset = uint64(pos)
		r.Size = uint64(len(b))
		n, err := f.Write(b)
		if err != nil {
			return err
		}
		pos += int64(n)
		return nil
	}

	level.Debug(logger).Log("msg", "appending auxiliary payload", "startOffset", pos, "threads", len(threads), "fds", len(fds))

	if err := write(&t.PrStatus, encodePrStatus(threads)); err != nil {
		return nil, errors.Wrap(err, "write prstatus array")
	}
	if err := write(&t.FdInfo, encodeFdInfo(fds)); err != nil {
		return nil, errors.Wrap(err, "write fdinfo array")
	}
	if err := write(&t.Siginfo, fixedOrZero(proc.Siginfo, notes.SiginfoSize)); err != nil {
		return nil, errors.Wrap(err, "write siginfo")
	}
	if err := write(&t.Auxv, proc.Auxv); err != nil {
		return nil, errors.Wrap(err, "write auxv")
	}
	if err := write(&t.ExePath, append([]byte(exePath), 0)); err != nil {
		return nil, errors.Wrap(err, "write exepath")
	}
	if err := write(&t.Personality, encodePersonality(personality)); err != nil {
		return nil, errors.Wrap(err, "write personality record")
	}
	if err := write(&t.ArgList, proc.Psargs[:]); err != nil {
		return nil, errors.Wrap(err, "write arglist")
	}

	if err := f.Sync(); err != nil {
		return nil, errors.Wrap(err, "sync appended payload")
	}
	t.TailOffset = uint64(pos)
	return t, nil
}

// encodePrStatus concatenates every thread's raw PRSTATUS descriptor,
// thread 0 (the group leader) first, per §4.6 item 1 and invariant 6.
func encodePrStatus(threads []notes.ThreadState) []byte {
	var buf bytes.Buffer
	for _, th := range threads {
		buf.Write(th.Raw)
	}
	return buf.Bytes()
}

func encodeFdInfo(fds []procfs.FdInfo) []byte {
	buf := make([]byte, 0, len(fds)*fdRecordSize)
	for _, fd := range fds {
		var rec [fdRecordSize]byte
		binary.LittleEndian.PutUint32(rec[0:4], uint32(fd.Fd))
		if fd.IsSocket {
			rec[4] = 1
		}
		rec[5] = byte(fd.Socket.Protocol)
		binary.LittleEndian.PutUint16(rec[8:10], fd.Socket.SrcPort)
		binary.LittleEndian.PutUint16(rec[10:12], fd.Socket.DstPort)
		off := 12
		copy(rec[off:off+ipFieldSize], []byte(fd.Socket.SrcIP))
		off += ipFieldSize
		copy(rec[off:off+ipFieldSize], []byte(fd.Socket.DstIP))
		off += ipFieldSize
		copy(rec[off:off+targetFieldSize], []byte(fd.Target))
		buf = append(buf, rec[:]...)
	}
	return buf
}

func encodePersonality(p layout.Personality) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(p))
	return b[:]
}

// fixedOrZero returns b if it is already size bytes long, or a
// zero-filled buffer of that size otherwise -- a core whose NT_SIGINFO
// note was skipped for a size mismatch still gets a well-formed region.
func fixedOrZero(b []byte, size int) []byte {
	if len(b) == size {
		return b
	}
	return make([]byte, size)
}

func (t *Table) String() string {
	return fmt.Sprintf("prstatus=%+v fdinfo=%+v siginfo=%+v auxv=%+v exepath=%+v personality=%+v arglist=%+v tail=%d",
		t.PrStatus, t.FdInfo, t.Siginfo, t.Auxv, t.ExePath, t.Personality, t.ArgList, t.TailOffset)
}
