// Package notes decodes a core file's PT_NOTE segment into thread
// register state, process info, signal info, the auxiliary vector, the
// floating point register set, and the NT_FILE mapping table.
package notes

import (
	"debug/elf"
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
)

// Expected descriptor sizes for the fixed-size note types, per the Linux
// kernel's core dump ABI (include/linux/elfcore.h). A note whose descsz
// doesn't match is logged and skipped rather than treated as fatal.
const (
	PrStatusSize64 = 336
	PrStatusSize32 = 144
	PrpsinfoSize64 = 136
	PrpsinfoSize32 = 124
	SiginfoSize    = 128
	FpregsetSize64 = 512
	FpregsetSize32 = 108

	// PrArgsSize is ELF_PRARGSZ: the fixed width of the argument list
	// embedded in NT_PRPSINFO, per §4.6 item 7.
	PrArgsSize = 80
	fnameSize  = 16
)

// ThreadState is one thread's decoded PRSTATUS note. The register file
// inside Raw is architecture-dependent and is carried opaquely: nothing
// downstream of the note parser needs to interpret individual registers,
// only to relocate the note's bytes into the reconstructed file.
type ThreadState struct {
	Raw []byte
}

// ProcessState is the per-core (not per-thread) process-wide state
// decoded from the note segment.
type ProcessState struct {
	Leader   ThreadState // == Threads[0]
	Prpsinfo []byte
	Siginfo  []byte
	Fpregset []byte
	Auxv     []byte
	NtFile   []NtFileEntry

	Fname  string // command basename, from NT_PRPSINFO's pr_fname
	Psargs [PrArgsSize]byte
}

// NtFileEntry is one decoded file-backed mapping from the NT_FILE note.
type NtFileEntry struct {
	Start, End, FileOfs uint64
	Path                string
}

// Decoded is the full result of parsing a note segment.
type Decoded struct {
	Threads []ThreadState
	Process ProcessState
}

// Parse decodes raw (a PT_NOTE segment's bytes) for the given ELF class
// and byte order.
func Parse(logger log.Logger, raw []byte, class ecelf.Class, order binary.ByteOrder) (*Decoded, error) {
	rawNotes, err := ecelf.ParseNotes(raw, order)
	if err != nil {
		return nil, err
	}

	prStatusSize, prpsinfoSize, fpregsetSize := PrStatusSize64, PrpsinfoSize64, FpregsetSize64
	if !class.Is64() {
		prStatusSize, prpsinfoSize, fpregsetSize = PrStatusSize32, PrpsinfoSize32, FpregsetSize32
	}

	d := &Decoded{}
	for _, n := range rawNotes {
		switch n.Type {
		case elf.NT_PRSTATUS:
			if len(n.Desc) != prStatusSize {
				level.Warn(logger).Log("msg", "skipping NT_PRSTATUS with unexpected size", "got", len(n.Desc), "want", prStatusSize)
				continue
			}
			d.Threads = append(d.Threads, ThreadState{Raw: n.Desc})
		case elf.NT_PRPSINFO:
			if len(n.Desc) != prpsinfoSize {
				level.Warn(logger).Log("msg", "skipping NT_PRPSINFO with unexpected size", "got", len(n.Desc), "want", prpsinfoSize)
				continue
			}
			d.Process.Prpsinfo = n.Desc
			d.Process.Fname, d.Process.Psargs = decodePrpsinfoTail(n.Desc)
		case ntSiginfo:
			if len(n.Desc) != SiginfoSize {
				level.Warn(logger).Log("msg", "skipping NT_SIGINFO with unexpected size", "got", len(n.Desc), "want", SiginfoSize)
				continue
			}
			d.Process.Siginfo = n.Desc
		case elf.NT_FPREGSET:
			if len(n.Desc) != fpregsetSize {
				level.Warn(logger).Log("msg", "skipping NT_FPREGSET with unexpected size", "got", len(n.Desc), "want", fpregsetSize)
				continue
			}
			d.Process.Fpregset = n.Desc
		case ntAuxv:
			d.Process.Auxv = n.Desc
		case ntFile:
			entries, err := decodeNtFile(n.Desc, class, order)
			if err != nil {
				level.Warn(logger).Log("msg", "skipping malformed NT_FILE note", "err", err)
				continue
			}
			d.Process.NtFile = entries
		default:
			// unrecognized note type: not one of the six the pipeline needs.
		}
	}
	if len(d.Threads) > 0 {
		d.Process.Leader = d.Threads[0]
	}
	return d, nil
}

// NT_AUXV, NT_FILE, and NT_SIGINFO aren't in debug/elf; values per binfmt_elf.c.
const (
	ntAuxv    elf.NType = 6
	ntFile    elf.NType = 0x46494c45
	ntSiginfo elf.NType = 0x53494749
)

// decodePrpsinfoTail extracts pr_fname and pr_psargs, which are always the
// last two members of struct elf_prpsinfo regardless of earlier padding,
// so slicing from the end is robust without modeling the whole struct.
func decodePrpsinfoTail(desc []byte) (string, [PrArgsSize]byte) {
	var args [PrArgsSize]byte
	if len(desc) < fnameSize+PrArgsSize {
		return "", args
	}
	tail := desc[len(desc)-fnameSize-PrArgsSize:]
	fname := trimNul(tail[:fnameSize])
	copy(args[:], tail[fnameSize:])
	return fname, args
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// decodeNtFile decodes the NT_FILE descriptor: count, page_size, then
// count (start,end,file_ofs) triples, then count NUL-terminated paths.
func decodeNtFile(desc []byte, class ecelf.Class, order binary.ByteOrder) ([]NtFileEntry, error) {
	w := class.WordSize()
	if len(desc) < 2*w {
		return nil, errShortNtFile
	}
	count := readWord(desc[0:w], order, w)
	// page_size := readWord(desc[w:2*w], order, w) -- not needed downstream.
	off := 2 * w

	entries := make([]NtFileEntry, count)
	for i := uint64(0); i < count; i++ {
		if off+3*w > len(desc) {
			return nil, errShortNtFile
		}
		entries[i].Start = readWord(desc[off:off+w], order, w)
		entries[i].End = readWord(desc[off+w:off+2*w], order, w)
		entries[i].FileOfs = readWord(desc[off+2*w:off+3*w], order, w)
		off += 3 * w
	}
	for i := uint64(0); i < count && off < len(desc); i++ {
		start := off
		for off < len(desc) && desc[off] != 0 {
			off++
		}
		entries[i].Path = string(desc[start:off])
		off++ // skip NUL
	}
	return entries, nil
}

func readWord(b []byte, order binary.ByteOrder, w int) uint64 {
	if w == 8 {
		return order.Uint64(b)
	}
	return uint64(order.Uint32(b))
}
