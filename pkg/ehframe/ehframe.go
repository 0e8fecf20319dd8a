// Package ehframe walks the Call Frame Information records of a .eh_frame
// section to recover one (address, size) pair per function, without
// interpreting the unwind opcodes themselves. It implements just enough
// of DWARF's CIE/FDE framing (§6.4 of the DWARF5 spec, as constrained by
// the LSB's eh_frame extensions) to read each FDE's initial_location and
// address_range fields.
package ehframe

import (
	"encoding/binary"
	"fmt"
)

// FDE is one recovered Frame Description Entry, reduced to the two
// fields the local symbol reconstructor needs.
type FDE struct {
	Addr uint64
	Size uint64
}

// Walker enumerates FDEs in a .eh_frame section. It is an interface
// rather than a bare function so the local symbol reconstructor can be
// given an alternate implementation (a cached walker, a fuzzing harness)
// without caring which one it's holding.
type Walker interface {
	Walk(data []byte, vaddr uint64, ptrSize int) ([]FDE, error)
}

// DWARFWalker is the default Walker, a direct CIE/FDE reader.
type DWARFWalker struct{}

// NewWalker returns the default Walker implementation.
func NewWalker() Walker { return DWARFWalker{} }

type cieInfo struct {
	fdeEnc byte
}

// Walk scans data (a .eh_frame section's raw bytes, mapped at vaddr) and
// returns one FDE per frame description entry found. A CIE/FDE it can't
// parse aborts the scan and returns everything recovered so far alongside
// the error; callers that want "zero symbols rather than fail" per the
// caller's own fallback policy just discard a non-nil error.
func (DWARFWalker) Walk(data []byte, vaddr uint64, ptrSize int) ([]FDE, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("ehframe: unsupported pointer size %d", ptrSize)
	}
	cies := make(map[uint64]cieInfo)
	var fdes []FDE

	pos := 0
	for pos+4 <= len(data) {
		start := pos
		length := binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4
		if length == 0 {
			break // terminator entry
		}
		if length == 0xffffffff {
			return fdes, fmt.Errorf("ehframe: 64-bit DWARF initial length not supported at offset %d", start)
		}
		entryEnd := pos + int(length)
		if entryEnd > len(data) || entryEnd < pos {
			return fdes, fmt.Errorf("ehframe: entry at offset %d overruns section", start)
		}
		if pos+4 > entryEnd {
			return fdes, fmt.Errorf("ehframe: truncated entry at offset %d", start)
		}
		idPos := pos
		cieOrFdePtr := binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4

		if cieOrFdePtr == 0 {
			enc, err := parseCIE(data[pos:entryEnd], ptrSize)
			if err != nil {
				return fdes, fmt.Errorf("ehframe: CIE at offset %d: %w", start, err)
			}
			cies[uint64(start)] = cieInfo{fdeEnc: enc}
		} else {
			ciePos := uint64(idPos) - uint64(cieOrFdePtr)
			fdeEnc := byte(0x1b) // DW_EH_PE_sdata4 | pcrel, the overwhelmingly common case
			if cie, ok := cies[ciePos]; ok {
				fdeEnc = cie.fdeEnc
			}
			fde, err := parseFDE(data[pos:entryEnd], vaddr+uint64(pos), fdeEnc, ptrSize)
			if err != nil {
				return fdes, fmt.Errorf("ehframe: FDE at offset %d: %w", start, err)
			}
			fdes = append(fdes, fde)
		}
		pos = entryEnd
	}
	return fdes, nil
}

// parseCIE reads just enough of a Common Information Entry to recover
// the augmentation's 'R' byte: the pointer encoding every FDE that
// references this CIE uses for its initial_location field.
func parseCIE(b []byte, ptrSize int) (byte, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("empty CIE body")
	}
	ver := b[0]
	pos := 1
	augStart := pos
	for pos < len(b) && b[pos] != 0 {
		pos++
	}
	if pos >= len(b) {
		return 0, fmt.Errorf("unterminated augmentation string")
	}
	aug := string(b[augStart:pos])
	pos++ // skip NUL

	if ver == 4 {
		pos += 2 // address_size, segment_selector_size
	}
	if pos >= len(b) {
		return 0, fmt.Errorf("CIE truncated before code_alignment_factor")
	}
	_, n := decodeULEB(b[pos:])
	pos += n
	_, n = decodeSLEB(b[pos:])
	pos += n
	if ver == 1 {
		pos++
	} else {
		_, n = decodeULEB(b[pos:])
		pos += n
	}

	fdeEnc := byte(0x0b)
	if len(aug) > 0 && aug[0] == 'z' {
		_, n = decodeULEB(b[pos:])
		pos += n
		for _, ch := range aug[1:] {
			switch ch {
			case 'L':
				if pos >= len(b) {
					return 0, fmt.Errorf("CIE truncated in 'L' augmentation")
				}
				pos++ // LSDA pointer encoding byte; value itself lives in the FDE
			case 'R':
				if pos >= len(b) {
					return 0, fmt.Errorf("CIE truncated in 'R' augmentation")
				}
				fdeEnc = b[pos]
				pos++
			case 'P':
				if pos >= len(b) {
					return 0, fmt.Errorf("CIE truncated in 'P' augmentation")
				}
				enc := b[pos]
				pos++
				sz := encodedFieldSize(enc, ptrSize)
				pos += sz
			case 'S':
				// signal-frame marker, carries no extra bytes.
			default:
				return 0, fmt.Errorf("unsupported augmentation character %q", ch)
			}
		}
	}
	return fdeEnc, nil
}

// parseFDE reads the initial_location and address_range fields using the
// pointer encoding cieEnc specifies. fieldVaddr is the virtual address of
// the first byte of this FDE's body, needed to resolve a pc-relative
// initial_location.
func parseFDE(b []byte, fieldVaddr uint64, cieEnc byte, ptrSize int) (FDE, error) {
	addr, n, err := decodeEncoded(b, cieEnc, fieldVaddr, ptrSize)
	if err != nil {
		return FDE{}, fmt.Errorf("initial_location: %w", err)
	}
	b = b[n:]
	rangeEnc := cieEnc & (encFormatMask | encSignedMask) // length is never pc-relative
	size, _, err := decodeEncoded(b, rangeEnc, 0, ptrSize)
	if err != nil {
		return FDE{}, fmt.Errorf("address_range: %w", err)
	}
	return FDE{Addr: addr, Size: size}, nil
}

const (
	encFormatMask  = 0x07
	encSignedMask  = 0x08
	encAdjustMask  = 0x70
	encAdjustPcRel = 0x10
	encOmit        = 0xff
)

// encodedFieldSize returns the byte width of one DW_EH_PE-encoded field,
// used only to skip over the CIE's personality-routine pointer.
func encodedFieldSize(enc byte, ptrSize int) int {
	switch enc & encFormatMask {
	case 0x02:
		return 2
	case 0x03:
		return 4
	case 0x04:
		return 8
	default:
		return ptrSize
	}
}

// decodeEncoded reads one DW_EH_PE-encoded value from the front of b,
// returning its resolved value (after any pc-relative adjustment) and the
// number of bytes consumed.
func decodeEncoded(b []byte, enc byte, pcRelBase uint64, ptrSize int) (uint64, int, error) {
	if enc == encOmit {
		return 0, 0, nil
	}
	var raw uint64
	var n int
	switch enc & encFormatMask {
	case 0x00: // native pointer width
		if ptrSize == 8 {
			if len(b) < 8 {
				return 0, 0, fmt.Errorf("short native8 field")
			}
			raw, n = binary.LittleEndian.Uint64(b[:8]), 8
		} else {
			if len(b) < 4 {
				return 0, 0, fmt.Errorf("short native4 field")
			}
			raw, n = uint64(binary.LittleEndian.Uint32(b[:4])), 4
		}
	case 0x01: // uleb128
		v, w := decodeULEB(b)
		raw, n = v, w
	case 0x02:
		if len(b) < 2 {
			return 0, 0, fmt.Errorf("short data2 field")
		}
		raw, n = uint64(binary.LittleEndian.Uint16(b[:2])), 2
	case 0x03:
		if len(b) < 4 {
			return 0, 0, fmt.Errorf("short data4 field")
		}
		raw, n = uint64(binary.LittleEndian.Uint32(b[:4])), 4
	case 0x04:
		if len(b) < 8 {
			return 0, 0, fmt.Errorf("short data8 field")
		}
		raw, n = binary.LittleEndian.Uint64(b[:8]), 8
	default:
		return 0, 0, fmt.Errorf("unsupported dwarf pointer format %#x", enc&encFormatMask)
	}

	value := raw
	if enc&encSignedMask != 0 {
		value = signExtend(raw, n)
	}
	if enc&encAdjustMask == encAdjustPcRel {
		value = pcRelBase + value
	}
	return value, n, nil
}

func signExtend(v uint64, width int) uint64 {
	shift := uint(64 - width*8)
	return uint64(int64(v<<shift) >> shift)
}
