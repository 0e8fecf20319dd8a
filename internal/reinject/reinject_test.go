package reinject

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
)

// buildMinimalCoreBytes assembles a tiny, well-formed little-endian ELF64
// core image with two PT_LOAD segments (text then data) back to back, just
// enough for ParseHeader/ProgramHeaders to round-trip against.
func buildMinimalCoreBytes(t *testing.T) []byte {
	t.Helper()
	const (
		ehsize    = 64
		phentsize = 56
		phnum     = 2
		phoff     = ehsize
		textOff   = phoff + phentsize*phnum
		textSize  = 64
		dataOff   = textOff + textSize
		dataSize  = 32
	)

	buf := make([]byte, dataOff+dataSize)
	hdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1},
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Phoff:     phoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     phnum,
	}
	var hb bytes.Buffer
	require.NoError(t, binary.Write(&hb, binary.LittleEndian, &hdr))
	copy(buf, hb.Bytes())

	text := elf.Prog64{Type: uint32(elf.PT_LOAD), Off: textOff, Vaddr: 0x400000, Filesz: 4096, Memsz: textSize, Flags: uint32(elf.PF_X | elf.PF_R)}
	data := elf.Prog64{Type: uint32(elf.PT_LOAD), Off: dataOff, Vaddr: 0x600000, Filesz: dataSize, Memsz: dataSize, Flags: uint32(elf.PF_W | elf.PF_R)}
	var pb bytes.Buffer
	require.NoError(t, binary.Write(&pb, binary.LittleEndian, &text))
	require.NoError(t, binary.Write(&pb, binary.LittleEndian, &data))
	copy(buf[phoff:], pb.Bytes())

	return buf
}

func TestEncodeProgHeaderTableRoundTrip(t *testing.T) {
	raw := buildMinimalCoreBytes(t)
	h, err := ecelf.ParseHeader(raw)
	require.NoError(t, err)
	progs, err := ecelf.ProgramHeaders(raw, h)
	require.NoError(t, err)
	require.Len(t, progs, 2)

	progs[0].Filesz = progs[0].Memsz
	progs[1].Off += 1000

	out, err := encodeProgHeaderTable(progs)
	require.NoError(t, err)
	require.Len(t, out, 2*56)

	// The mutation must not have touched the original mapped bytes: Encode
	// builds a fresh buffer rather than writing through raw.
	untouched, err := ecelf.ParseHeader(raw)
	require.NoError(t, err)
	untouchedProgs, err := ecelf.ProgramHeaders(raw, untouched)
	require.NoError(t, err)
	require.EqualValues(t, 64, untouchedProgs[0].Filesz)
}

func TestCreateSiblingTempIncrementsSuffix(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "core.1234")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))

	f1, p1, err := createSiblingTemp(target)
	require.NoError(t, err)
	defer f1.Close()
	require.Equal(t, filepath.Join(dir, ".core.1234.reinject.0"), p1)

	f2, p2, err := createSiblingTemp(target)
	require.NoError(t, err)
	defer f2.Close()
	require.Equal(t, filepath.Join(dir, ".core.1234.reinject.1"), p2)
	require.NotEqual(t, p1, p2)
}
