package notes

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
)

func TestNtFileRoundTrip(t *testing.T) {
	entries := []NtFileEntry{
		{Start: 0x400000, End: 0x401000, FileOfs: 0, Path: "/usr/bin/hello"},
		{Start: 0x7f0000000000, End: 0x7f0000200000, FileOfs: 0, Path: "/lib/libc.so.6"},
	}
	encoded := EncodeNtFile(entries, ecelf.ELFCLASS64, binary.LittleEndian)

	got, err := decodeNtFile(encoded, ecelf.ELFCLASS64, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, entries, got)

	reencoded := EncodeNtFile(got, ecelf.ELFCLASS64, binary.LittleEndian)
	require.Equal(t, encoded, reencoded)
}

func TestProcessStateLookups(t *testing.T) {
	ps := ProcessState{NtFile: []NtFileEntry{
		{Start: 0x1000, End: 0x2000, Path: "/usr/bin/hello"},
		{Start: 0x2000, End: 0x3000, Path: "/lib/libc.so.6"},
	}}
	e, ok := ps.ByBase(0x2000)
	require.True(t, ok)
	require.Equal(t, "/lib/libc.so.6", e.Path)

	e, ok = ps.ByBasename("hello")
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), e.Start)

	_, ok = ps.ByBasename("nope")
	require.False(t, ok)
}
