package elf

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNotesRoundTrip(t *testing.T) {
	want := []RawNote{
		{Type: elf.NT_PRSTATUS, Name: "CORE", Desc: []byte{1, 2, 3}},
		{Type: elf.NType(6) /* NT_AUXV */, Name: "CORE", Desc: []byte{4, 5, 6, 7, 8}},
	}
	var raw []byte
	for _, n := range want {
		raw = append(raw, EncodeNote(n, binary.LittleEndian)...)
	}

	got, err := ParseNotes(raw, binary.LittleEndian)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Type, got[i].Type)
		require.Equal(t, want[i].Name, got[i].Name)
		require.Equal(t, want[i].Desc, got[i].Desc)
	}
}

func TestParseNotesIgnoresTrailingZeroPadding(t *testing.T) {
	n := RawNote{Type: elf.NT_PRPSINFO, Name: "CORE", Desc: []byte{9}}
	raw := EncodeNote(n, binary.LittleEndian)
	raw = append(raw, make([]byte, 64)...) // kernel pads the note segment to a page

	got, err := ParseNotes(raw, binary.LittleEndian)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, n.Desc, got[0].Desc)
}
