package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersonalityBits(t *testing.T) {
	cases := []struct {
		name       string
		lt         LayoutTable
		heuristics bool
		want       Personality
	}{
		{"dynamic-nonpie", LayoutTable{}, false, 0},
		{"static", LayoutTable{Static: true}, false, PersonalityStatic},
		{"pie", LayoutTable{PIE: true}, false, PersonalityPIE},
		{"heuristics", LayoutTable{}, true, PersonalityHeuristics},
		{"stripped", LayoutTable{StrippedShdrs: true}, false, PersonalityStripped},
		{"static+pie+heuristics+stripped", LayoutTable{Static: true, PIE: true, StrippedShdrs: true}, true,
			PersonalityStatic | PersonalityPIE | PersonalityHeuristics | PersonalityStripped},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, c.lt.Personality(c.heuristics))
		})
	}
}

func TestToFileOffsetPicksTextOrData(t *testing.T) {
	lt := &LayoutTable{
		Text: Entry{Vaddr: 0x1000, Offset: 0x100, Size: 0x1000},
		Data: Entry{Vaddr: 0x3000, Offset: 0x1200, Size: 0x1000},
	}
	off, ok := toFileOffset(lt, 0x1050)
	require.True(t, ok)
	require.Equal(t, uint64(0x150), off)

	off, ok = toFileOffset(lt, 0x3010)
	require.True(t, ok)
	require.Equal(t, uint64(0x1210), off)

	_, ok = toFileOffset(lt, 0x9000)
	require.False(t, ok)
}
