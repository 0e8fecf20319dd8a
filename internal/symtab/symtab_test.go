package symtab

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
	"github.com/elfcore-go/ecore/internal/section"
	"github.com/elfcore-go/ecore/pkg/ehframe"
)

func TestEncodeSymbolsNamesAndSizes(t *testing.T) {
	fdes := []ehframe.FDE{{Addr: 0x401000, Size: 0x20}, {Addr: 0x401100, Size: 0x10}}
	symtab, strtab := encodeSymbols(fdes, ecelf.ELFCLASS64, binary.LittleEndian, 3, nil)

	require.Len(t, symtab, 3*ecelf.SymbolRecordSize(ecelf.ELFCLASS64))
	require.Contains(t, string(strtab), "sub_401000")
	require.Contains(t, string(strtab), "sub_401100")
}

func TestEncodeSymbolsPrefersKnownDemangledName(t *testing.T) {
	fdes := []ehframe.FDE{{Addr: 0x401000, Size: 0x20}}
	known := map[uint64]string{0x401000: "_Z3fooi"}
	_, strtab := encodeSymbols(fdes, ecelf.ELFCLASS64, binary.LittleEndian, 3, known)

	require.Contains(t, string(strtab), "foo(int)")
	require.NotContains(t, string(strtab), "sub_401000")
}

func TestSectionTableIndexOf(t *testing.T) {
	st := &section.Table{Names: []string{"", ".text", ".got.plt"}}
	idx, ok := st.IndexOf(".got.plt")
	require.True(t, ok)
	require.Equal(t, 2, idx)

	_, ok = st.IndexOf(".missing")
	require.False(t, ok)
}
