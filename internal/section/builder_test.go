package section

import (
	"testing"

	"github.com/stretchr/testify/require"

	ecelf "github.com/elfcore-go/ecore/internal/elf"
	"github.com/elfcore-go/ecore/internal/layout"
	"github.com/elfcore-go/ecore/internal/procfs"
)

func TestBuilderAddAndLink(t *testing.T) {
	b := newBuilder()
	require.Len(t, b.headers, 1) // the NULL section

	symtab := b.add(".symtab", ecelf.SectionHeader{})
	strtab := b.add(".strtab", ecelf.SectionHeader{})
	b.linkTo(symtab, ".strtab")

	require.Equal(t, uint32(strtab), b.headers[symtab].Link)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, uint64(16), alignUp(1, 16))
	require.Equal(t, uint64(16), alignUp(16, 16))
	require.Equal(t, uint64(32), alignUp(17, 16))
	require.Equal(t, uint64(5), alignUp(5, 0))
}

func TestAddLibrarySectionsNamesByPerm(t *testing.T) {
	b := newBuilder()
	libs := []layout.LibraryRecord{
		{ShortName: "libc.so.6", Perms: procfs.PermRead | procfs.PermExec},
		{ShortName: "libc.so.6", Perms: procfs.PermRead | procfs.PermWrite},
		{ShortName: "libc.so.6", Perms: procfs.PermRead},
	}
	addLibrarySections(b, libs)

	require.Equal(t, []string{"", "libc.so.6.text", "libc.so.6.data.0", "libc.so.6.relro"}, b.names)
}

func TestRelaEntsizeByClass(t *testing.T) {
	require.EqualValues(t, 24, relaEntsize(ecelf.ELFCLASS64))
	require.EqualValues(t, 12, relaEntsize(ecelf.ELFCLASS32))
}

func TestSizeOrFallbackDefaultsWhenSectionAbsent(t *testing.T) {
	img := &ecelf.Image{} // no File set: SectionByName returns nil
	require.EqualValues(t, fallbackSize, sizeOrFallback(img, ".init"))
}
