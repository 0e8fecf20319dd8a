package layout

import (
	"path/filepath"

	"github.com/elfcore-go/ecore/internal/notes"
	"github.com/elfcore-go/ecore/internal/procfs"
)

// buildLibraries derives one LibraryRecord per shared-object mapping,
// merging the live memory map (for permissions and size) with the
// NT_FILE table (for the file offset of that mapping within the shared
// object, needed later to tell a library's text mapping apart from its
// data/relro mappings).
func buildLibraries(mappings []procfs.MemoryMap, ntfile []notes.NtFileEntry, injected func(path string) bool) []LibraryRecord {
	var out []LibraryRecord
	for _, m := range mappings {
		if m.Kind != procfs.KindSharedObject {
			continue
		}
		rec := LibraryRecord{
			Path:      m.Pathname,
			ShortName: filepath.Base(m.Pathname),
			Base:      m.Base,
			Size:      m.Size(),
			Perms:     m.Perms,
		}
		for _, e := range ntfile {
			if e.Start == m.Base && filepath.Base(e.Path) == rec.ShortName {
				rec.FileOffset = e.FileOfs
				break
			}
		}
		if injected != nil {
			rec.Injected = injected(m.Pathname)
		}
		out = append(out, rec)
	}
	return out
}
