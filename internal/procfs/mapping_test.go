package procfs

import (
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
)

func rwx(r, w, x bool) *procfs.ProcMapPermissions {
	return &procfs.ProcMapPermissions{Read: r, Write: w, Execute: x, Private: true}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		pm   *procfs.ProcMap
		want Kind
	}{
		{"heap", &procfs.ProcMap{Pathname: "[heap]", Perms: rwx(true, true, false)}, KindHeap},
		{"stack", &procfs.ProcMap{Pathname: "[stack]", Perms: rwx(true, true, false)}, KindStack},
		{"thread-stack", &procfs.ProcMap{Pathname: "[stack:123]", Perms: rwx(true, true, false)}, KindThreadStack},
		{"vdso", &procfs.ProcMap{Pathname: "[vdso]", Perms: rwx(true, false, true)}, KindVDSO},
		{"vsyscall", &procfs.ProcMap{Pathname: "[vsyscall]", Perms: rwx(true, false, true)}, KindVsyscall},
		{"padding", &procfs.ProcMap{Pathname: "", Perms: rwx(false, false, false)}, KindPadding},
		{"shared-object", &procfs.ProcMap{Pathname: "/lib/x86_64-linux-gnu/libc.so.6", Perms: rwx(true, false, true)}, KindSharedObject},
		{"exec-file-map", &procfs.ProcMap{Pathname: "/usr/bin/hello", Perms: rwx(true, false, true)}, KindExecutableFileMap},
		{"other-file-map", &procfs.ProcMap{Pathname: "/usr/bin/hello", Perms: rwx(true, true, false)}, KindOtherFileMap},
		{"anon-exec", &procfs.ProcMap{Pathname: "", Perms: rwx(true, false, true)}, KindAnonymousExec},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classify(c.pm)
			require.Equal(t, c.want, got.Kind)
		})
	}
}

func TestParseStackTID(t *testing.T) {
	require.Equal(t, 4242, parseStackTID("[stack:4242]"))
	require.Equal(t, 0, parseStackTID("[stack:not-a-number]"))
}
