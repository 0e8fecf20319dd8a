package procfs

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ExePath resolves the on-disk executable path of pid, reading the
// /proc/pid/exe symlink twice (readlink-of-readlink) to defeat symbolic
// layers such as a shebang wrapper or a bind-mounted rootfs link chain.
func ExePath(pid int) (string, error) {
	first, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", errors.Wrapf(err, "readlink exe for pid %d", pid)
	}
	second, err := os.Readlink(first)
	if err != nil {
		// first is already a real path, not another symlink; that's fine.
		return first, nil
	}
	return second, nil
}
