package procfs

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ReadVM reads n bytes at virtual address base from pid's memory, via
// /proc/pid/mem. The target is stopped with SIGSTOP before the read and
// resumed with SIGCONT after, matching the original tool's discipline of
// never reading a moving target. The STOP/CONT pair brackets only this
// one read; it is not held across multiple calls.
func ReadVM(pid int, base uint64, n int) ([]byte, error) {
	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		return nil, errors.Wrapf(err, "stop pid %d", pid)
	}
	defer func() {
		_ = unix.Kill(pid, unix.SIGCONT)
	}()

	f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, errors.Wrapf(err, "open mem for pid %d", pid)
	}
	defer f.Close()

	buf := allocHugePageFriendly(n)
	got, err := f.ReadAt(buf, int64(base))
	if err != nil && got == 0 {
		return nil, errors.Wrapf(err, "pread pid %d at %#x len %d", pid, base, n)
	}
	return buf[:got], nil
}

// allocHugePageFriendly rounds large allocations up to a multiple of 2MiB
// so the runtime's page allocator can back them with huge pages, avoiding
// TLB pressure when capturing a shared library's full text image (C6 may
// momentarily hold hundreds of megabytes).
func allocHugePageFriendly(n int) []byte {
	const hugePage = 2 << 20
	if n < hugePage {
		return make([]byte, n)
	}
	rounded := (n + hugePage - 1) &^ (hugePage - 1)
	return make([]byte, rounded)[:n]
}
