package procfs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// MaxFds bounds the fd-info array written into the reconstructed core, per
// §4.1's "fd count is bounded at a fixed maximum".
const MaxFds = 256

// Protocol identifies the transport protocol of a socket fd, or None for
// a non-socket fd.
type Protocol int

const (
	ProtoNone Protocol = iota
	ProtoTCP
	ProtoUDP
)

// SocketTuple is the decoded local/remote address pair for a socket fd.
type SocketTuple struct {
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
	Protocol         Protocol
}

// FdInfo is one entry of the process's open file descriptor table.
type FdInfo struct {
	Fd       int
	Target   string // symlink target of /proc/pid/fd/<n>
	Socket   SocketTuple
	IsSocket bool
}

// ReadFdTable reads and resolves up to MaxFds open file descriptors for
// pid. Socket fds are cross-referenced against the TCP then UDP inode
// tables of the network subsystem's proc view; the first table
// containing the inode wins.
func ReadFdTable(fs procfs.FS, pid int) ([]FdInfo, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "open proc %d", pid)
	}
	fds, err := proc.FileDescriptors()
	if err != nil {
		return nil, errors.Wrapf(err, "list fds for pid %d", pid)
	}
	targets, err := proc.FileDescriptorTargets()
	if err != nil {
		return nil, errors.Wrapf(err, "resolve fd targets for pid %d", pid)
	}

	sockets, err := buildSocketIndex(fs)
	if err != nil {
		return nil, err
	}

	n := len(fds)
	if n > MaxFds {
		n = MaxFds
	}
	out := make([]FdInfo, 0, n)
	for i := 0; i < n; i++ {
		info := FdInfo{Fd: int(fds[i])}
		if i < len(targets) {
			info.Target = targets[i]
		}
		if inode, ok := socketInode(info.Target); ok {
			if tuple, found := sockets[inode]; found {
				info.IsSocket = true
				info.Socket = tuple
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// socketInode parses the "socket:[12345]" link target the kernel produces
// for /proc/pid/fd entries backed by a socket.
func socketInode(target string) (uint64, bool) {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	s := target[len("socket:[") : len(target)-1]
	inode, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

func buildSocketIndex(fs procfs.FS) (map[uint64]SocketTuple, error) {
	idx := make(map[uint64]SocketTuple)

	tcp, err := fs.NetTCP()
	if err != nil {
		return nil, errors.Wrap(err, "read net/tcp")
	}
	for _, line := range tcp {
		idx[line.Inode] = SocketTuple{
			SrcIP: line.LocalAddr.String(), SrcPort: uint16(line.LocalPort),
			DstIP: line.RemAddr.String(), DstPort: uint16(line.RemPort),
			Protocol: ProtoTCP,
		}
	}

	udp, err := fs.NetUDP()
	if err != nil {
		return nil, errors.Wrap(err, "read net/udp")
	}
	for _, line := range udp {
		if _, exists := idx[line.Inode]; exists {
			continue // TCP table wins ties, per the lookup-order contract
		}
		idx[line.Inode] = SocketTuple{
			SrcIP: line.LocalAddr.String(), SrcPort: uint16(line.LocalPort),
			DstIP: line.RemAddr.String(), DstPort: uint16(line.RemPort),
			Protocol: ProtoUDP,
		}
	}
	return idx, nil
}

func (f FdInfo) String() string {
	if !f.IsSocket {
		return fmt.Sprintf("fd=%d target=%q", f.Fd, f.Target)
	}
	return fmt.Sprintf("fd=%d socket=%s:%d->%s:%d", f.Fd, f.Socket.SrcIP, f.Socket.SrcPort, f.Socket.DstIP, f.Socket.DstPort)
}
