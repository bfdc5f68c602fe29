//go:build darwin

package access

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerPID reads the peer's pid via LOCAL_PEERPID.
func peerPID(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("syscall conn: %w", err)
	}
	var (
		pid    int
		pidErr error
	)
	if err := raw.Control(func(fd uintptr) {
		pid, pidErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	}); err != nil {
		return 0, fmt.Errorf("socket control: %w", err)
	}
	if pidErr != nil {
		return 0, fmt.Errorf("LOCAL_PEERPID: %w", pidErr)
	}
	return pid, nil
}

// osResolver resolves parent pids through sysctl kern.proc.pid.
type osResolver struct{}

func (osResolver) ParentPID(pid int) (int, error) {
	info, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return 0, fmt.Errorf("kern.proc.pid %d: %w", pid, err)
	}
	return int(info.Eproc.Ppid), nil
}
