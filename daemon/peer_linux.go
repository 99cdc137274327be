package daemon

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// peerPID returns the PID of the process that dialed c, or 0 if it cannot be determined.
func peerPID(c net.Conn) int {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return 0
	}
	return int(cred.Pid)
}
