package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// OS implements Processes with signals.
type OS struct{}

// Alive sends signal 0, which checks existence and permission without delivering anything.
func (OS) Alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// Terminate sends SIGTERM. A process that is already gone is not an error.
func (OS) Terminate(pid int) error {
	err := unix.Kill(pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
