// Package pidfile tracks the single daemon instance that owns a session.
//
// The PID file holds the decimal process id of the daemon. A file naming a
// process that no longer exists is stale and is removed when it is checked.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/guseggert/tether/session"
	"go.uber.org/zap"
)

// Processes probes and terminates OS processes by id.
type Processes interface {
	// Alive reports whether a process with this id exists and can be signaled.
	Alive(pid int) bool
	// Terminate asks the process to exit.
	Terminate(pid int) error
}

type Registry struct {
	Processes Processes
	Log       *zap.SugaredLogger
}

// New returns a Registry backed by the real process table.
func New(log *zap.SugaredLogger) *Registry {
	return &Registry{Processes: OS{}, Log: log.Named("pidfile")}
}

func (r *Registry) log() *zap.SugaredLogger {
	if r.Log == nil {
		return zap.NewNop().Sugar()
	}
	return r.Log
}

// Read returns the pid stored at path, or false if the file is absent or does not hold a pid.
func Read(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Check returns the pid of the live process named by the file at path.
// A file naming a dead process is removed and reported as not running.
func (r *Registry) Check(path string) (int, bool, error) {
	pid, ok := Read(path)
	if !ok {
		return 0, false, nil
	}

	r.log().Debugf("checking if process with PID %d exists", pid)
	if r.Processes.Alive(pid) {
		r.log().Debugf("process with PID %d exists", pid)
		return pid, true, nil
	}

	r.log().Debugf("PID file names PID %d which does not exist, removing %s", pid, path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, false, fmt.Errorf("removing stale PID file: %w", err)
	}
	return 0, false, nil
}

// Write replaces the file at path with pid.
func (r *Registry) Write(path string, pid int) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing existing PID file: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".pid-*")
	if err != nil {
		return fmt.Errorf("creating temp PID file: %w", err)
	}
	tmp := f.Name()
	_, err = f.WriteString(strconv.Itoa(pid))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing temp PID file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming PID file into place: %w", err)
	}
	r.log().Debugf("wrote PID %d to %s", pid, path)
	return nil
}

// KillAndClean terminates pid and removes the session's PID file and sockets.
// The files are removed even if the signal could not be delivered; files that are already gone are ignored.
func (r *Registry) KillAndClean(pid int, paths session.Paths) {
	r.log().Infof("killing existing server with PID %d", pid)
	if err := r.Processes.Terminate(pid); err != nil {
		r.log().Warnf("failed to kill existing server with PID %d: %s", pid, err)
	}

	for _, file := range append([]string{paths.PIDFile}, paths.Sockets()...) {
		r.log().Debugf("cleaning up file %s before starting new server", file)
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log().Debugf("error removing %s: %s", file, err)
		}
	}
}

// RemoveIfOwner deletes the PID file only if it still names pid, and reports whether it did.
func RemoveIfOwner(path string, pid int) (bool, error) {
	current, ok := Read(path)
	if !ok || current != pid {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	return true, nil
}
