package proxy

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/guseggert/tether/session"
)

// Spawner starts a detached daemon for a session.
// Spawn returns once the daemon process has been started; it does not wait for it to become ready.
type Spawner interface {
	Spawn(paths session.Paths) error
}

// ExecSpawner re-executes a tether binary with the "run" command in a new session,
// with its stdio on the null device.
type ExecSpawner struct {
	// Path is the binary to run. Defaults to the current executable.
	Path        string
	LogLevel    string
	IdleTimeout time.Duration
}

func (s *ExecSpawner) args(paths session.Paths) []string {
	var args []string
	if s.LogLevel != "" {
		args = append(args, "--log-level", s.LogLevel)
	}
	args = append(args,
		"run",
		"--log-file", paths.LogFile,
		"--pid-file", paths.PIDFile,
		"--stdin-socket", paths.InputSocket,
		"--stdout-socket", paths.OutputSocket,
		"--stderr-socket", paths.DiagnosticSocket,
	)
	if s.IdleTimeout > 0 {
		args = append(args, "--idle-timeout", s.IdleTimeout.String())
	}
	return args
}

func (s *ExecSpawner) Spawn(paths session.Paths) error {
	exe := s.Path
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("finding current executable: %w", err)
		}
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, s.args(paths)...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	// the server outlives us, but reap it if it exits first
	go func() { _ = cmd.Wait() }()
	return nil
}
