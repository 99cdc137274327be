// Package proxy connects a client's stdio to a session daemon, launching the daemon if needed.
//
// A proxy is short-lived: it attaches to the daemon's three rendezvous
// sockets, relays stdin frames to the input socket, output frames to stdout,
// and the raw diagnostic stream to stderr, and exits when any of those ends.
// The daemon outlives it and keeps queued messages for the next proxy.
package proxy

import (
	"context"
	"errors"
	"io"
)

// ExitCodeServerNotRunning is the proxy's exit code when a reconnect finds no daemon.
const ExitCodeServerNotRunning = 90

var (
	// ErrServerNotRunning is returned when reconnecting and no live daemon owns the session.
	ErrServerNotRunning = errors.New("server not running")
	// ErrLaunchTimeout is returned when a spawned daemon does not bind its sockets in time.
	ErrLaunchTimeout = errors.New("timed out waiting for server to start")
	// ErrDetached is returned once the relay between stdio and the daemon ends.
	ErrDetached = errors.New("session detached")
)

// Attach ensures a daemon is running for the Launcher's session, connects to it, and relays until detached.
// It always returns a non-nil error, wrapping ErrDetached once the relay ends.
func Attach(ctx context.Context, l *Launcher, reconnecting bool, stdin io.Reader, stdout, stderr io.Writer) error {
	conns, err := l.Connect(ctx, reconnecting)
	if err != nil {
		return err
	}
	return Relay(ctx, conns, stdin, stdout, stderr)
}

// ExitCode maps the result of Attach to the proxy's process exit code.
// A detached proxy exits with failure so the client knows to reconnect.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrServerNotRunning):
		return ExitCodeServerNotRunning
	default:
		return 1
	}
}
