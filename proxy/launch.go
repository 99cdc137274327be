package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gofrs/flock"
	"github.com/guseggert/tether/pidfile"
	"github.com/guseggert/tether/session"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 20 * time.Millisecond
	DefaultReadyTimeout = 10 * time.Second
)

// Launcher finds or starts the daemon for one session.
type Launcher struct {
	Paths    session.Paths
	Registry *pidfile.Registry
	Spawner  Spawner
	Log      *zap.SugaredLogger

	PollInterval time.Duration
	ReadyTimeout time.Duration
}

func NewLauncher(log *zap.SugaredLogger, paths session.Paths, spawner Spawner) *Launcher {
	return &Launcher{
		Paths:        paths,
		Registry:     pidfile.New(log),
		Spawner:      spawner,
		Log:          log.Named("launcher"),
		PollInterval: DefaultPollInterval,
		ReadyTimeout: DefaultReadyTimeout,
	}
}

// Conns are one proxy's connections to the daemon's rendezvous sockets.
type Conns struct {
	Input      net.Conn
	Output     net.Conn
	Diagnostic net.Conn
}

func (c *Conns) Close() {
	for _, conn := range []net.Conn{c.Input, c.Output, c.Diagnostic} {
		if conn != nil {
			conn.Close()
		}
	}
}

// Connect ensures a daemon is serving the session and connects to its three sockets.
//
// When reconnecting, an existing daemon is required and ErrServerNotRunning is returned if there is none.
// Otherwise any existing daemon is killed and a fresh one is started.
// The whole sequence runs under the session's launch lock, so concurrent proxies cannot both spawn
// a daemon or interleave their socket connections.
func (l *Launcher) Connect(ctx context.Context, reconnecting bool) (*Conns, error) {
	lock := flock.New(l.Paths.LockFile)
	if _, err := lock.TryLockContext(ctx, l.pollInterval()); err != nil {
		return nil, fmt.Errorf("acquiring launch lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := l.ensure(ctx, reconnecting); err != nil {
		return nil, err
	}
	return Dial(l.Paths)
}

func (l *Launcher) ensure(ctx context.Context, reconnecting bool) error {
	pid, running, err := l.Registry.Check(l.Paths.PIDFile)
	if err != nil {
		return fmt.Errorf("checking PID file: %w", err)
	}

	switch {
	case reconnecting && !running:
		l.Log.Infof("no server running for session %q", l.Paths.Identifier)
		return ErrServerNotRunning
	case reconnecting && running:
		l.Log.Debugf("reconnecting to server with PID %d", pid)
		return nil
	case running:
		l.Registry.KillAndClean(pid, l.Paths)
	}

	if err := l.Paths.RemoveSockets(); err != nil {
		return err
	}
	l.Log.Infof("starting server for session %q", l.Paths.Identifier)
	if err := l.Spawner.Spawn(l.Paths); err != nil {
		return fmt.Errorf("spawning server: %w", err)
	}
	return l.waitReady(ctx)
}

// waitReady polls until all three sockets exist.
func (l *Launcher) waitReady(ctx context.Context) error {
	timeout := l.ReadyTimeout
	if timeout == 0 {
		timeout = DefaultReadyTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.pollInterval())
	defer ticker.Stop()

	for !l.Paths.SocketsExist() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrLaunchTimeout, timeout)
		case <-ticker.C:
		}
	}
	l.Log.Debug("server sockets are ready")
	return nil
}

func (l *Launcher) pollInterval() time.Duration {
	if l.PollInterval == 0 {
		return DefaultPollInterval
	}
	return l.PollInterval
}

// Dial connects to the input, output and diagnostic sockets, in that order.
func Dial(paths session.Paths) (*Conns, error) {
	conns := &Conns{}
	targets := []struct {
		conn *net.Conn
		path string
	}{
		{&conns.Input, paths.InputSocket},
		{&conns.Output, paths.OutputSocket},
		{&conns.Diagnostic, paths.DiagnosticSocket},
	}
	for _, t := range targets {
		c, err := net.Dial("unix", t.path)
		if err != nil {
			conns.Close()
			return nil, fmt.Errorf("connecting to %s: %w", t.path, err)
		}
		*t.conn = c
	}
	return conns, nil
}
