// Package session derives the on-disk layout of one logical session from its identifier.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "tether"

// ErrInvalidIdentifier is returned for identifiers that cannot name a directory.
var ErrInvalidIdentifier = errors.New("invalid session identifier")

// Dirs are the roots under which session state and logs live.
type Dirs struct {
	StateDir string
	LogsDir  string
}

// DefaultDirs returns $XDG_STATE_HOME/tether (or ~/.local/state/tether) and its logs subdirectory.
func DefaultDirs() (Dirs, error) {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Dirs{}, fmt.Errorf("finding home dir: %w", err)
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	stateDir := filepath.Join(stateHome, appName)
	return Dirs{
		StateDir: stateDir,
		LogsDir:  filepath.Join(stateDir, "logs"),
	}, nil
}

// Paths are all the files belonging to one session.
type Paths struct {
	Identifier       string
	PIDFile          string
	InputSocket      string
	OutputSocket     string
	DiagnosticSocket string
	LogFile          string
	LockFile         string
}

// Validate checks that id can be used as a single path component.
func Validate(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidIdentifier, id)
	}
	return nil
}

// PathsFor derives the session paths without touching the filesystem.
func PathsFor(dirs Dirs, id string) (Paths, error) {
	if err := Validate(id); err != nil {
		return Paths{}, err
	}
	dir := filepath.Join(dirs.StateDir, id)
	return Paths{
		Identifier:       id,
		PIDFile:          filepath.Join(dir, "server.pid"),
		InputSocket:      filepath.Join(dir, "stdin.sock"),
		OutputSocket:     filepath.Join(dir, "stdout.sock"),
		DiagnosticSocket: filepath.Join(dir, "stderr.sock"),
		LockFile:         filepath.Join(dir, "launch.lock"),
		LogFile:          filepath.Join(dirs.LogsDir, fmt.Sprintf("server-%s.log", id)),
	}, nil
}

// New derives the session paths and creates the session and logs directories.
func New(dirs Dirs, id string) (Paths, error) {
	p, err := PathsFor(dirs, id)
	if err != nil {
		return Paths{}, err
	}
	for _, dir := range []string{filepath.Dir(p.PIDFile), dirs.LogsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Paths{}, fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}
	return p, nil
}

// Sockets returns the input, output and diagnostic socket paths in that order.
func (p Paths) Sockets() []string {
	return []string{p.InputSocket, p.OutputSocket, p.DiagnosticSocket}
}

// SocketsExist reports whether all three rendezvous sockets are present.
func (p Paths) SocketsExist() bool {
	for _, s := range p.Sockets() {
		if _, err := os.Lstat(s); err != nil {
			return false
		}
	}
	return true
}

// RemoveSockets deletes any socket files left behind, ignoring ones that are already gone.
func (p Paths) RemoveSockets() error {
	for _, s := range p.Sockets() {
		if err := os.Remove(s); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing socket %q: %w", s, err)
		}
	}
	return nil
}
