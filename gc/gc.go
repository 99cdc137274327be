// Package gc removes old tether server binaries from the install directory.
package gc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	DefaultPrefix    = "tether-server-"
	DefaultStoreRoot = "/nix/store"
)

// Collector deletes binaries named <Prefix><version> that are older than Current,
// not running, and not managed by an immutable package store.
type Collector struct {
	Dir       string
	Prefix    string
	Current   *semver.Version
	StoreRoot string
	// InUse reports whether a live process is running a binary with this file name.
	InUse func(name string) bool
	Log   *zap.SugaredLogger
}

func New(log *zap.SugaredLogger, dir string, current *semver.Version) *Collector {
	return &Collector{
		Dir:       dir,
		Prefix:    DefaultPrefix,
		Current:   current,
		StoreRoot: DefaultStoreRoot,
		InUse:     RunningExecutable,
		Log:       log.Named("gc"),
	}
}

// Run makes one pass over the install directory.
// Only a failure to list the directory is returned; per-file failures are logged.
func (c *Collector) Run() error {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return fmt.Errorf("reading install dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		raw, ok := strings.CutPrefix(name, c.Prefix)
		if !ok {
			continue
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			c.Log.Debugf("skipping %s: unparsable version %q", name, raw)
			continue
		}
		if !v.LessThan(c.Current) {
			continue
		}
		if c.InUse != nil && c.InUse(name) {
			c.Log.Debugf("skipping %s: in use", name)
			continue
		}
		path := filepath.Join(c.Dir, name)
		if c.inStore(path) {
			c.Log.Debugf("skipping %s: symlinked into %s", name, c.StoreRoot)
			continue
		}
		c.Log.Infof("removing old server binary %s", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.Log.Warnf("error removing %s: %s", path, err)
		}
	}
	return nil
}

// inStore reports whether path is a symlink that resolves under the store root.
func (c *Collector) inStore(path string) bool {
	if c.StoreRoot == "" {
		return false
	}
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return false
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	root := c.StoreRoot
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RunningExecutable reports whether any process visible to us has an executable with this file name.
func RunningExecutable(name string) bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	for _, p := range procs {
		exe, err := p.Exe()
		if err != nil {
			continue
		}
		if filepath.Base(exe) == name {
			return true
		}
	}
	return false
}
