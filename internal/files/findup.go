package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("file not found")

// FindUp looks for name in dir and each of its parents, returning the first path found.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("checking %q: %w", p, err)
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", fmt.Errorf("%w: %q in %q or any parent", ErrNotFound, name, dir)
		}
		curDir = newDir
	}
}

// FindUpFromWD is FindUp starting at the working directory.
func FindUpFromWD(name string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working dir: %w", err)
	}
	return FindUp(name, wd)
}
