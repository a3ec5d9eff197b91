// Package pathutil confines caller-supplied file paths to known directories.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrEmpty   = errors.New("path is empty")
	ErrNoRoots = errors.New("no allowed directories configured")
	ErrOutside = errors.New("path is outside allowed directories")
	ErrInvalid = errors.New("path contains null byte")
)

// Redact shortens a path to .../<parent>/<base> for error messages.
func Redact(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(cleaned)
	}
	return ".../" + parent + "/" + filepath.Base(cleaned)
}

// Confine resolves path and returns its absolute, symlink-free form if it
// lies inside one of roots. Neither the file nor its parents need exist.
func Confine(path string, roots ...string) (string, error) {
	switch {
	case path == "":
		return "", ErrEmpty
	case len(roots) == 0:
		return "", ErrNoRoots
	case strings.ContainsRune(path, 0):
		return "", ErrInvalid
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", Redact(path), err)
	}
	dir, err := resolve(filepath.Dir(abs))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", Redact(path), err)
	}
	resolved := filepath.Join(dir, filepath.Base(abs))

	for _, root := range roots {
		r, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			continue
		}
		if r, err = resolve(r); err != nil {
			continue
		}
		if within(resolved, r) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%s: %w", Redact(abs), ErrOutside)
}

// resolve evaluates symlinks on the deepest existing ancestor of dir and
// re-appends the missing tail.
func resolve(dir string) (string, error) {
	if r, err := filepath.EvalSymlinks(dir); err == nil {
		return r, nil
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return "", fmt.Errorf("no existing ancestor of %s", Redact(dir))
	}
	r, err := resolve(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(r, filepath.Base(dir)), nil
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}
