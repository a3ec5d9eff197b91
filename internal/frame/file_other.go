//go:build !unix

package frame

import (
	"errors"
	"fmt"
)

// FileSlot is a file-backed Slot. Shared mappings are only supported on
// unix; elsewhere CreateFile and OpenFile fail.
type FileSlot struct {
	*Slot
	path string
}

// CreateFile is unsupported on this platform.
func CreateFile(path string, capacity int) (*FileSlot, error) {
	return nil, fmt.Errorf("create frame file %s: %w", path, errors.ErrUnsupported)
}

// OpenFile is unsupported on this platform.
func OpenFile(path string) (*FileSlot, error) {
	return nil, fmt.Errorf("open frame file %s: %w", path, errors.ErrUnsupported)
}

// Path returns the backing file path.
func (fs *FileSlot) Path() string { return fs.path }

// Close is a no-op.
func (fs *FileSlot) Close() error { return nil }
