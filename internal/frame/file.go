//go:build unix

package frame

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileSlot is a Slot backed by a shared memory-mapped file, so readers in
// other processes can follow the frames.
type FileSlot struct {
	*Slot
	f    *os.File
	data []byte
}

// CreateFile creates or truncates path and maps a slot for payloads of up
// to capacity bytes.
func CreateFile(path string, capacity int) (*FileSlot, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create frame file: %w", err)
	}
	size := HeaderSize + capacity
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size frame file: %w", err)
	}
	return mapFile(f, size, true)
}

// OpenFile maps an existing slot file for reading.
func OpenFile(path string) (*FileSlot, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open frame file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat frame file: %w", err)
	}
	return mapFile(f, int(info.Size()), false)
}

func mapFile(f *os.File, size int, init bool) (*FileSlot, error) {
	if size < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("frame file %s: %d bytes: %w", f.Name(), size, ErrBadMagic)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap frame file: %w", err)
	}
	s, err := attach(data, init)
	if err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("frame file %s: %w", f.Name(), err)
	}
	return &FileSlot{Slot: s, f: f, data: data}, nil
}

// Path returns the backing file path.
func (fs *FileSlot) Path() string { return fs.f.Name() }

// Close unmaps and closes the file. The slot must not be used afterwards.
func (fs *FileSlot) Close() error {
	if fs.data == nil {
		return nil
	}
	err := unix.Munmap(fs.data)
	fs.data = nil
	if cerr := fs.f.Close(); err == nil {
		err = cerr
	}
	return err
}
