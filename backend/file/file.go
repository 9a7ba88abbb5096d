// Package file implements backend.Storage over a regular image file or
// a block-device node reached through the host filesystem.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/lucidfs/ext2fuse/backend"
)

type store struct {
	f        *os.File
	readOnly bool
}

// OpenFromPath opens an existing image file or block device (e.g.
// /dev/sdb or /var/lib/images/root.ext2). A read-write open passes
// O_EXCL; without O_CREATE that flag only refuses a Linux block device
// that is already in use, and a regular image file can still be opened
// by several engines at once.
func OpenFromPath(path string, readOnly bool) (backend.Storage, error) {
	if path == "" {
		return nil, errors.New("file: must pass a device or image path")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file: device or image %s does not exist", path)
	}
	mode := os.O_RDONLY
	if !readOnly {
		mode = os.O_RDWR | os.O_EXCL
	}
	f, err := os.OpenFile(path, mode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", path, err)
	}
	return &store{f: f, readOnly: readOnly}, nil
}

// CreateFromPath creates a new image file of size bytes at path. The
// file is extended sparsely, so an unwritten image costs no real disk.
// path must not exist yet.
func CreateFromPath(path string, size int64) (backend.Storage, error) {
	if path == "" {
		return nil, errors.New("file: must pass an image path")
	}
	if size <= 0 {
		return nil, fmt.Errorf("file: invalid image size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("file: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("file: extend %s to %d bytes: %w", path, size, err)
	}
	return &store{f: f, readOnly: false}, nil
}

var _ backend.Storage = (*store)(nil)

func (s *store) Stat() (fs.FileInfo, error) { return s.f.Stat() }

func (s *store) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *store) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

func (s *store) Close() error { return s.f.Close() }

// Sys hands out the os-level file for fd-based flag twiddling.
func (s *store) Sys() (*os.File, error) { return s.f, nil }

// Writable gates positioned writes behind the open mode.
func (s *store) Writable() (backend.WritableFile, error) {
	if s.readOnly {
		return nil, backend.ErrIncorrectOpenMode
	}
	return s.f, nil
}
