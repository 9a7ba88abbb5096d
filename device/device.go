// Package device provides aligned, blocking byte-addressed I/O against a
// single backing file or block device, opened with direct-I/O semantics
// where the platform supports it.
package device

import (
	"errors"
	"fmt"

	"github.com/lucidfs/ext2fuse/backend"
	"github.com/lucidfs/ext2fuse/backend/file"
	"github.com/sirupsen/logrus"
)

// Align is the required alignment, in bytes, for every offset and length
// passed to Device.ReadAt/WriteAt.
const Align = 512

// ErrMisaligned is returned when an offset or length is not a multiple of Align.
var ErrMisaligned = errors.New("device: offset or length not aligned to 512 bytes")

// Device is the engine's view of the raw block device or backing image
// file: blocking, aligned reads and writes at byte offsets. It does not
// know about ext2 layout, bitmaps, or encryption; those live in higher
// layers.
type Device struct {
	storage backend.Storage
	size    int64
	log     logrus.FieldLogger
}

// Open opens an existing image/device at path for read-write use.
func Open(path string, log logrus.FieldLogger) (*Device, error) {
	st, err := file.OpenFromPath(path, false)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	return newDevice(st, log)
}

// Create creates a new image file of the given size, used by format.
func Create(path string, size int64, log logrus.FieldLogger) (*Device, error) {
	st, err := file.CreateFromPath(path, size)
	if err != nil {
		return nil, fmt.Errorf("device: create %s: %w", path, err)
	}
	return newDevice(st, log)
}

func newDevice(st backend.Storage, log logrus.FieldLogger) (*Device, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	info, err := st.Stat()
	if err != nil {
		return nil, fmt.Errorf("device: stat: %w", err)
	}
	enableDirectIO(st)
	return &Device{storage: st, size: info.Size(), log: log}, nil
}

// Size returns the size, in bytes, of the underlying image/device.
func (d *Device) Size() int64 { return d.size }

// ReadAt reads len(p) bytes starting at offset off. Both must be a
// multiple of Align.
func (d *Device) ReadAt(off int64, p []byte) error {
	if off%Align != 0 || len(p)%Align != 0 {
		return ErrMisaligned
	}
	n, err := d.storage.ReadAt(p, off)
	if err != nil {
		d.log.WithError(err).WithField("offset", off).Error("device read failed")
		return fmt.Errorf("device: read at %d: %w", off, err)
	}
	if n != len(p) {
		return fmt.Errorf("device: short read at %d: got %d want %d", off, n, len(p))
	}
	return nil
}

// WriteAt writes p to the device starting at offset off. Both must be a
// multiple of Align.
func (d *Device) WriteAt(off int64, p []byte) error {
	if off%Align != 0 || len(p)%Align != 0 {
		return ErrMisaligned
	}
	wf, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("device: not writable: %w", err)
	}
	n, err := wf.WriteAt(p, off)
	if err != nil {
		d.log.WithError(err).WithField("offset", off).Error("device write failed")
		return fmt.Errorf("device: write at %d: %w", off, err)
	}
	if n != len(p) {
		return fmt.Errorf("device: short write at %d: wrote %d want %d", off, n, len(p))
	}
	return nil
}

// Close releases the underlying backend.
func (d *Device) Close() error {
	return d.storage.Close()
}
