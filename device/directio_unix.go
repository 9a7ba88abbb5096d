//go:build linux
// +build linux

package device

import (
	"github.com/lucidfs/ext2fuse/backend"
	"golang.org/x/sys/unix"
)

// enableDirectIO best-effort sets O_DIRECT on the backing file
// descriptor (via fcntl F_SETFL) on Linux so reads and writes bypass the page cache, matching
// the "blocking, direct-I/O byte device" the engine assumes. It is a
// no-op (never an error) when the backend is not an *os.File; the
// engine tolerates a page-cached device just as well, only losing the
// guarantee that the kernel itself enforces Align-byte alignment for us.
func enableDirectIO(st backend.Storage) {
	osFile, err := st.Sys()
	if err != nil {
		return
	}
	fd := int(osFile.Fd())
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_DIRECT)
}
