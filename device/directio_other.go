//go:build !linux
// +build !linux

package device

import "github.com/lucidfs/ext2fuse/backend"

// enableDirectIO is a no-op on platforms without O_DIRECT (e.g. darwin,
// windows); the device still behaves correctly, it simply goes through
// the host page cache.
func enableDirectIO(st backend.Storage) {}
