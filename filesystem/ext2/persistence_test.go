package ext2

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucidfs/ext2fuse/util"
)

// TestImageStableAcrossRemount checks that an unmount/mount cycle with
// no intervening writes leaves the image byte-identical: reads must
// not dirty anything, and re-flushing the superblock must marshal to
// exactly the bytes it was loaded from.
func TestImageStableAcrossRemount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.ext2")
	e, err := Format(path, 16<<20, Options{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := e.Mkdir("/d", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	id, err := e.Create("/d/f", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := bytes.Repeat([]byte("stable?"), 3000)
	if _, err := e.Write(id, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := e.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	e2, err := Mount(path, Options{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	id2, err := e2.Open("/d/f")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := e2.Read(id2, got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload changed across remount")
	}
	if err := e2.Release(id2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := e2.Unmount(); err != nil {
		t.Fatalf("second Unmount: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(before, after) {
		diff := util.DumpDiff(before, after)
		if len(diff) > 2048 {
			diff = diff[:2048] + "\n... (truncated)"
		}
		t.Fatalf("image not byte-identical after a read-only remount:\n%s", diff)
	}
}
