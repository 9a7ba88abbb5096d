package ext2

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucidfs/ext2fuse/cryptio"
	"github.com/lucidfs/ext2fuse/device"
)

func newTestCache(t *testing.T, capacity int) (*blockCache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.img")
	dev, err := device.Create(path, 64*BlockSize, nil)
	if err != nil {
		t.Fatalf("device.Create: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	cipher, err := cryptio.New("")
	if err != nil {
		t.Fatalf("cryptio.New: %v", err)
	}
	return newBlockCache(dev, cipher, capacity), path
}

func rawBlock(t *testing.T, path string, block uint32) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	buf := make([]byte, BlockSize)
	if _, err := f.ReadAt(buf, int64(block)*BlockSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return buf
}

// TestEvictionWritesBackDirty fills a capacity-2 cache with two dirty
// blocks and inserts a third; the CLOCK hand must flush the evicted
// entry to the device rather than dropping the modified bytes.
func TestEvictionWritesBackDirty(t *testing.T) {
	c, path := newTestCache(t, 2)

	data, err := c.zero(1)
	if err != nil {
		t.Fatalf("zero(1): %v", err)
	}
	for i := range data {
		data[i] = 0xAA
	}
	c.markDirty(1)
	if _, err := c.zero(2); err != nil {
		t.Fatalf("zero(2): %v", err)
	}
	// Capacity exhausted: this eviction sweeps the hand past both
	// referenced entries, clears them, and flushes block 1.
	if _, err := c.zero(3); err != nil {
		t.Fatalf("zero(3): %v", err)
	}

	if _, ok := c.entries[1]; ok {
		t.Fatalf("block 1 still cached after eviction")
	}
	got := rawBlock(t, path, 1)
	if !bytes.Equal(got, bytes.Repeat([]byte{0xAA}, BlockSize)) {
		t.Fatalf("evicted dirty block was not written back")
	}
}

// TestFlushWritesWithoutEvicting checks flush persists a dirty entry
// and leaves it resident.
func TestFlushWritesWithoutEvicting(t *testing.T) {
	c, path := newTestCache(t, 8)

	data, err := c.zero(5)
	if err != nil {
		t.Fatalf("zero(5): %v", err)
	}
	copy(data, []byte("flush me"))
	c.markDirty(5)
	if err := c.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if _, ok := c.entries[5]; !ok {
		t.Fatalf("flush evicted the entry")
	}
	if got := rawBlock(t, path, 5); !bytes.HasPrefix(got, []byte("flush me")) {
		t.Fatalf("flushed bytes missing on device: %q", got[:8])
	}

	// A flushed entry is clean again: a second flush must not rewrite.
	if c.entries[5].dirty {
		t.Fatalf("entry still dirty after flush")
	}
}

// TestRemoveDropsWithoutWriteback covers the freed-block path: remove
// discards the cached contents so stale bytes are never written over a
// block that may be reallocated.
func TestRemoveDropsWithoutWriteback(t *testing.T) {
	c, path := newTestCache(t, 8)

	data, err := c.zero(7)
	if err != nil {
		t.Fatalf("zero(7): %v", err)
	}
	copy(data, []byte("doomed"))
	c.markDirty(7)
	c.remove(7)

	if err := c.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := rawBlock(t, path, 7); bytes.HasPrefix(got, []byte("doomed")) {
		t.Fatalf("removed entry was written back anyway")
	}
}

// TestGetIsOneEntryPerIndex checks a hit returns the same backing
// slice rather than a second copy.
func TestGetIsOneEntryPerIndex(t *testing.T) {
	c, _ := newTestCache(t, 8)

	a, err := c.get(4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a[0] = 0x42
	b, err := c.get(4)
	if err != nil {
		t.Fatalf("get (hit): %v", err)
	}
	if b[0] != 0x42 {
		t.Fatalf("second get returned a different copy")
	}
	if len(c.entries) != 1 {
		t.Fatalf("cache holds %d entries for one index", len(c.entries))
	}
}
