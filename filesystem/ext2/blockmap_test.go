package ext2

import (
	"bytes"
	"testing"
)

// TestWritesStraddlingIndirectBoundaries writes a small range across
// each indirection boundary of the block map (direct to single, single
// to double, double to triple) on an otherwise sparse file, then
// reads each range back and checks the i_blocks accounting covers the
// data blocks plus every index block allocated on the way.
func TestWritesStraddlingIndirectBoundaries(t *testing.T) {
	e := newTestImage(t, Options{})
	id, err := e.Create("/sparse", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Release(id)

	boundaries := []int64{
		NDirBlocks * BlockSize,             // direct → single indirect
		singleIndirectBoundary * BlockSize, // single → double
		doubleIndirectBoundary * BlockSize, // double → triple
	}
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	for _, b := range boundaries {
		off := b - 100
		if n, err := e.Write(id, payload, off); err != nil || n != len(payload) {
			t.Fatalf("Write at %d: n=%d err=%v", off, n, err)
		}
	}
	for _, b := range boundaries {
		off := b - 100
		got := make([]byte, len(payload))
		if _, err := e.Read(id, got, off); err != nil {
			t.Fatalf("Read at %d: %v", off, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("read-back mismatch straddling offset %d", b)
		}
	}

	in, err := e.GetAttr("/sparse")
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if in.Block[IndBlock] == 0 || in.Block[DIndBlock] == 0 || in.Block[TIndBlock] == 0 {
		t.Fatalf("expected all three indirect roots allocated, got %v", in.Block[IndBlock:])
	}
	// 6 data blocks plus 7 index blocks: the single root; the double
	// root with two second-level blocks (slot 0 for the boundary
	// crossing, slot 1023 for the region's tail); and the triple
	// root's three-level chain.
	const wantBlocks = (6 + 7) * sectorsPerBlock
	if in.Blocks != wantBlocks {
		t.Fatalf("i_blocks = %d, want %d", in.Blocks, wantBlocks)
	}

	// Untouched space between the boundary writes reads as zeros.
	hole := make([]byte, 256)
	if _, err := e.Read(id, hole, 100*BlockSize); err != nil {
		t.Fatalf("hole read: %v", err)
	}
	for _, v := range hole {
		if v != 0 {
			t.Fatalf("hole read returned nonzero byte")
		}
	}
}

// TestTruncateToZeroReleasesIndexTree checks a truncate to zero frees
// the data blocks and the whole indirect index tree, restoring the
// group's free-block counter to its pre-write value.
func TestTruncateToZeroReleasesIndexTree(t *testing.T) {
	e := newTestImage(t, Options{})
	id, err := e.Create("/big", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	freeBefore := e.store.mb.group(0).FreeBlocksCount

	payload := make([]byte, 64*1024)
	if _, err := e.Write(id, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := e.TruncatePath("/big", 0); err != nil {
		t.Fatalf("TruncatePath: %v", err)
	}
	in, err := e.GetAttr("/big")
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if in.Size != 0 {
		t.Fatalf("size = %d after truncate to zero", in.Size)
	}
	if in.Blocks != 0 {
		t.Fatalf("i_blocks = %d after truncate to zero, want 0", in.Blocks)
	}
	if in.Block[IndBlock] != 0 {
		t.Fatalf("single-indirect root still wired after truncate to zero")
	}
	if got := e.store.mb.group(0).FreeBlocksCount; got != freeBefore {
		t.Fatalf("free blocks = %d after truncate, want %d restored", got, freeBefore)
	}
}

// TestAppendWritesAtEnd checks Append lands at the current end of file
// regardless of any offset the handle last used.
func TestAppendWritesAtEnd(t *testing.T) {
	e := newTestImage(t, Options{})
	id, err := e.Create("/log", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Release(id)

	if _, err := e.Write(id, []byte("hello"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := e.Append(id, []byte(" world")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got := make([]byte, 11)
	if _, err := e.Read(id, got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("appended file reads %q", got)
	}
}
