package ext2

import (
	"path/filepath"
	"testing"
)

// newWideTestImage formats an image with room for a second block group's
// region (MaxBlockGroupSize each) so tests driving group 0 to "full" can
// exercise a real addGroup without the underlying device running out of
// room. The backing file is sparse, so this costs no real disk space.
func newWideTestImage(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.ext2")
	e, err := Format(path, 2*MaxBlockGroupSize+BlockSize, Options{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	t.Cleanup(func() { _ = e.Unmount() })
	return e
}

// TestAllocBlockMaterializesNewGroup checks that filling a block
// group's data bitmap causes the next allocation to materialize a new
// group. Rather than actually
// allocating all BlocksPerGroup blocks (slow and unnecessary), the
// group's bitmap is driven to "full" directly and the descriptor's
// free counter is set to match, exactly the state a real exhaustive
// fill would reach.
func TestAllocBlockMaterializesNewGroup(t *testing.T) {
	e := newWideTestImage(t)

	bm, err := e.store.blockBitmap(0)
	if err != nil {
		t.Fatalf("blockBitmap(0): %v", err)
	}
	for i := 0; i < BlocksPerGroup; i++ {
		bm.Set(i)
	}
	e.store.mb.group(0).FreeBlocksCount = 0

	global, err := e.store.allocBlock()
	if err != nil {
		t.Fatalf("allocBlock after filling group 0: %v", err)
	}
	group, local := blockToGroup(global)
	if group != 1 {
		t.Fatalf("allocBlock returned group %d, want a fresh group 1", group)
	}
	if local != 0 {
		t.Fatalf("allocBlock returned local index %d in the new group, want 0", local)
	}
	if e.store.mb.groupCount() != 2 {
		t.Fatalf("groupCount = %d, want 2 after materializing a new group", e.store.mb.groupCount())
	}
}

// TestAllocInodeMaterializesNewGroup mirrors the block case for the
// inode bitmap.
func TestAllocInodeMaterializesNewGroup(t *testing.T) {
	e := newWideTestImage(t)

	bm, err := e.store.inodeBitmap(0)
	if err != nil {
		t.Fatalf("inodeBitmap(0): %v", err)
	}
	for i := 0; i < InodesPerGroup; i++ {
		bm.Set(i)
	}
	e.store.mb.group(0).FreeInodesCount = 0

	num, err := e.store.allocInode(false)
	if err != nil {
		t.Fatalf("allocInode after filling group 0: %v", err)
	}
	group, _ := inodeToGroup(num)
	if group != 1 {
		t.Fatalf("allocInode returned group %d, want a fresh group 1", group)
	}
}

// TestFreeBlockThenReallocate checks that freeing a block clears its
// bitmap bit and restores the free counter so a subsequent allocation
// can reuse it.
func TestFreeBlockThenReallocate(t *testing.T) {
	e := newTestImage(t, Options{})

	a, err := e.store.allocBlock()
	if err != nil {
		t.Fatalf("allocBlock: %v", err)
	}
	if err := e.store.freeBlock(a); err != nil {
		t.Fatalf("freeBlock: %v", err)
	}
	bm, err := e.store.blockBitmap(0)
	if err != nil {
		t.Fatalf("blockBitmap(0): %v", err)
	}
	_, local := blockToGroup(a)
	if bm.Test(int(local)) {
		t.Fatalf("block %d still marked allocated after freeBlock", a)
	}

	b, err := e.store.allocBlock()
	if err != nil {
		t.Fatalf("allocBlock after free: %v", err)
	}
	if b != a {
		t.Fatalf("allocBlock returned %d, want the just-freed block %d reused first", b, a)
	}
}
