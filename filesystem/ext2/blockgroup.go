package ext2

import (
	"sync"

	"github.com/lucidfs/ext2fuse/internal/bitmap"
)

// groupStore is the block-group allocator: it owns the decoded block-0
// metadata (superblock + descriptor table) and the block cache, and
// turns inode/block numbers into cached, decrypted bytes. Inode block
// pointers and indirect-block entries are stored as global logical
// block numbers (group*BlocksPerGroup + local-index-within-group);
// groupStore is the only layer that knows how to turn one of those
// into the absolute device block the cache addresses.
type groupStore struct {
	mu    sync.Mutex
	mb    *metaBlock
	cache *blockCache
}

func newGroupStore(mb *metaBlock, cache *blockCache) *groupStore {
	return &groupStore{mb: mb, cache: cache}
}

func deviceBlockOf(global uint32) uint32 {
	group, local := blockToGroup(global)
	return uint32(dataBlockOffset(group, local) / BlockSize)
}

// readIndirect implements inode.indirectReader over global block numbers.
func (g *groupStore) readIndirect(global uint32) ([]uint32, error) {
	return g.cache.readIndirect(deviceBlockOf(global))
}

func (g *groupStore) writeIndirectEntry(global uint32, idx int, value uint32) error {
	return g.cache.writeIndirectEntry(deviceBlockOf(global), idx, value)
}

// readDataBlock returns the decrypted contents of the data block
// addressed by the global block number.
func (g *groupStore) readDataBlock(global uint32) ([]byte, error) {
	return g.cache.get(deviceBlockOf(global))
}

func (g *groupStore) markDataBlockDirty(global uint32) {
	g.cache.markDirty(deviceBlockOf(global))
}

func (g *groupStore) inodeBitmap(group uint32) (*bitmap.Bitmap, error) {
	desc := g.mb.group(group)
	if desc == nil {
		return nil, newErr(KindInvalid, "inodeBitmap", "", nil)
	}
	data, err := g.cache.get(uint32(desc.InodeBitmap / BlockSize))
	if err != nil {
		return nil, err
	}
	return bitmap.New(data), nil
}

func (g *groupStore) blockBitmap(group uint32) (*bitmap.Bitmap, error) {
	desc := g.mb.group(group)
	if desc == nil {
		return nil, newErr(KindInvalid, "blockBitmap", "", nil)
	}
	data, err := g.cache.get(uint32(desc.BlockBitmap / BlockSize))
	if err != nil {
		return nil, err
	}
	return bitmap.New(data), nil
}

// initGroupBitmaps loads group gi's inode and block bitmap blocks into
// the cache as all-zero, dirty entries. A freshly materialized group's
// bitmap region has never been written, so reading it off the device
// would yield whatever the backing file holds there (with a password
// set, decrypting that garbage produces a random-looking bitmap). Both
// Format and addGroup go through here before the group's bitmaps are
// first consulted.
func (g *groupStore) initGroupBitmaps(gi uint32) error {
	desc := g.mb.group(gi)
	if desc == nil {
		return newErr(KindInvalid, "initGroupBitmaps", "", nil)
	}
	if _, err := g.cache.zero(uint32(desc.InodeBitmap / BlockSize)); err != nil {
		return err
	}
	if _, err := g.cache.zero(uint32(desc.BlockBitmap / BlockSize)); err != nil {
		return err
	}
	return nil
}

// allocInode finds the first free inode across every existing group,
// marks it allocated, and returns its 1-based inode number. If every
// group is out of inodes, a fresh group is materialized (once per
// call) and the scan retried within it. isDir feeds the owning group's
// used_dirs_count bookkeeping.
func (g *groupStore) allocInode(isDir bool) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grown := false
	for {
		for gi := uint32(0); gi < g.mb.groupCount(); gi++ {
			desc := g.mb.group(gi)
			if desc.FreeInodesCount == 0 {
				continue
			}
			bm, err := g.inodeBitmap(gi)
			if err != nil {
				return 0, err
			}
			local, ok := bm.FindFirstClear(InodesPerGroup)
			if !ok {
				continue
			}
			bm.Set(local)
			g.cache.markDirty(uint32(desc.InodeBitmap / BlockSize))
			desc.FreeInodesCount--
			if isDir {
				desc.UsedDirsCount++
			}
			inodeNum := gi*InodesPerGroup + uint32(local) + 1
			blank := &Inode{}
			if err := g.putInode(inodeNum, blank); err != nil {
				return 0, err
			}
			return inodeNum, nil
		}
		if grown {
			return 0, newErr(KindIOError, "allocInode", "", errNoFreeInodes)
		}
		if err := g.growLocked(); err != nil {
			return 0, err
		}
		grown = true
	}
}

func (g *groupStore) freeInode(inodeNum uint32, wasDir bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, local := inodeToGroup(inodeNum)
	desc := g.mb.group(group)
	if desc == nil {
		return newErr(KindInvalid, "freeInode", "", nil)
	}
	bm, err := g.inodeBitmap(group)
	if err != nil {
		return err
	}
	bm.Clear(int(local))
	g.cache.markDirty(uint32(desc.InodeBitmap / BlockSize))
	desc.FreeInodesCount++
	if wasDir && desc.UsedDirsCount > 0 {
		desc.UsedDirsCount--
	}
	return nil
}

// growLocked materializes one fresh block group: a new descriptor in
// block 0 plus zeroed bitmap blocks for its region. Caller holds g.mu.
func (g *groupStore) growLocked() error {
	idx, err := g.mb.addGroup()
	if err != nil {
		return err
	}
	return g.initGroupBitmaps(idx)
}

// allocBlock finds the first free data block across every existing
// group, growing the descriptor table with a new group (once per call)
// if every existing one is full, zeroes the block, and returns its
// global block number.
func (g *groupStore) allocBlock() (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grown := false
	for {
		for gi := uint32(0); gi < g.mb.groupCount(); gi++ {
			desc := g.mb.group(gi)
			if desc.FreeBlocksCount == 0 {
				continue
			}
			bm, err := g.blockBitmap(gi)
			if err != nil {
				return 0, err
			}
			local, ok := bm.FindFirstClear(BlocksPerGroup)
			if !ok {
				continue
			}
			bm.Set(local)
			g.cache.markDirty(uint32(desc.BlockBitmap / BlockSize))
			desc.FreeBlocksCount--
			global := gi*BlocksPerGroup + uint32(local)
			if _, err := g.cache.zero(deviceBlockOf(global)); err != nil {
				return 0, err
			}
			return global, nil
		}
		if grown {
			return 0, newErr(KindIOError, "allocBlock", "", errNoFreeBlocks)
		}
		if err := g.growLocked(); err != nil {
			return 0, err
		}
		grown = true
	}
}

func (g *groupStore) freeBlock(global uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, local := blockToGroup(global)
	desc := g.mb.group(group)
	if desc == nil {
		return newErr(KindInvalid, "freeBlock", "", nil)
	}
	bm, err := g.blockBitmap(group)
	if err != nil {
		return err
	}
	bm.Clear(int(local))
	g.cache.markDirty(uint32(desc.BlockBitmap / BlockSize))
	desc.FreeBlocksCount++
	g.cache.remove(deviceBlockOf(global))
	return nil
}

func (g *groupStore) getInode(inodeNum uint32) (*Inode, error) {
	group, local := inodeToGroup(inodeNum)
	desc := g.mb.group(group)
	if desc == nil {
		return nil, newErr(KindNotFound, "getInode", "", nil)
	}
	bm, err := g.inodeBitmap(group)
	if err != nil {
		return nil, err
	}
	if !bm.Test(int(local)) {
		return nil, newErr(KindNotFound, "getInode", "", nil)
	}
	tableBlockIdx := local / InodesPerBlock
	innerIdx := local % InodesPerBlock
	dev := uint32(inodeTableBlockOffset(group, tableBlockIdx) / BlockSize)
	data, err := g.cache.get(dev)
	if err != nil {
		return nil, err
	}
	off := int(innerIdx) * InodeSize
	return inodeFromBytes(data[off : off+InodeSize]), nil
}

func (g *groupStore) putInode(inodeNum uint32, in *Inode) error {
	group, local := inodeToGroup(inodeNum)
	tableBlockIdx := local / InodesPerBlock
	innerIdx := local % InodesPerBlock
	dev := uint32(inodeTableBlockOffset(group, tableBlockIdx) / BlockSize)
	data, err := g.cache.get(dev)
	if err != nil {
		return err
	}
	off := int(innerIdx) * InodeSize
	in.toBytes(data[off : off+InodeSize])
	g.cache.markDirty(dev)
	return nil
}
