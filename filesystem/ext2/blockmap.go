package ext2

// sectorsPerBlock is how many i_blocks sector-units one data block
// costs, matching the traditional ext2 512-byte accounting even though
// the engine never reads or writes in anything but full BlockSize units.
const sectorsPerBlock = BlockSize / 512

// attachBlock allocates a fresh data block and wires it into in at
// logical position logical, walking (and allocating, where needed) up
// to three levels of indirection. i_blocks accounts for the data block
// plus every index block allocated along the way. It returns the new
// block's global number.
func attachBlock(in *Inode, logical uint32, store *groupStore) (uint32, error) {
	global, err := store.allocBlock()
	if err != nil {
		return 0, err
	}
	newIndex, err := setBlockPointer(in, logical, global, store)
	if err != nil {
		return 0, err
	}
	in.Blocks += uint32(1+newIndex) * sectorsPerBlock
	return global, nil
}

func indirectPath(logical uint32) (root int, path []int64) {
	l := int64(logical)
	switch {
	case l < NDirBlocks:
		return -1, nil
	case l < singleIndirectBoundary:
		return IndBlock, []int64{l - NDirBlocks}
	case l < doubleIndirectBoundary:
		rem := l - singleIndirectBoundary
		return DIndBlock, []int64{rem / N, rem % N}
	default:
		rem := l - doubleIndirectBoundary
		return TIndBlock, []int64{rem / (N * N), (rem / N) % N, rem % N}
	}
}

// setBlockPointer wires value in at logical, returning how many index
// blocks had to be allocated on the way down (0 on the direct path or
// when every level already existed).
func setBlockPointer(in *Inode, logical uint32, value uint32, store *groupStore) (int, error) {
	root, path := indirectPath(logical)
	if root == -1 {
		in.Block[logical] = value
		return 0, nil
	}
	return setInIndirect(&in.Block[root], path, value, store)
}

func setInIndirect(root *uint32, path []int64, value uint32, store *groupStore) (int, error) {
	newIndex := 0
	if *root == 0 {
		nb, err := store.allocBlock()
		if err != nil {
			return newIndex, err
		}
		*root = nb
		newIndex++
	}
	cur := *root
	for i, idx := range path {
		if i == len(path)-1 {
			return newIndex, store.writeIndirectEntry(cur, int(idx), value)
		}
		tbl, err := store.readIndirect(cur)
		if err != nil {
			return newIndex, err
		}
		next := tbl[idx]
		if next == 0 {
			nb, err := store.allocBlock()
			if err != nil {
				return newIndex, err
			}
			if err := store.writeIndirectEntry(cur, int(idx), nb); err != nil {
				return newIndex, err
			}
			next = nb
			newIndex++
		}
		cur = next
	}
	return newIndex, nil
}

// clearBlockPointer zeroes the pointer at logical, tolerating missing
// intermediate indirect blocks (a no-op in that case: there was
// nothing allocated there to begin with).
func clearBlockPointer(in *Inode, logical uint32, store *groupStore) error {
	root, path := indirectPath(logical)
	if root == -1 {
		in.Block[logical] = 0
		return nil
	}
	cur := in.Block[root]
	if cur == 0 {
		return nil
	}
	for i, idx := range path {
		if i == len(path)-1 {
			return store.writeIndirectEntry(cur, int(idx), 0)
		}
		tbl, err := store.readIndirect(cur)
		if err != nil {
			return err
		}
		next := tbl[idx]
		if next == 0 {
			return nil
		}
		cur = next
	}
	return nil
}

// truncateBlocks shrinks in to newSize, freeing every data block past
// the new end. It never grows the block chain; growth happens lazily
// on write via attachBlock. On a truncate to zero the whole indirect
// index tree is released too; a partial truncate leaves index blocks
// that ended up empty still allocated (a known simplification, see
// DESIGN.md).
func truncateBlocks(in *Inode, newSize uint64, store *groupStore) error {
	oldN := numDataBlocks(in.Size)
	newN := numDataBlocks(newSize)
	for l := oldN; l > newN; l-- {
		logical := l - 1
		global, err := mapBlock(in, logical, store)
		if err != nil {
			return err
		}
		if global != 0 {
			if err := store.freeBlock(global); err != nil {
				return err
			}
			if err := clearBlockPointer(in, logical, store); err != nil {
				return err
			}
			in.Blocks -= sectorsPerBlock
		}
	}
	if newN == 0 {
		for depth, slot := range []int{IndBlock, DIndBlock, TIndBlock} {
			if in.Block[slot] == 0 {
				continue
			}
			if err := freeIndexTree(in, in.Block[slot], depth+1, store); err != nil {
				return err
			}
			in.Block[slot] = 0
		}
	}
	in.Size = newSize
	return nil
}

// freeIndexTree releases the index block at root and, below depth 1,
// every still-allocated index block under it, decrementing i_blocks
// for each. Data blocks were already freed by the caller.
func freeIndexTree(in *Inode, root uint32, depth int, store *groupStore) error {
	if depth > 1 {
		tbl, err := store.readIndirect(root)
		if err != nil {
			return err
		}
		for _, child := range tbl {
			if child == 0 {
				continue
			}
			if err := freeIndexTree(in, child, depth-1, store); err != nil {
				return err
			}
		}
	}
	if err := store.freeBlock(root); err != nil {
		return err
	}
	if in.Blocks >= sectorsPerBlock {
		in.Blocks -= sectorsPerBlock
	}
	return nil
}
