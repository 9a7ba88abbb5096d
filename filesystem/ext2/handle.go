package ext2

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// inodeCache is the single in-memory copy of one inode shared by every
// open handle on it. Reads and writes through any handle go through
// the same *Inode, so a resize on one handle is immediately visible to
// its siblings; there is no separate per-handle staleness to track.
type inodeCache struct {
	mu    sync.RWMutex
	num   uint32
	in    *Inode
	refs  int
	dirty bool
}

// handle is one open file description: an identity (a UUID rather
// than a reused integer fd, so a closed-then-reopened file can never
// collide with a stale caller still holding the old id) plus a seek
// cursor and a per-handle lock serializing its own read/write calls.
type handle struct {
	id  uuid.UUID
	ic  *inodeCache
	mu  sync.Mutex
	pos int64
}

func (h *handle) ID() uuid.UUID { return h.id }

// handleManager owns every live inodeCache and handle. One coarse
// mutex guards the bookkeeping maps; the per-inode RWMutex and
// per-handle Mutex guard the actual data.
type handleManager struct {
	mu      sync.Mutex
	store   *groupStore
	inodes  map[uint32]*inodeCache
	handles map[uuid.UUID]*handle
	// pendingFree holds inode numbers unlinked while still open: the
	// last Release to drop their inodeCache reference is responsible
	// for actually freeing them.
	pendingFreeSet map[uint32]bool
}

func newHandleManager(store *groupStore) *handleManager {
	return &handleManager{
		store:          store,
		inodes:         make(map[uint32]*inodeCache),
		handles:        make(map[uuid.UUID]*handle),
		pendingFreeSet: make(map[uint32]bool),
	}
}

// isOpen reports whether inodeNum currently has a live inodeCache
// entry (i.e. at least one open handle, or a reference otherwise held).
func (m *handleManager) isOpen(inodeNum uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inodes[inodeNum]
	return ok
}

func (m *handleManager) markPendingFree(inodeNum uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingFreeSet[inodeNum] = true
}

func (m *handleManager) pendingFree(inodeNum uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingFreeSet[inodeNum]
}

func (m *handleManager) clearPendingFree(inodeNum uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingFreeSet, inodeNum)
}

func (m *handleManager) acquireInode(num uint32) (*inodeCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ic, ok := m.inodes[num]; ok {
		ic.refs++
		return ic, nil
	}
	in, err := m.store.getInode(num)
	if err != nil {
		return nil, err
	}
	ic := &inodeCache{num: num, in: in, refs: 1}
	m.inodes[num] = ic
	return ic, nil
}

// releaseInode drops one reference, flushing and evicting the cache
// entry once nothing else still has it open.
func (m *handleManager) releaseInode(ic *inodeCache) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic.refs--
	if ic.refs > 0 {
		return nil
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.dirty {
		if err := m.store.putInode(ic.num, ic.in); err != nil {
			return err
		}
		ic.dirty = false
	}
	delete(m.inodes, ic.num)
	return nil
}

// open allocates a new handle on inodeNum, bumping its inodeCache's
// refcount.
func (m *handleManager) open(inodeNum uint32) (*handle, error) {
	ic, err := m.acquireInode(inodeNum)
	if err != nil {
		return nil, err
	}
	h := &handle{id: uuid.New(), ic: ic}
	m.mu.Lock()
	m.handles[h.id] = h
	m.mu.Unlock()
	return h, nil
}

// close releases a handle by id, flushing its inode if this was the
// last reference.
func (m *handleManager) close(id uuid.UUID) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	if !ok {
		m.mu.Unlock()
		return newErr(KindInvalid, "close", "", nil)
	}
	delete(m.handles, id)
	m.mu.Unlock()
	return m.releaseInode(h.ic)
}

// snapshot returns the current contents of inodeNum, preferring a live
// in-memory copy (which may carry writes no handle has flushed to the
// block cache yet) over a fresh read from the block-group store.
func (m *handleManager) snapshot(inodeNum uint32, store *groupStore) (*Inode, error) {
	m.mu.Lock()
	ic, ok := m.inodes[inodeNum]
	m.mu.Unlock()
	if !ok {
		return store.getInode(inodeNum)
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	in := *ic.in
	return &in, nil
}

func (m *handleManager) get(id uuid.UUID) (*handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// read copies up to len(p) bytes starting at off into p, zero-filling
// any hole it crosses, and returns the number of bytes copied.
func (h *handle) read(store *groupStore, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ic.mu.RLock()
	size := int64(h.ic.in.Size)
	h.ic.mu.RUnlock()
	if off >= size {
		return 0, nil
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
	}
	n := 0
	for n < len(p) {
		logical := uint32((off + int64(n)) / BlockSize)
		inBlock := int((off + int64(n)) % BlockSize)
		chunk := BlockSize - inBlock
		if chunk > len(p)-n {
			chunk = len(p) - n
		}
		h.ic.mu.RLock()
		global, err := mapBlock(h.ic.in, logical, store)
		h.ic.mu.RUnlock()
		if err != nil {
			return n, err
		}
		if global == 0 {
			for i := 0; i < chunk; i++ {
				p[n+i] = 0
			}
		} else {
			data, err := store.readDataBlock(global)
			if err != nil {
				return n, err
			}
			copy(p[n:n+chunk], data[inBlock:inBlock+chunk])
		}
		n += chunk
	}
	return n, nil
}

// write copies p into the file starting at off, allocating blocks (and
// extending Size) as needed. A write that stays within the current
// size and only touches already-allocated blocks runs under the
// inode's read lock, so non-growing writers on the same inode proceed
// in parallel across handles; it escalates to the write lock when the
// file must grow or the range crosses a hole.
func (h *handle) write(store *groupStore, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ic.mu.RLock()
	fits := off >= 0 && uint64(off)+uint64(len(p)) <= h.ic.in.Size
	var (
		n    int
		done bool
		err  error
	)
	if fits {
		n, done, err = h.writeInPlace(store, p, off)
	}
	h.ic.mu.RUnlock()
	if err != nil {
		return n, err
	}
	if done {
		h.ic.mu.Lock()
		touch(h.ic.in, time.Now())
		h.ic.dirty = true
		h.ic.mu.Unlock()
		return n, nil
	}

	h.ic.mu.Lock()
	defer h.ic.mu.Unlock()
	return h.writeLocked(store, p, off)
}

// writeInPlace copies p over blocks that already exist, without
// mutating the inode; the caller holds the inode read lock. It reports
// done=false (having copied nothing) when the range crosses an
// unallocated block, in which case the caller must retry under the
// write lock so the hole can be filled.
func (h *handle) writeInPlace(store *groupStore, p []byte, off int64) (int, bool, error) {
	if len(p) == 0 {
		return 0, true, nil
	}
	first := uint32(off / BlockSize)
	last := uint32((off + int64(len(p)) - 1) / BlockSize)
	for logical := first; logical <= last; logical++ {
		global, err := mapBlock(h.ic.in, logical, store)
		if err != nil {
			return 0, false, err
		}
		if global == 0 {
			return 0, false, nil
		}
	}
	n := 0
	for n < len(p) {
		logical := uint32((off + int64(n)) / BlockSize)
		inBlock := int((off + int64(n)) % BlockSize)
		chunk := BlockSize - inBlock
		if chunk > len(p)-n {
			chunk = len(p) - n
		}
		global, err := mapBlock(h.ic.in, logical, store)
		if err != nil {
			return n, true, err
		}
		data, err := store.readDataBlock(global)
		if err != nil {
			return n, true, err
		}
		copy(data[inBlock:inBlock+chunk], p[n:n+chunk])
		store.markDataBlockDirty(global)
		n += chunk
	}
	return n, true, nil
}

// appendWrite writes p at the current end of file. The offset is read
// under the same inode lock the write itself holds, so concurrent
// appenders through different handles cannot clobber each other.
func (h *handle) appendWrite(store *groupStore, p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ic.mu.Lock()
	defer h.ic.mu.Unlock()
	return h.writeLocked(store, p, int64(h.ic.in.Size))
}

func (h *handle) writeLocked(store *groupStore, p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		logical := uint32((off + int64(n)) / BlockSize)
		inBlock := int((off + int64(n)) % BlockSize)
		chunk := BlockSize - inBlock
		if chunk > len(p)-n {
			chunk = len(p) - n
		}
		global, err := mapBlock(h.ic.in, logical, store)
		if err != nil {
			return n, err
		}
		if global == 0 {
			global, err = attachBlock(h.ic.in, logical, store)
			if err != nil {
				return n, err
			}
		}
		data, err := store.readDataBlock(global)
		if err != nil {
			return n, err
		}
		copy(data[inBlock:inBlock+chunk], p[n:n+chunk])
		store.markDataBlockDirty(global)
		n += chunk
	}
	end := uint64(off + int64(n))
	if end > h.ic.in.Size {
		h.ic.in.Size = end
	}
	touch(h.ic.in, time.Now())
	h.ic.dirty = true
	return n, nil
}

// truncate shrinks or grows the file to size, freeing trailing blocks
// on shrink. Growth beyond the current size just advances Size: the
// new region reads as a hole until it is written.
func (h *handle) truncate(store *groupStore, size uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ic.mu.Lock()
	defer h.ic.mu.Unlock()
	if size < h.ic.in.Size {
		if err := truncateBlocks(h.ic.in, size, store); err != nil {
			return err
		}
	} else {
		h.ic.in.Size = size
	}
	touch(h.ic.in, time.Now())
	h.ic.dirty = true
	return nil
}

func (h *handle) snapshot() Inode {
	h.ic.mu.RLock()
	defer h.ic.mu.RUnlock()
	return *h.ic.in
}
