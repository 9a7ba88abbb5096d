package ext2

import (
	"encoding/binary"
	"sync"

	"github.com/lucidfs/ext2fuse/cryptio"
	"github.com/lucidfs/ext2fuse/device"
)

// defaultCacheCapacity bounds how many decrypted blocks the cache
// holds at once. Unlike the original implementation's LRU-ish cache,
// eviction here is CLOCK (second-chance): cheaper to maintain under
// concurrent access since a hit only has to flip a bit, not relink a
// list.
const defaultCacheCapacity = 512

type cacheEntry struct {
	data       []byte
	dirty      bool
	referenced bool
}

// blockCache is the CLOCK-eviction cache of decrypted blocks sitting
// between the engine and the device. Every physical block the engine
// touches (bitmaps, inode-table blocks, indirect blocks, directory
// and file data blocks) passes through here exactly once per device
// round trip.
type blockCache struct {
	dev    *device.Device
	cipher *cryptio.Cipher

	mu      sync.Mutex
	cap     int
	entries map[uint32]*cacheEntry
	slots   []uint32
	used    []bool
	slotOf  map[uint32]int
	hand    int
}

func newBlockCache(dev *device.Device, cipher *cryptio.Cipher, capacity int) *blockCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &blockCache{
		dev:     dev,
		cipher:  cipher,
		cap:     capacity,
		entries: make(map[uint32]*cacheEntry, capacity),
		slots:   make([]uint32, capacity),
		used:    make([]bool, capacity),
		slotOf:  make(map[uint32]int, capacity),
	}
}

// get returns the decrypted contents of block, loading it from the
// device on a miss. The returned slice is shared with the cache; the
// caller must call markDirty after mutating it.
func (c *blockCache) get(block uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[block]; ok {
		e.referenced = true
		return e.data, nil
	}
	data := make([]byte, BlockSize)
	if err := c.dev.ReadAt(int64(block)*BlockSize, data); err != nil {
		return nil, newErr(KindIOError, "blockCache.get", "", err)
	}
	c.cipher.DecryptBlock(data)
	if err := c.insertLocked(block, data, false); err != nil {
		return nil, err
	}
	return data, nil
}

// markDirty flags block's cached entry so it is written back before
// eviction or on the next explicit flush.
func (c *blockCache) markDirty(block uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[block]; ok {
		e.dirty = true
		e.referenced = true
	}
}

// zero loads a fresh, all-zero block into the cache as dirty, used
// when a block is newly allocated and has no prior on-disk contents
// worth reading.
func (c *blockCache) zero(block uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(block)
	data := make([]byte, BlockSize)
	if err := c.insertLocked(block, data, true); err != nil {
		return nil, err
	}
	return data, nil
}

// remove drops block from the cache without flushing it, used when a
// block has just been freed and its stale contents must never be
// written back.
func (c *blockCache) remove(block uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(block)
}

func (c *blockCache) removeLocked(block uint32) {
	slot, ok := c.slotOf[block]
	if !ok {
		return
	}
	delete(c.entries, block)
	delete(c.slotOf, block)
	c.used[slot] = false
}

func (c *blockCache) insertLocked(block uint32, data []byte, dirty bool) error {
	if len(c.entries) >= c.cap {
		if err := c.evictLocked(); err != nil {
			return err
		}
	}
	slot := -1
	for i, u := range c.used {
		if !u {
			slot = i
			break
		}
	}
	if slot == -1 {
		// Shouldn't happen: evictLocked always frees exactly one slot
		// when the cache is full.
		slot = c.hand
	}
	c.slots[slot] = block
	c.used[slot] = true
	c.slotOf[block] = slot
	c.entries[block] = &cacheEntry{data: data, dirty: dirty, referenced: true}
	return nil
}

// evictLocked runs the CLOCK hand until it finds an unreferenced slot,
// clearing the referenced bit of everything it passes over, flushes
// the victim if dirty, and frees its slot.
func (c *blockCache) evictLocked() error {
	for {
		if !c.used[c.hand] {
			c.hand = (c.hand + 1) % c.cap
			continue
		}
		blk := c.slots[c.hand]
		e := c.entries[blk]
		if e.referenced {
			e.referenced = false
			c.hand = (c.hand + 1) % c.cap
			continue
		}
		if e.dirty {
			if err := c.flushEntry(blk, e); err != nil {
				return err
			}
		}
		c.removeLocked(blk)
		return nil
	}
}

func (c *blockCache) flushEntry(block uint32, e *cacheEntry) error {
	cipherText := c.cipher.EncryptBlock(e.data)
	if err := c.dev.WriteAt(int64(block)*BlockSize, cipherText); err != nil {
		return newErr(KindIOError, "blockCache.flush", "", err)
	}
	e.dirty = false
	return nil
}

// flush writes back every dirty entry without evicting anything.
func (c *blockCache) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for blk, e := range c.entries {
		if e.dirty {
			if err := c.flushEntry(blk, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// readIndirect implements inode.indirectReader: it reads an indirect
// block and decodes it as AddrsPerBlock little-endian uint32 pointers.
func (c *blockCache) readIndirect(physical uint32) ([]uint32, error) {
	data, err := c.get(physical)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, AddrsPerBlock)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	return out, nil
}

// writeIndirectEntry sets slot idx of the indirect block at physical
// to value and marks the block dirty.
func (c *blockCache) writeIndirectEntry(physical uint32, idx int, value uint32) error {
	data, err := c.get(physical)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data[idx*4:idx*4+4], value)
	c.markDirty(physical)
	return nil
}
