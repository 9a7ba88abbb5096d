package ext2

import "encoding/binary"

// dirEntryHeaderSize is the packed width of one directory record's
// fixed header, before its variable-length name.
const dirEntryHeaderSize = 8

// maxNameLen bounds how long a single path component can be; it only
// has to fit in a uint8 record field.
const maxNameLen = 255

// dirEntry is one decoded directory record. A record with NameLen == 0
// is a tombstone: a deleted entry whose slot is never reused, per the
// append-only directory policy.
type dirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType fileType
	Name     string
	block    uint32 // logical block index within the directory
	offset   int    // byte offset within that block
}

func (e dirEntry) tomb() bool { return e.NameLen == 0 }

// parseDirBlock decodes every record packed into one directory data
// block, in order, stopping at the first record with rec_len == 0
// (the boundary of ever-written space, since records are only ever
// appended).
func parseDirBlock(data []byte, logicalBlock uint32) []dirEntry {
	var out []dirEntry
	pos := 0
	for pos+dirEntryHeaderSize <= BlockSize {
		recLen := binary.LittleEndian.Uint16(data[pos+4 : pos+6])
		if recLen == 0 {
			break
		}
		nameLen := data[pos+6]
		name := string(data[pos+8 : pos+8+int(nameLen)])
		out = append(out, dirEntry{
			Inode:    binary.LittleEndian.Uint32(data[pos : pos+4]),
			RecLen:   recLen,
			NameLen:  nameLen,
			FileType: fileType(data[pos+7]),
			Name:     name,
			block:    logicalBlock,
			offset:   pos,
		})
		pos += int(recLen)
	}
	return out
}

// dirBlockFreeOffset returns the byte offset in data at which the next
// record would be appended.
func dirBlockFreeOffset(data []byte) int {
	pos := 0
	for pos+dirEntryHeaderSize <= BlockSize {
		recLen := binary.LittleEndian.Uint16(data[pos+4 : pos+6])
		if recLen == 0 {
			break
		}
		pos += int(recLen)
	}
	return pos
}

func writeDirEntry(data []byte, pos int, inode uint32, name string, ft fileType) {
	recLen := dirEntryHeaderSize + len(name)
	binary.LittleEndian.PutUint32(data[pos:pos+4], inode)
	binary.LittleEndian.PutUint16(data[pos+4:pos+6], uint16(recLen))
	data[pos+6] = byte(len(name))
	data[pos+7] = byte(ft)
	copy(data[pos+8:pos+8+len(name)], name)
}

func tombstoneDirEntry(data []byte, pos int) {
	binary.LittleEndian.PutUint32(data[pos:pos+4], 0)
	data[pos+6] = 0
}

// listDir returns every live (non-tombstone) record in dirInode.
func listDir(store *groupStore, dirInode *Inode) ([]dirEntry, error) {
	var all []dirEntry
	n := numDataBlocks(dirInode.Size)
	for b := uint32(0); b < n; b++ {
		global, err := mapBlock(dirInode, b, store)
		if err != nil {
			return nil, err
		}
		if global == 0 {
			continue
		}
		data, err := store.readDataBlock(global)
		if err != nil {
			return nil, err
		}
		for _, e := range parseDirBlock(data, b) {
			if !e.tomb() {
				all = append(all, e)
			}
		}
	}
	return all, nil
}

// lookupDir scans dirInode for name and returns its entry.
func lookupDir(store *groupStore, dirInode *Inode, name string) (dirEntry, bool, error) {
	entries, err := listDir(store, dirInode)
	if err != nil {
		return dirEntry{}, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, true, nil
		}
	}
	return dirEntry{}, false, nil
}

// appendDirEntry appends a new record to dirInode, reusing trailing
// free space in the last data block when it fits and allocating a new
// block otherwise. It never reuses a tombstoned slot.
func appendDirEntry(store *groupStore, dirInode *Inode, name string, childInode uint32, ft fileType) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return newErr(KindInvalid, "appendDirEntry", name, nil)
	}
	need := dirEntryHeaderSize + len(name)
	n := numDataBlocks(dirInode.Size)

	if n > 0 {
		lastLogical := n - 1
		global, err := mapBlock(dirInode, lastLogical, store)
		if err != nil {
			return err
		}
		if global != 0 {
			data, err := store.readDataBlock(global)
			if err != nil {
				return err
			}
			free := dirBlockFreeOffset(data)
			if free+need <= BlockSize {
				writeDirEntry(data, free, childInode, name, ft)
				store.markDataBlockDirty(global)
				return nil
			}
		}
	}

	global, err := attachBlock(dirInode, n, store)
	if err != nil {
		return err
	}
	data, err := store.readDataBlock(global)
	if err != nil {
		return err
	}
	writeDirEntry(data, 0, childInode, name, ft)
	store.markDataBlockDirty(global)
	dirInode.Size += BlockSize
	return nil
}

// removeDirEntry tombstones name's record in place.
func removeDirEntry(store *groupStore, dirInode *Inode, name string) error {
	e, found, err := lookupDir(store, dirInode, name)
	if err != nil {
		return err
	}
	if !found {
		return newErr(KindNotFound, "removeDirEntry", name, nil)
	}
	global, err := mapBlock(dirInode, e.block, store)
	if err != nil {
		return err
	}
	data, err := store.readDataBlock(global)
	if err != nil {
		return err
	}
	tombstoneDirEntry(data, e.offset)
	store.markDataBlockDirty(global)
	return nil
}

// isDirEmpty reports whether dirInode has no live records at all
// ("." and ".." are never stored, so any record means a real child).
func isDirEmpty(store *groupStore, dirInode *Inode) (bool, error) {
	entries, err := listDir(store, dirInode)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
