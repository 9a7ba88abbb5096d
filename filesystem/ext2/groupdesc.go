package ext2

import "encoding/binary"

// groupDescSize is the packed on-disk width of one group descriptor;
// bytes past the pad word are reserved and stay zero.
const groupDescSize = 32

// GroupDescriptor is the dense, fixed-width record describing one
// block group: the byte offsets of its bitmaps and inode table, and
// its running free-space counters. The group-descriptor table is an
// array of these packed immediately after the superblock header in
// block 0, little-endian: bg_block_bitmap, bg_inode_bitmap,
// bg_inode_table (u32 byte offsets), then the three u16 counters and
// a u16 pad.
type GroupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

func (g *GroupDescriptor) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], g.BlockBitmap)
	binary.LittleEndian.PutUint32(buf[4:8], g.InodeBitmap)
	binary.LittleEndian.PutUint32(buf[8:12], g.InodeTable)
	binary.LittleEndian.PutUint16(buf[12:14], g.FreeBlocksCount)
	binary.LittleEndian.PutUint16(buf[14:16], g.FreeInodesCount)
	binary.LittleEndian.PutUint16(buf[16:18], g.UsedDirsCount)
	// buf[18:32] pad + reserved, left zero
}

func unmarshalGroupDescriptor(buf []byte) GroupDescriptor {
	return GroupDescriptor{
		BlockBitmap:     binary.LittleEndian.Uint32(buf[0:4]),
		InodeBitmap:     binary.LittleEndian.Uint32(buf[4:8]),
		InodeTable:      binary.LittleEndian.Uint32(buf[8:12]),
		FreeBlocksCount: binary.LittleEndian.Uint16(buf[12:14]),
		FreeInodesCount: binary.LittleEndian.Uint16(buf[14:16]),
		UsedDirsCount:   binary.LittleEndian.Uint16(buf[16:18]),
	}
}

// newGroupDescriptor builds the descriptor for a freshly-formatted
// group idx: both bitmaps start fully clear and every block/inode is free.
func newGroupDescriptor(idx uint32) GroupDescriptor {
	return GroupDescriptor{
		BlockBitmap:     uint32(blockBitmapOffset(idx)),
		InodeBitmap:     uint32(inodeBitmapOffset(idx)),
		InodeTable:      uint32(inodeTableOffset(idx)),
		FreeBlocksCount: BlocksPerGroup,
		FreeInodesCount: InodesPerGroup,
		UsedDirsCount:   0,
	}
}
