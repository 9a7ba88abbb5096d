package ext2

import (
	"encoding/binary"
	"math"
)

// superBlockHeaderSize is the packed width of the superblock header
// occupying the front of block 0; the group-descriptor table is packed
// immediately after it, within the same block.
const superBlockHeaderSize = 128

// MaxGroups bounds how many block groups a single block-0 descriptor
// table can describe.
const MaxGroups = (BlockSize - superBlockHeaderSize) / groupDescSize

// fsState mirrors the original format's s_state. Format writes
// stateNormal directly; stateUninit is never written, and Mount does
// not check the field.
type fsState uint16

const (
	stateUninit fsState = 0
	stateNormal fsState = 1
)

// superBlock is the in-memory decoding of block 0's superblock header:
// s_inodes_count, s_blocks_count, the free counters, sizing fields,
// s_first_ino, s_inode_size (u16), s_state (u16), s_group, and the
// 64-byte authenticator, packed little-endian in that order. AuthString
// is the only part of block 0 the cipher layer touches (see cryptio).
type superBlock struct {
	InodesCount     uint32
	BlocksCount     uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	FirstIno        uint32
	InodeSize       uint16
	State           fsState
	GroupCount      uint32
	AuthString      [64]byte
}

func (s *superBlock) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], s.InodesCount)
	binary.LittleEndian.PutUint32(buf[4:8], s.BlocksCount)
	binary.LittleEndian.PutUint32(buf[8:12], s.FreeBlocksCount)
	binary.LittleEndian.PutUint32(buf[12:16], s.FreeInodesCount)
	binary.LittleEndian.PutUint32(buf[16:20], s.LogBlockSize)
	binary.LittleEndian.PutUint32(buf[20:24], s.BlocksPerGroup)
	binary.LittleEndian.PutUint32(buf[24:28], s.InodesPerGroup)
	binary.LittleEndian.PutUint32(buf[28:32], s.FirstIno)
	binary.LittleEndian.PutUint16(buf[32:34], s.InodeSize)
	binary.LittleEndian.PutUint16(buf[34:36], uint16(s.State))
	binary.LittleEndian.PutUint32(buf[36:40], s.GroupCount)
	copy(buf[40:104], s.AuthString[:])
}

func unmarshalSuperBlock(buf []byte) *superBlock {
	s := &superBlock{
		InodesCount:     binary.LittleEndian.Uint32(buf[0:4]),
		BlocksCount:     binary.LittleEndian.Uint32(buf[4:8]),
		FreeBlocksCount: binary.LittleEndian.Uint32(buf[8:12]),
		FreeInodesCount: binary.LittleEndian.Uint32(buf[12:16]),
		LogBlockSize:    binary.LittleEndian.Uint32(buf[16:20]),
		BlocksPerGroup:  binary.LittleEndian.Uint32(buf[20:24]),
		InodesPerGroup:  binary.LittleEndian.Uint32(buf[24:28]),
		FirstIno:        binary.LittleEndian.Uint32(buf[28:32]),
		InodeSize:       binary.LittleEndian.Uint16(buf[32:34]),
		State:           fsState(binary.LittleEndian.Uint16(buf[34:36])),
		GroupCount:      binary.LittleEndian.Uint32(buf[36:40]),
	}
	copy(s.AuthString[:], buf[40:104])
	return s
}

// metaBlock is the fully decoded contents of block 0: the superblock
// header plus the group-descriptor table packed after it.
type metaBlock struct {
	super *superBlock
	descs []GroupDescriptor
}

// newMetaBlock lays out a brand new, single-group filesystem image.
// The caller is still responsible for allocating the root inode
// through the normal allocator, so group 0's free counters start out
// completely empty rather than pre-accounting for it.
func newMetaBlock(auth []byte) *metaBlock {
	s := &superBlock{
		LogBlockSize:   LogBlockSize,
		BlocksPerGroup: BlocksPerGroup,
		InodesPerGroup: InodesPerGroup,
		FirstIno:       RootInode,
		InodeSize:      InodeSize,
		State:          stateNormal,
		GroupCount:     1,
		InodesCount:    InodesPerGroup,
		BlocksCount:    BlocksPerGroup,
	}
	copy(s.AuthString[:], auth)
	desc := newGroupDescriptor(0)
	return &metaBlock{super: s, descs: []GroupDescriptor{desc}}
}

// loadMetaBlock decodes a previously-formatted block 0.
func loadMetaBlock(buf []byte) *metaBlock {
	s := unmarshalSuperBlock(buf)
	descs := make([]GroupDescriptor, s.GroupCount)
	for i := range descs {
		off := superBlockHeaderSize + i*groupDescSize
		descs[i] = unmarshalGroupDescriptor(buf[off : off+groupDescSize])
	}
	return &metaBlock{super: s, descs: descs}
}

// bytes re-marshals the superblock header and descriptor table into a
// fresh BlockSize-wide buffer ready to be encrypted and written.
func (m *metaBlock) bytes() []byte {
	var freeBlocks, freeInodes uint32
	for _, d := range m.descs {
		freeBlocks += uint32(d.FreeBlocksCount)
		freeInodes += uint32(d.FreeInodesCount)
	}
	m.super.FreeBlocksCount = freeBlocks
	m.super.FreeInodesCount = freeInodes

	buf := make([]byte, BlockSize)
	m.super.marshal(buf)
	for i, d := range m.descs {
		off := superBlockHeaderSize + i*groupDescSize
		d.marshal(buf[off : off+groupDescSize])
	}
	return buf
}

func (m *metaBlock) groupCount() uint32 { return m.super.GroupCount }

func (m *metaBlock) group(idx uint32) *GroupDescriptor {
	if idx >= uint32(len(m.descs)) {
		return nil
	}
	return &m.descs[idx]
}

// addGroup appends a freshly-formatted group descriptor, growing the
// filesystem by one block group's worth of inodes and blocks. It
// refuses once the descriptor table would no longer fit in block 0,
// and once the new group's region would land past what the u32 byte
// offsets in a group descriptor can address.
func (m *metaBlock) addGroup() (uint32, error) {
	idx := uint32(len(m.descs))
	if idx >= MaxGroups {
		return 0, newErr(KindIOError, "addGroup", "", errNoSpaceForGroup)
	}
	if groupRegionStart(idx)+MaxBlockGroupSize > math.MaxUint32 {
		return 0, newErr(KindIOError, "addGroup", "", errNoSpaceForGroup)
	}
	m.descs = append(m.descs, newGroupDescriptor(idx))
	m.super.GroupCount++
	m.super.InodesCount += InodesPerGroup
	m.super.BlocksCount += BlocksPerGroup
	return idx, nil
}
