package ext2

import (
	"encoding/binary"
	"io/fs"
	"time"
)

// fileType mirrors the high bits of i_mode identifying the inode kind,
// also stored redundantly in each directory record's file_type byte so
// readdir never has to fault in the inode to tell a file from a directory.
type fileType uint8

// On-disk file_type byte values, shared with the directory record
// format: DT_DIR, DT_REG and DT_LNK as ext2 encodes them.
const (
	typeUnknown   fileType = 0x0
	typeDirectory fileType = 0x4
	typeRegular   fileType = 0x8
	typeSymlink   fileType = 0xA
)

// inodeFlag bits live in Inode.Flags. The engine persists them across
// load/store but does not interpret any of them today; they exist so a
// future feature (immutable files, append-only, ...) has somewhere to
// live without a format change.
type inodeFlag uint32

const (
	flagNone inodeFlag = 0
)

// Inode is the 128-byte on-disk inode record, decoded once into this
// struct and marshalled back on every dirtying operation.
type Inode struct {
	Mode       uint16
	UID        uint32
	GID        uint32
	LinksCount uint16
	Size       uint64
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	Blocks     uint32 // count of 512-byte sectors, ext2-style
	Flags      inodeFlag
	Block      [NBlockAddrs]uint32
}

func inodeFromBytes(buf []byte) *Inode {
	in := &Inode{
		Mode:       binary.LittleEndian.Uint16(buf[0:2]),
		UID:        binary.LittleEndian.Uint32(buf[4:8]),
		GID:        binary.LittleEndian.Uint32(buf[8:12]),
		LinksCount: binary.LittleEndian.Uint16(buf[12:14]),
		Size:       binary.LittleEndian.Uint64(buf[16:24]),
		Atime:      binary.LittleEndian.Uint32(buf[24:28]),
		Ctime:      binary.LittleEndian.Uint32(buf[28:32]),
		Mtime:      binary.LittleEndian.Uint32(buf[32:36]),
		Dtime:      binary.LittleEndian.Uint32(buf[36:40]),
		Blocks:     binary.LittleEndian.Uint32(buf[40:44]),
		Flags:      inodeFlag(binary.LittleEndian.Uint32(buf[44:48])),
	}
	for i := 0; i < NBlockAddrs; i++ {
		off := 48 + i*4
		in.Block[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return in
}

func (in *Inode) toBytes(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint16(buf[0:2], in.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], in.UID)
	binary.LittleEndian.PutUint32(buf[8:12], in.GID)
	binary.LittleEndian.PutUint16(buf[12:14], in.LinksCount)
	binary.LittleEndian.PutUint64(buf[16:24], in.Size)
	binary.LittleEndian.PutUint32(buf[24:28], in.Atime)
	binary.LittleEndian.PutUint32(buf[28:32], in.Ctime)
	binary.LittleEndian.PutUint32(buf[32:36], in.Mtime)
	binary.LittleEndian.PutUint32(buf[36:40], in.Dtime)
	binary.LittleEndian.PutUint32(buf[40:44], in.Blocks)
	binary.LittleEndian.PutUint32(buf[44:48], uint32(in.Flags))
	for i := 0; i < NBlockAddrs; i++ {
		off := 48 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], in.Block[i])
	}
}

// i_mode stores a traditional POSIX mode_t: permission bits in the low
// 9 bits, file-type bits (S_IFDIR/S_IFREG/S_IFLNK) in the high nibble,
// exactly as a traditional ext2_inode.i_mode does, not Go's
// fs.FileMode bit layout, which uses the top bit for directories and
// would not survive a round trip through a 16-bit field.
const (
	diskTypeMask = 0170000
	diskTypeDir  = 0040000
	diskTypeReg  = 0100000
	diskTypeLnk  = 0120000
)

func (in *Inode) isDir() bool  { return in.Mode&diskTypeMask == diskTypeDir }
func (in *Inode) isLink() bool { return in.Mode&diskTypeMask == diskTypeLnk }

// toDiskMode packs a Go fs.FileMode into the on-disk mode_t encoding.
func toDiskMode(m fs.FileMode) uint16 {
	perm := uint16(m.Perm())
	switch {
	case m.IsDir():
		return diskTypeDir | perm
	case m&fs.ModeSymlink != 0:
		return diskTypeLnk | perm
	default:
		return diskTypeReg | perm
	}
}

// fsMode unpacks the on-disk mode_t encoding into a Go fs.FileMode.
func fsMode(in *Inode) fs.FileMode {
	perm := fs.FileMode(in.Mode & 0777)
	switch in.Mode & diskTypeMask {
	case diskTypeDir:
		return perm | fs.ModeDir
	case diskTypeLnk:
		return perm | fs.ModeSymlink
	default:
		return perm
	}
}

func (in *Inode) kind() fileType {
	switch {
	case in.isDir():
		return typeDirectory
	case in.isLink():
		return typeSymlink
	default:
		return typeRegular
	}
}

func touch(in *Inode, now time.Time) {
	t := uint32(now.Unix())
	in.Atime, in.Ctime, in.Mtime = t, t, t
}

// numDataBlocks returns how many 4096-byte data blocks a file of this
// size occupies, i.e. the logical block count, not the sector count
// stored in i_blocks.
func numDataBlocks(size uint64) uint32 {
	return uint32((size + BlockSize - 1) / BlockSize)
}

// blockVisitor is called once per data block a traversal reaches, in
// logical-block order. Returning false stops the traversal early
// without it being treated as an error.
type blockVisitor func(logical uint32, physical uint32) (cont bool)

// indirectReader fetches the contents of an indirect block by its
// physical block number, used by visitInodeBlocks/mapBlock to walk
// the indirection tree without the inode package depending on the
// block-group/cache layers directly.
type indirectReader interface {
	readIndirect(physical uint32) ([]uint32, error)
}

// mapBlock resolves a logical block index to the physical block
// number recorded for it, following up to three levels of indirection.
// It returns (0, nil) if the logical block has never been allocated
// (a hole).
func mapBlock(in *Inode, logical uint32, r indirectReader) (uint32, error) {
	l := int64(logical)
	switch {
	case l < NDirBlocks:
		return in.Block[l], nil
	case l < singleIndirectBoundary:
		return followIndirect(in.Block[IndBlock], []int64{l - NDirBlocks}, r)
	case l < doubleIndirectBoundary:
		rem := l - singleIndirectBoundary
		return followIndirect(in.Block[DIndBlock], []int64{rem / N, rem % N}, r)
	case l < tripleIndirectBoundary:
		rem := l - doubleIndirectBoundary
		return followIndirect(in.Block[TIndBlock], []int64{rem / (N * N), (rem / N) % N, rem % N}, r)
	default:
		return 0, newErr(KindInvalid, "mapBlock", "", nil)
	}
}

func followIndirect(root uint32, path []int64, r indirectReader) (uint32, error) {
	cur := root
	for _, idx := range path {
		if cur == 0 {
			return 0, nil
		}
		tbl, err := r.readIndirect(cur)
		if err != nil {
			return 0, err
		}
		cur = tbl[idx]
	}
	return cur, nil
}

// visitInodeBlocks walks every data block currently attached to in, in
// logical order, including indirect/double-indirect/triple-indirect
// index blocks themselves (the visitor is called for those too, since
// they occupy space and fsck/free must account for them).
func visitInodeBlocks(in *Inode, r indirectReader, visit blockVisitor) error {
	n := numDataBlocks(in.Size)
	for i := uint32(0); i < n && i < NDirBlocks; i++ {
		if in.Block[i] == 0 {
			continue
		}
		if !visit(i, in.Block[i]) {
			return nil
		}
	}
	if n <= NDirBlocks {
		return nil
	}
	if in.Block[IndBlock] != 0 {
		if !visit(IndBlock, in.Block[IndBlock]) {
			return nil
		}
		if cont, err := visitIndirectRange(in.Block[IndBlock], NDirBlocks, n, 1, r, visit); err != nil || !cont {
			return err
		}
	}
	if n <= singleIndirectBoundary {
		return nil
	}
	if in.Block[DIndBlock] != 0 {
		if !visit(DIndBlock, in.Block[DIndBlock]) {
			return nil
		}
		if cont, err := visitDoubleIndirect(in.Block[DIndBlock], singleIndirectBoundary, n, r, visit); err != nil || !cont {
			return err
		}
	}
	if n <= doubleIndirectBoundary {
		return nil
	}
	if in.Block[TIndBlock] != 0 {
		if !visit(TIndBlock, in.Block[TIndBlock]) {
			return nil
		}
		if _, err := visitTripleIndirect(in.Block[TIndBlock], doubleIndirectBoundary, n, r, visit); err != nil {
			return err
		}
	}
	return nil
}

func visitIndirectRange(physical uint32, base uint32, n uint32, depth int, r indirectReader, visit blockVisitor) (bool, error) {
	tbl, err := r.readIndirect(physical)
	if err != nil {
		return false, err
	}
	for i, p := range tbl {
		logical := base + uint32(i)
		if logical >= n {
			break
		}
		if p == 0 {
			continue
		}
		if !visit(logical, p) {
			return false, nil
		}
	}
	return true, nil
}

func visitDoubleIndirect(physical uint32, base uint32, n uint32, r indirectReader, visit blockVisitor) (bool, error) {
	tbl, err := r.readIndirect(physical)
	if err != nil {
		return false, err
	}
	for i, p := range tbl {
		rangeBase := base + uint32(i)*N
		if rangeBase >= n {
			break
		}
		if p == 0 {
			continue
		}
		if !visit(rangeBase, p) {
			return false, nil
		}
		cont, err := visitIndirectRange(p, rangeBase, n, 2, r, visit)
		if err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}

func visitTripleIndirect(physical uint32, base uint32, n uint32, r indirectReader, visit blockVisitor) (bool, error) {
	tbl, err := r.readIndirect(physical)
	if err != nil {
		return false, err
	}
	for i, p := range tbl {
		rangeBase := base + uint32(i)*N*N
		if rangeBase >= n {
			break
		}
		if p == 0 {
			continue
		}
		if !visit(rangeBase, p) {
			return false, nil
		}
		cont, err := visitDoubleIndirect(p, rangeBase, n, r, visit)
		if err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}
