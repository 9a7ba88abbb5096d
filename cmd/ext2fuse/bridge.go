package main

import (
	"context"
	iofs "io/fs"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/lucidfs/ext2fuse/filesystem/ext2"
)

// errno maps the engine's error kinds onto POSIX errnos at the FUSE
// boundary; this is the only place in the program that performs that
// translation.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case ext2.Is(err, ext2.KindNotFound):
		return syscall.ENOENT
	case ext2.Is(err, ext2.KindAlreadyExists):
		return syscall.EEXIST
	case ext2.Is(err, ext2.KindNotADirectory):
		return syscall.ENOTDIR
	case ext2.Is(err, ext2.KindIsDirectory):
		return syscall.EISDIR
	case ext2.Is(err, ext2.KindInvalid):
		return syscall.EINVAL
	case ext2.Is(err, ext2.KindPermissionDenied), ext2.Is(err, ext2.KindAuthError):
		return syscall.EACCES
	case ext2.Is(err, ext2.KindNotEmpty):
		return syscall.ENOTEMPTY
	case ext2.Is(err, ext2.KindNullPointer):
		return syscall.EFAULT
	default:
		return syscall.EIO
	}
}

// bridgeNode is one node of the kernel-facing tree. It holds no state
// of its own beyond the path it answers for; every operation is one
// call into the engine.
type bridgeNode struct {
	fs.Inode
	eng  *ext2.Engine
	path string
}

func newRoot(eng *ext2.Engine) *bridgeNode {
	return &bridgeNode{eng: eng, path: "/"}
}

func (n *bridgeNode) childPath(name string) string {
	if n.path == "/" {
		return "/" + name
	}
	return n.path + "/" + name
}

func timeOf(sec uint32) time.Time { return time.Unix(int64(sec), 0) }

func fillAttr(in ext2.Inode, num uint32, out *fuse.Attr) {
	out.Ino = uint64(num)
	out.Mode = uint32(in.Mode)
	out.Nlink = uint32(in.LinksCount)
	out.Size = in.Size
	out.Blocks = uint64(in.Blocks)
	out.Atime = uint64(in.Atime)
	out.Mtime = uint64(in.Mtime)
	out.Ctime = uint64(in.Ctime)
	out.Owner = fuse.Owner{Uid: in.UID, Gid: in.GID}
	out.Blksize = ext2.BlockSize
}

func (n *bridgeNode) newChild(ctx context.Context, path string, in ext2.Inode, num uint32) *fs.Inode {
	child := &bridgeNode{eng: n.eng, path: path}
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: uint32(in.Mode) & syscall.S_IFMT,
		Ino:  uint64(num),
	})
}

var _ = (fs.NodeLookuper)((*bridgeNode)(nil))

func (n *bridgeNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := n.childPath(name)
	in, num, err := n.eng.Stat(path)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(in, num, &out.Attr)
	return n.newChild(ctx, path, in, num), 0
}

var _ = (fs.NodeGetattrer)((*bridgeNode)(nil))

func (n *bridgeNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	in, num, err := n.eng.Stat(n.path)
	if err != nil {
		return errno(err)
	}
	fillAttr(in, num, &out.Attr)
	return 0
}

var _ = (fs.NodeSetattrer)((*bridgeNode)(nil))

func (n *bridgeNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if m, ok := in.GetMode(); ok {
		if err := n.eng.Chmod(n.path, iofs.FileMode(m&0777)); err != nil {
			return errno(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		cur, _, err := n.eng.Stat(n.path)
		if err != nil {
			return errno(err)
		}
		if !uok {
			uid = cur.UID
		}
		if !gok {
			gid = cur.GID
		}
		if err := n.eng.Chown(n.path, uid, gid); err != nil {
			return errno(err)
		}
	}
	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		cur, _, err := n.eng.Stat(n.path)
		if err != nil {
			return errno(err)
		}
		if !aok {
			atime = timeOf(cur.Atime)
		}
		if !mok {
			mtime = timeOf(cur.Mtime)
		}
		if err := n.eng.Utimens(n.path, atime, mtime); err != nil {
			return errno(err)
		}
	}
	if sz, ok := in.GetSize(); ok {
		var err error
		if bf, isOpen := fh.(*bridgeFile); isOpen {
			err = n.eng.Truncate(bf.id, sz)
		} else {
			err = n.eng.TruncatePath(n.path, sz)
		}
		if err != nil {
			return errno(err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

var _ = (fs.NodeReaddirer)((*bridgeNode)(nil))

func (n *bridgeNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.eng.ReadDir(n.path)
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, ent := range entries {
		out = append(out, fuse.DirEntry{
			Name: ent.Name,
			Ino:  uint64(ent.Inode),
			Mode: dtMode(ent.FileType),
		})
	}
	return fs.NewListDirStream(out), 0
}

// dtMode turns a directory record's file_type byte into the S_IFMT
// bits readdir reports.
func dtMode(ft uint8) uint32 {
	switch ft {
	case 0x4:
		return syscall.S_IFDIR
	case 0xA:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

var _ = (fs.NodeMkdirer)((*bridgeNode)(nil))

func (n *bridgeNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := n.childPath(name)
	if err := n.eng.Mkdir(path, iofs.FileMode(mode&0777)); err != nil {
		return nil, errno(err)
	}
	in, num, err := n.eng.Stat(path)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(in, num, &out.Attr)
	return n.newChild(ctx, path, in, num), 0
}

var _ = (fs.NodeCreater)((*bridgeNode)(nil))

func (n *bridgeNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	path := n.childPath(name)
	id, err := n.eng.Create(path, iofs.FileMode(mode&0777))
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	in, num, err := n.eng.Stat(path)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fillAttr(in, num, &out.Attr)
	return n.newChild(ctx, path, in, num), &bridgeFile{eng: n.eng, id: id}, 0, 0
}

var _ = (fs.NodeOpener)((*bridgeNode)(nil))

func (n *bridgeNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	id, err := n.eng.Open(n.path)
	if err != nil {
		return nil, 0, errno(err)
	}
	if flags&syscall.O_TRUNC != 0 {
		if err := n.eng.Truncate(id, 0); err != nil {
			_ = n.eng.Release(id)
			return nil, 0, errno(err)
		}
	}
	return &bridgeFile{eng: n.eng, id: id, append: flags&syscall.O_APPEND != 0}, 0, 0
}

var _ = (fs.NodeUnlinker)((*bridgeNode)(nil))

func (n *bridgeNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.eng.Unlink(n.childPath(name)))
}

var _ = (fs.NodeRmdirer)((*bridgeNode)(nil))

func (n *bridgeNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.eng.Rmdir(n.childPath(name)))
}

var _ = (fs.NodeRenamer)((*bridgeNode)(nil))

func (n *bridgeNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*bridgeNode)
	if !ok {
		return syscall.EXDEV
	}
	return errno(n.eng.Rename(n.childPath(name), np.childPath(newName)))
}

var _ = (fs.NodeLinker)((*bridgeNode)(nil))

func (n *bridgeNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*bridgeNode)
	if !ok {
		return nil, syscall.EXDEV
	}
	path := n.childPath(name)
	if err := n.eng.Link(tn.path, path); err != nil {
		return nil, errno(err)
	}
	in, num, err := n.eng.Stat(path)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(in, num, &out.Attr)
	return n.newChild(ctx, path, in, num), 0
}

var _ = (fs.NodeSymlinker)((*bridgeNode)(nil))

func (n *bridgeNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := n.childPath(name)
	if err := n.eng.Symlink(target, path); err != nil {
		return nil, errno(err)
	}
	in, num, err := n.eng.Stat(path)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(in, num, &out.Attr)
	return n.newChild(ctx, path, in, num), 0
}

var _ = (fs.NodeReadlinker)((*bridgeNode)(nil))

func (n *bridgeNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.eng.Readlink(n.path)
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), 0
}

var _ = (fs.NodeFsyncer)((*bridgeNode)(nil))

func (n *bridgeNode) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return errno(n.eng.Fsync())
}

// bridgeFile wraps one engine handle for the kernel's per-open-file
// operations.
type bridgeFile struct {
	eng    *ext2.Engine
	id     uuid.UUID
	append bool
}

var _ = (fs.FileReader)((*bridgeFile)(nil))

func (f *bridgeFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.eng.Read(f.id, dest, off)
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

var _ = (fs.FileWriter)((*bridgeFile)(nil))

func (f *bridgeFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if f.append {
		n, err := f.eng.Append(f.id, data)
		return uint32(n), errno(err)
	}
	n, err := f.eng.Write(f.id, data, off)
	return uint32(n), errno(err)
}

var _ = (fs.FileFlusher)((*bridgeFile)(nil))

func (f *bridgeFile) Flush(ctx context.Context) syscall.Errno {
	return errno(f.eng.Flush(f.id))
}

var _ = (fs.FileFsyncer)((*bridgeFile)(nil))

func (f *bridgeFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errno(f.eng.Fsync())
}

var _ = (fs.FileReleaser)((*bridgeFile)(nil))

func (f *bridgeFile) Release(ctx context.Context) syscall.Errno {
	return errno(f.eng.Release(f.id))
}
