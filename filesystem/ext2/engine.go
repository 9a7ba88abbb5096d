package ext2

import (
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lucidfs/ext2fuse/cryptio"
	"github.com/lucidfs/ext2fuse/device"
)

// Options configures a new or reopened Engine. There is no global
// singleton: every mount owns its own Engine, its own cache, and its
// own logger, so a process can in principle serve more than one image
// at a time.
type Options struct {
	// Password, if non-empty, enables the at-rest AES-256-CBC cipher.
	Password string
	// CacheBlocks bounds the block cache's capacity; zero uses
	// defaultCacheCapacity.
	CacheBlocks int
	// Log receives structured engine diagnostics. A nil Log falls back
	// to logrus's standard logger.
	Log logrus.FieldLogger
}

func (o Options) log() logrus.FieldLogger {
	if o.Log != nil {
		return o.Log
	}
	return logrus.StandardLogger()
}

// Engine is the full storage-engine API a FUSE (or any other) bridge
// drives. One engine-wide mutex serializes directory-shape mutations
// (create/mkdir/unlink/rmdir/rename/link); concurrent reads and writes
// on already-open files proceed independently under their own
// per-inode and per-handle locks.
type Engine struct {
	log     logrus.FieldLogger
	dev     *device.Device
	cipher  *cryptio.Cipher
	mb      *metaBlock
	cache   *blockCache
	store   *groupStore
	handles *handleManager
	dentry  *dentryCache
	metaMu  sync.Mutex
}

// Format creates a brand new, single-block-group image at path and
// returns it already mounted.
func Format(path string, size int64, opts Options) (*Engine, error) {
	log := opts.log()
	dev, err := device.Create(path, size, log)
	if err != nil {
		return nil, newErr(KindIOError, "Format", path, err)
	}
	cipher, err := cryptio.New(opts.Password)
	if err != nil {
		dev.Close()
		return nil, newErr(KindInvalid, "Format", path, err)
	}
	mb := newMetaBlock(cryptio.NewAuthPlaintext())
	cache := newBlockCache(dev, cipher, opts.CacheBlocks)
	store := newGroupStore(mb, cache)

	if err := store.initGroupBitmaps(0); err != nil {
		dev.Close()
		return nil, err
	}
	// Global block number 0 doubles as the "no block" marker in i_block
	// and indirect entries, so group 0's first data block is reserved
	// here and never handed out.
	bm, err := store.blockBitmap(0)
	if err != nil {
		dev.Close()
		return nil, err
	}
	bm.Set(0)
	cache.markDirty(uint32(mb.group(0).BlockBitmap / BlockSize))
	mb.group(0).FreeBlocksCount--
	rootNum, err := store.allocInode(true)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if rootNum != mb.super.FirstIno {
		dev.Close()
		return nil, newErr(KindIOError, "Format", path, nil)
	}
	// The root starts truly empty: no stored "." or ".." records (they
	// are synthesized at the readdir boundary), no data block, size 0,
	// one link.
	root, err := store.getInode(rootNum)
	if err != nil {
		dev.Close()
		return nil, err
	}
	now := time.Now()
	root.Mode = toDiskMode(fs.ModeDir | 0755)
	root.LinksCount = 1
	touch(root, now)
	if err := store.putInode(rootNum, root); err != nil {
		dev.Close()
		return nil, err
	}
	if err := cache.flush(); err != nil {
		dev.Close()
		return nil, err
	}
	if err := writeMetaBlock(dev, cipher, mb); err != nil {
		dev.Close()
		return nil, err
	}

	log.WithField("path", path).Info("formatted new ext2 image")
	return &Engine{
		log:     log,
		dev:     dev,
		cipher:  cipher,
		mb:      mb,
		cache:   cache,
		store:   store,
		handles: newHandleManager(store),
		dentry:  newDentryCache(mb.super.FirstIno),
	}, nil
}

// Mount opens an existing image, verifying the password (if any)
// against the embedded authenticator before trusting the rest of the
// metadata.
func Mount(path string, opts Options) (*Engine, error) {
	log := opts.log()
	dev, err := device.Open(path, log)
	if err != nil {
		return nil, newErr(KindIOError, "Mount", path, err)
	}
	cipher, err := cryptio.New(opts.Password)
	if err != nil {
		dev.Close()
		return nil, newErr(KindInvalid, "Mount", path, err)
	}
	mb, err := readMetaBlock(dev, cipher)
	if err != nil {
		dev.Close()
		return nil, err
	}
	cache := newBlockCache(dev, cipher, opts.CacheBlocks)
	store := newGroupStore(mb, cache)
	log.WithField("path", path).Info("mounted ext2 image")
	return &Engine{
		log:     log,
		dev:     dev,
		cipher:  cipher,
		mb:      mb,
		cache:   cache,
		store:   store,
		handles: newHandleManager(store),
		dentry:  newDentryCache(mb.super.FirstIno),
	}, nil
}

// Unmount flushes every dirty block and the superblock, then closes
// the underlying device. It is also used as the FUSE Destroy hook.
func (e *Engine) Unmount() error {
	if err := e.cache.flush(); err != nil {
		return err
	}
	if err := writeMetaBlock(e.dev, e.cipher, e.mb); err != nil {
		return err
	}
	return e.dev.Close()
}

// Destroy is an alias for Unmount matching the FUSE lifecycle hook name.
func (e *Engine) Destroy() error { return e.Unmount() }

// Fsync flushes every dirty cached block without unmounting.
func (e *Engine) Fsync() error {
	if err := e.cache.flush(); err != nil {
		return err
	}
	return writeMetaBlock(e.dev, e.cipher, e.mb)
}

// Flush is the per-handle fsync hook; the engine has no per-handle
// write buffering beyond the shared block cache, so it just flushes.
func (e *Engine) Flush(id uuid.UUID) error {
	return e.Fsync()
}

// resolve walks path through the dentry cache (falling back to real
// directory contents on a miss) and returns the resolved node and its
// current inode contents.
func (e *Engine) resolve(path string) (*dentryNode, *Inode, error) {
	comps, err := splitPath(path)
	if err != nil {
		return nil, nil, err
	}
	node := e.dentry.root
	for _, name := range comps {
		if child, ok := e.dentry.lookup(node, name); ok {
			node = child
			continue
		}
		parentIn, err := e.handles.snapshot(node.inode, e.store)
		if err != nil {
			return nil, nil, err
		}
		if !parentIn.isDir() {
			return nil, nil, newErr(KindNotADirectory, "resolve", path, nil)
		}
		ent, found, err := lookupDir(e.store, parentIn, name)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, nil, newErr(KindNotFound, "resolve", path, nil)
		}
		node = e.dentry.insert(node, name, ent.Inode, ent.FileType)
	}
	in, err := e.handles.snapshot(node.inode, e.store)
	if err != nil {
		return nil, nil, err
	}
	return node, in, nil
}

// resolveParent resolves every component of path but the last, and
// returns the parent directory's node, its inode, and the final
// component's name, still unresolved: it may or may not exist yet.
func (e *Engine) resolveParent(path string) (*dentryNode, *Inode, string, error) {
	comps, err := splitPath(path)
	if err != nil {
		return nil, nil, "", err
	}
	if len(comps) == 0 {
		return nil, nil, "", newErr(KindInvalid, "resolveParent", path, nil)
	}
	node := e.dentry.root
	for _, name := range comps[:len(comps)-1] {
		if child, ok := e.dentry.lookup(node, name); ok {
			node = child
			continue
		}
		parentIn, err := e.handles.snapshot(node.inode, e.store)
		if err != nil {
			return nil, nil, "", err
		}
		ent, found, err := lookupDir(e.store, parentIn, name)
		if err != nil {
			return nil, nil, "", err
		}
		if !found {
			return nil, nil, "", newErr(KindNotFound, "resolveParent", path, nil)
		}
		node = e.dentry.insert(node, name, ent.Inode, ent.FileType)
	}
	parentIn, err := e.handles.snapshot(node.inode, e.store)
	if err != nil {
		return nil, nil, "", err
	}
	if !parentIn.isDir() {
		return nil, nil, "", newErr(KindNotADirectory, "resolveParent", path, nil)
	}
	return node, parentIn, comps[len(comps)-1], nil
}

// GetAttr returns the inode currently backing path.
func (e *Engine) GetAttr(path string) (Inode, error) {
	_, in, err := e.resolve(path)
	if err != nil {
		return Inode{}, err
	}
	return *in, nil
}

// Stat is GetAttr plus the inode number backing path, which the FUSE
// bridge needs for stable node identities.
func (e *Engine) Stat(path string) (Inode, uint32, error) {
	node, in, err := e.resolve(path)
	if err != nil {
		return Inode{}, 0, err
	}
	return *in, node.inode, nil
}

// ReadDir returns the entries of the directory at path: "." and ".."
// first (synthesized, never stored as records), then every live
// on-disk record.
func (e *Engine) ReadDir(path string) ([]DirEntry, error) {
	node, in, err := e.resolve(path)
	if err != nil {
		return nil, err
	}
	if !in.isDir() {
		return nil, newErr(KindNotADirectory, "ReadDir", path, nil)
	}
	parent := node.inode
	if node.parent != nil {
		parent = node.parent.inode
	}
	entries, err := listDir(e.store, in)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries)+2)
	out = append(out,
		DirEntry{Inode: node.inode, Name: ".", FileType: uint8(typeDirectory)},
		DirEntry{Inode: parent, Name: "..", FileType: uint8(typeDirectory)},
	)
	for _, ent := range entries {
		out = append(out, DirEntry{Inode: ent.Inode, Name: ent.Name, FileType: uint8(ent.FileType)})
	}
	return out, nil
}

// Access reports whether path resolves to anything at all; permission
// bits are tracked but not enforced (single-user mounts only).
func (e *Engine) Access(path string) error {
	_, _, err := e.resolve(path)
	return err
}

func (e *Engine) mkNode(path string, mode fs.FileMode, ft fileType) (uint32, error) {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	parentNode, parentIn, name, err := e.resolveParent(path)
	if err != nil {
		return 0, err
	}
	if _, found, _ := lookupDir(e.store, parentIn, name); found {
		return 0, newErr(KindAlreadyExists, "mkNode", path, nil)
	}
	num, err := e.store.allocInode(ft == typeDirectory)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	in, err := e.store.getInode(num)
	if err != nil {
		return 0, err
	}
	in.Mode = toDiskMode(mode)
	in.LinksCount = 1
	touch(in, now)
	if err := e.store.putInode(num, in); err != nil {
		return 0, err
	}
	if err := appendDirEntry(e.store, parentIn, name, num, ft); err != nil {
		return 0, err
	}
	if err := e.store.putInode(parentNode.inode, parentIn); err != nil {
		return 0, err
	}
	e.dentry.insert(parentNode, name, num, ft)
	return num, nil
}

// Mkdir creates an empty directory at path.
func (e *Engine) Mkdir(path string, mode fs.FileMode) error {
	_, err := e.mkNode(path, mode|fs.ModeDir, typeDirectory)
	return err
}

// Create creates a new regular file at path and returns a handle on it.
func (e *Engine) Create(path string, mode fs.FileMode) (uuid.UUID, error) {
	num, err := e.mkNode(path, mode, typeRegular)
	if err != nil {
		return uuid.UUID{}, err
	}
	h, err := e.handles.open(num)
	if err != nil {
		return uuid.UUID{}, err
	}
	return h.ID(), nil
}

// Symlink creates a symbolic link at path whose target is target.
func (e *Engine) Symlink(target, path string) error {
	num, err := e.mkNode(path, 0777|fs.ModeSymlink, typeSymlink)
	if err != nil {
		return err
	}
	h, err := e.handles.open(num)
	if err != nil {
		return err
	}
	defer e.handles.close(h.id)
	_, err = h.write(e.store, []byte(target), 0)
	return err
}

// Readlink returns the stored target of the symlink at path.
func (e *Engine) Readlink(path string) (string, error) {
	_, in, err := e.resolve(path)
	if err != nil {
		return "", err
	}
	if !in.isLink() {
		return "", newErr(KindInvalid, "Readlink", path, nil)
	}
	buf := make([]byte, in.Size)
	h, err := e.handles.open(e.mustNode(path).inode)
	if err != nil {
		return "", err
	}
	defer e.handles.close(h.id)
	if _, err := h.read(e.store, buf, 0); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (e *Engine) mustNode(path string) *dentryNode {
	node, _, _ := e.resolve(path)
	return node
}

// Rmdir removes the empty directory at path.
func (e *Engine) Rmdir(path string) error {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	parentNode, parentIn, name, err := e.resolveParent(path)
	if err != nil {
		return err
	}
	ent, found, err := lookupDir(e.store, parentIn, name)
	if err != nil {
		return err
	}
	if !found {
		return newErr(KindNotFound, "Rmdir", path, nil)
	}
	if ent.FileType != typeDirectory {
		return newErr(KindNotADirectory, "Rmdir", path, nil)
	}
	childIn, err := e.store.getInode(ent.Inode)
	if err != nil {
		return err
	}
	empty, err := isDirEmpty(e.store, childIn)
	if err != nil {
		return err
	}
	if !empty {
		return newErr(KindNotEmpty, "Rmdir", path, nil)
	}
	if err := truncateBlocks(childIn, 0, e.store); err != nil {
		return err
	}
	if err := e.store.freeInode(ent.Inode, true); err != nil {
		return err
	}
	if err := removeDirEntry(e.store, parentIn, name); err != nil {
		return err
	}
	e.dentry.remove(parentNode, name)
	return nil
}

// Unlink removes the directory entry at path, freeing the inode once
// its link count (and open-handle refcount) reach zero.
func (e *Engine) Unlink(path string) error {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	parentNode, parentIn, name, err := e.resolveParent(path)
	if err != nil {
		return err
	}
	ent, found, err := lookupDir(e.store, parentIn, name)
	if err != nil {
		return err
	}
	if !found {
		return newErr(KindNotFound, "Unlink", path, nil)
	}
	if ent.FileType == typeDirectory {
		return newErr(KindIsDirectory, "Unlink", path, nil)
	}
	if err := removeDirEntry(e.store, parentIn, name); err != nil {
		return err
	}
	e.dentry.remove(parentNode, name)
	return e.dropLink(ent.Inode)
}

// dropLink decrements inode num's link count, freeing the inode and
// every block it owns once neither a name nor an open handle refers
// to it.
func (e *Engine) dropLink(num uint32) error {
	in, err := e.store.getInode(num)
	if err != nil {
		return err
	}
	if in.LinksCount > 0 {
		in.LinksCount--
	}
	if in.LinksCount == 0 {
		// Deferred until every open handle on it closes: still-open
		// handles keep reading/writing through their inodeCache even
		// after the name disappears, matching POSIX unlink-while-open.
		if !e.handles.isOpen(num) {
			if err := truncateBlocks(in, 0, e.store); err != nil {
				return err
			}
			return e.store.freeInode(num, false)
		}
		e.handles.markPendingFree(num)
		return nil
	}
	return e.store.putInode(num, in)
}

// Link creates a new hard link newPath pointing at the same inode as
// oldPath.
func (e *Engine) Link(oldPath, newPath string) error {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	_, oldIn, err := e.resolve(oldPath)
	if err != nil {
		return err
	}
	oldNode := e.mustNode(oldPath)
	if oldIn.isDir() {
		return newErr(KindIsDirectory, "Link", oldPath, nil)
	}
	parentNode, parentIn, name, err := e.resolveParent(newPath)
	if err != nil {
		return err
	}
	if _, found, _ := lookupDir(e.store, parentIn, name); found {
		return newErr(KindAlreadyExists, "Link", newPath, nil)
	}
	oldIn.LinksCount++
	if err := e.store.putInode(oldNode.inode, oldIn); err != nil {
		return err
	}
	if err := appendDirEntry(e.store, parentIn, name, oldNode.inode, oldIn.kind()); err != nil {
		return err
	}
	if err := e.store.putInode(parentNode.inode, parentIn); err != nil {
		return err
	}
	e.dentry.insert(parentNode, name, oldNode.inode, oldIn.kind())
	return nil
}

// Rename moves the entry at oldPath to newPath, both within the same
// mount.
func (e *Engine) Rename(oldPath, newPath string) error {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	oldParentNode, oldParentIn, oldName, err := e.resolveParent(oldPath)
	if err != nil {
		return err
	}
	ent, found, err := lookupDir(e.store, oldParentIn, oldName)
	if err != nil {
		return err
	}
	if !found {
		return newErr(KindNotFound, "Rename", oldPath, nil)
	}
	newParentNode, newParentIn, newName, err := e.resolveParent(newPath)
	if err != nil {
		return err
	}
	if existing, found, _ := lookupDir(e.store, newParentIn, newName); found {
		if existing.FileType == typeDirectory {
			return newErr(KindIsDirectory, "Rename", newPath, nil)
		}
		if err := removeDirEntry(e.store, newParentIn, newName); err != nil {
			return err
		}
		e.dentry.remove(newParentNode, newName)
		if err := e.dropLink(existing.Inode); err != nil {
			return err
		}
	}
	if err := appendDirEntry(e.store, newParentIn, newName, ent.Inode, ent.FileType); err != nil {
		return err
	}
	if err := removeDirEntry(e.store, oldParentIn, oldName); err != nil {
		return err
	}
	if err := e.store.putInode(newParentNode.inode, newParentIn); err != nil {
		return err
	}
	if err := e.store.putInode(oldParentNode.inode, oldParentIn); err != nil {
		return err
	}
	e.dentry.remove(oldParentNode, oldName)
	e.dentry.insert(newParentNode, newName, ent.Inode, ent.FileType)
	return nil
}

// Chmod changes path's permission bits.
func (e *Engine) Chmod(path string, mode fs.FileMode) error {
	return e.mutate(path, func(in *Inode) {
		in.Mode = (in.Mode &^ 0777) | uint16(mode&0777)
	})
}

// Chown changes path's owning uid/gid.
func (e *Engine) Chown(path string, uid, gid uint32) error {
	return e.mutate(path, func(in *Inode) {
		in.UID, in.GID = uid, gid
	})
}

// Utimens sets path's access and modification times.
func (e *Engine) Utimens(path string, atime, mtime time.Time) error {
	return e.mutate(path, func(in *Inode) {
		in.Atime = uint32(atime.Unix())
		in.Mtime = uint32(mtime.Unix())
	})
}

func (e *Engine) mutate(path string, fn func(in *Inode)) error {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	node, in, err := e.resolve(path)
	if err != nil {
		return err
	}
	fn(in)
	in.Ctime = uint32(time.Now().Unix())
	return e.store.putInode(node.inode, in)
}

// Open returns a handle on the regular file at path.
func (e *Engine) Open(path string) (uuid.UUID, error) {
	_, in, err := e.resolve(path)
	if err != nil {
		return uuid.UUID{}, err
	}
	if in.isDir() {
		return uuid.UUID{}, newErr(KindIsDirectory, "Open", path, nil)
	}
	node := e.mustNode(path)
	h, err := e.handles.open(node.inode)
	if err != nil {
		return uuid.UUID{}, err
	}
	return h.ID(), nil
}

// OpenDir returns a File positioned for ReadDir on the directory at path.
func (e *Engine) OpenDir(path string) (File, error) {
	node, in, err := e.resolve(path)
	if err != nil {
		return nil, err
	}
	if !in.isDir() {
		return nil, newErr(KindNotADirectory, "OpenDir", path, nil)
	}
	h, err := e.handles.open(node.inode)
	if err != nil {
		return nil, err
	}
	return &openFile{eng: e, h: h, name: path}, nil
}

// Read reads up to len(p) bytes at off from the open handle id.
func (e *Engine) Read(id uuid.UUID, p []byte, off int64) (int, error) {
	h, ok := e.handles.get(id)
	if !ok {
		return 0, newErr(KindInvalid, "Read", "", nil)
	}
	return h.read(e.store, p, off)
}

// Write writes p at off through the open handle id.
func (e *Engine) Write(id uuid.UUID, p []byte, off int64) (int, error) {
	h, ok := e.handles.get(id)
	if !ok {
		return 0, newErr(KindInvalid, "Write", "", nil)
	}
	return h.write(e.store, p, off)
}

// Append writes p at the current end of file through handle id,
// honoring O_APPEND semantics even when other handles are extending
// the same inode concurrently.
func (e *Engine) Append(id uuid.UUID, p []byte) (int, error) {
	h, ok := e.handles.get(id)
	if !ok {
		return 0, newErr(KindInvalid, "Append", "", nil)
	}
	return h.appendWrite(e.store, p)
}

// Truncate resizes the file backing handle id.
func (e *Engine) Truncate(id uuid.UUID, size uint64) error {
	h, ok := e.handles.get(id)
	if !ok {
		return newErr(KindInvalid, "Truncate", "", nil)
	}
	return h.truncate(e.store, size)
}

// TruncatePath resizes path without requiring an already-open handle
// (the FUSE truncate-by-path call).
func (e *Engine) TruncatePath(path string, size uint64) error {
	e.metaMu.Lock()
	node, _, err := e.resolve(path)
	e.metaMu.Unlock()
	if err != nil {
		return err
	}
	h, err := e.handles.open(node.inode)
	if err != nil {
		return err
	}
	defer e.handles.close(h.id)
	return h.truncate(e.store, size)
}

// Release closes the handle id, flushing and freeing its inode if the
// handle's close was the last thing keeping an unlinked inode alive.
func (e *Engine) Release(id uuid.UUID) error {
	h, ok := e.handles.get(id)
	if !ok {
		return newErr(KindInvalid, "Release", "", nil)
	}
	num := h.ic.num
	if err := e.handles.close(id); err != nil {
		return err
	}
	if !e.handles.isOpen(num) && e.handles.pendingFree(num) {
		in, err := e.store.getInode(num)
		if err != nil {
			return err
		}
		if err := truncateBlocks(in, 0, e.store); err != nil {
			return err
		}
		e.handles.clearPendingFree(num)
		return e.store.freeInode(num, in.isDir())
	}
	return nil
}
