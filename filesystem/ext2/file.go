package ext2

import (
	"io"
	"io/fs"
	"time"
)

// File is the handle-facing view of an open inode: a directory can be
// read with ReadDir, a regular file with Read/Write/Seek. It is the
// same shape the original backend used for every file, adapted here
// to sit directly on top of a handle instead of a generic filesystem.
type File interface {
	fs.ReadDirFile
	io.Writer
	io.Seeker
}

type openFile struct {
	eng  *Engine
	h    *handle
	name string
	diri int // ReadDir cursor
}

func (f *openFile) Stat() (fs.FileInfo, error) {
	in := f.h.snapshot()
	return fileInfo{name: f.name, in: in}, nil
}

func (f *openFile) Read(p []byte) (int, error) {
	n, err := f.h.read(f.eng.store, p, f.h.pos)
	f.h.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *openFile) Write(p []byte) (int, error) {
	n, err := f.h.write(f.eng.store, p, f.h.pos)
	f.h.pos += int64(n)
	return n, err
}

func (f *openFile) Seek(offset int64, whence int) (int64, error) {
	in := f.h.snapshot()
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.h.pos
	case io.SeekEnd:
		base = int64(in.Size)
	default:
		return 0, newErr(KindInvalid, "Seek", f.name, nil)
	}
	pos := base + offset
	if pos < 0 {
		return 0, newErr(KindInvalid, "Seek", f.name, nil)
	}
	f.h.pos = pos
	return pos, nil
}

func (f *openFile) ReadDir(n int) ([]fs.DirEntry, error) {
	in := f.h.snapshot()
	stored, err := listDir(f.eng.store, &in)
	if err != nil {
		return nil, err
	}
	// "." and ".." lead every listing; they are synthesized here, not
	// stored as directory records.
	all := make([]fs.DirEntry, 0, len(stored)+2)
	all = append(all,
		dirEntryInfo{name: ".", ft: typeDirectory},
		dirEntryInfo{name: "..", ft: typeDirectory},
	)
	for _, e := range stored {
		all = append(all, dirEntryInfo{name: e.Name, ft: e.FileType})
	}
	if f.diri >= len(all) {
		if n <= 0 {
			return nil, nil
		}
		return nil, io.EOF
	}
	var out []fs.DirEntry
	for f.diri < len(all) {
		out = append(out, all[f.diri])
		f.diri++
		if n > 0 && len(out) == n {
			break
		}
	}
	return out, nil
}

func (f *openFile) Close() error {
	return f.eng.Release(f.h.ID())
}

// fileInfo implements fs.FileInfo over a decoded Inode snapshot.
type fileInfo struct {
	name string
	in   Inode
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return int64(fi.in.Size) }
func (fi fileInfo) Mode() fs.FileMode  { return fsMode(&fi.in) }
func (fi fileInfo) ModTime() time.Time { return time.Unix(int64(fi.in.Mtime), 0) }
func (fi fileInfo) IsDir() bool        { return fi.in.isDir() }
func (fi fileInfo) Sys() any           { return fi.in }

// dirEntryInfo implements fs.DirEntry from a cheap directory record,
// without faulting in the child inode.
type dirEntryInfo struct {
	name string
	ft   fileType
}

func (d dirEntryInfo) Name() string { return d.name }
func (d dirEntryInfo) IsDir() bool  { return d.ft == typeDirectory }
func (d dirEntryInfo) Type() fs.FileMode {
	if d.ft == typeDirectory {
		return fs.ModeDir
	}
	if d.ft == typeSymlink {
		return fs.ModeSymlink
	}
	return 0
}
func (d dirEntryInfo) Info() (fs.FileInfo, error) {
	return nil, newErr(KindInvalid, "Info", d.name, nil)
}
