package ext2

import (
	"path/filepath"
	"testing"
)

func newTestImage(t *testing.T, opts Options) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.ext2")
	e, err := Format(path, 16<<20, opts)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	t.Cleanup(func() { _ = e.Unmount() })
	return e
}

func TestFormatRoot(t *testing.T) {
	e := newTestImage(t, Options{})

	in, err := e.GetAttr("/")
	if err != nil {
		t.Fatalf("GetAttr(/): %v", err)
	}
	if !in.isDir() {
		t.Fatalf("root is not a directory: mode=0%o", in.Mode)
	}
	if in.LinksCount != 1 {
		t.Fatalf("root nlink = %d, want 1", in.LinksCount)
	}
	if in.Size != 0 {
		t.Fatalf("root size = %d, want 0 (no records stored; . and .. are synthesized)", in.Size)
	}

	f, err := e.OpenDir("/")
	if err != nil {
		t.Fatalf("OpenDir(/): %v", err)
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["."] || !names[".."] || len(names) != 2 {
		t.Fatalf("root readdir = %v, want exactly . and ..", names)
	}
}

func TestMountUnmountRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.ext2")
	e, err := Format(path, 16<<20, Options{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := e.Mkdir("/dir", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	id, err := e.Create("/dir/f", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := []byte("hello, ext2")
	if _, err := e.Write(id, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := e.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	e2, err := Mount(path, Options{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer e2.Unmount()

	id2, err := e2.Open("/dir/f")
	if err != nil {
		t.Fatalf("Open after remount: %v", err)
	}
	defer e2.Release(id2)
	got := make([]byte, len(payload))
	n, err := e2.Read(id2, got, 0)
	if err != nil {
		t.Fatalf("Read after remount: %v", err)
	}
	if n != len(payload) || string(got) != string(payload) {
		t.Fatalf("read after remount = %q, want %q", got[:n], payload)
	}
}

func TestCreateExistingFails(t *testing.T) {
	e := newTestImage(t, Options{})
	id, err := e.Create("/a", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	e.Release(id)

	if _, err := e.Create("/a", 0644); !Is(err, KindAlreadyExists) {
		t.Fatalf("Create existing = %v, want KindAlreadyExists", err)
	}
}

func TestMkdirUnderMissingParentFails(t *testing.T) {
	e := newTestImage(t, Options{})
	if err := e.Mkdir("/nope/child", 0755); !Is(err, KindNotFound) {
		t.Fatalf("Mkdir under missing parent = %v, want KindNotFound", err)
	}
}
