package device

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestCreateAndReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")

	d, err := Create(path, 1<<20, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if d.Size() != 1<<20 {
		t.Fatalf("Size() = %d, want %d", d.Size(), 1<<20)
	}

	buf := bytes.Repeat([]byte{0xAB}, Align)
	if err := d.WriteAt(Align, buf); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, Align)
	if err := d.ReadAt(Align, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatalf("read back mismatch")
	}
}

func TestMisalignedAccessRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	d, err := Create(path, 1<<20, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if err := d.ReadAt(1, make([]byte, Align)); err != ErrMisaligned {
		t.Fatalf("ReadAt with misaligned offset: got %v, want ErrMisaligned", err)
	}
	if err := d.WriteAt(0, make([]byte, 1)); err != ErrMisaligned {
		t.Fatalf("WriteAt with misaligned length: got %v, want ErrMisaligned", err)
	}
}

func TestOpenMissingFails(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.img"), nil); err == nil {
		t.Fatalf("Open of missing file should fail")
	}
}
