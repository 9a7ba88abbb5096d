package ext2

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// TestEncryptedMountRoundtrip checks data is unreadable on the raw
// device without the password, readable with it,
// and a wrong password fails mount with AuthError.
func TestEncryptedMountRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.ext2")
	e, err := Format(path, 16<<20, Options{Password: "pw"})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	id, err := e.Create("/secret", 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	secret := []byte("HELLO")
	if _, err := e.Write(id, secret, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := e.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if bytes.Contains(raw[BlockSize:], secret) {
		t.Fatalf("plaintext %q found on disk past block 0 with a password set", secret)
	}

	e2, err := Mount(path, Options{Password: "pw"})
	if err != nil {
		t.Fatalf("Mount with correct password: %v", err)
	}
	defer e2.Unmount()
	id2, err := e2.Open("/secret")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e2.Release(id2)
	got := make([]byte, len(secret))
	if _, err := e2.Read(id2, got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("decrypted read = %q, want %q", got, secret)
	}

	if _, err := Mount(path, Options{Password: "wrong"}); !Is(err, KindAuthError) {
		t.Fatalf("Mount with wrong password = %v, want KindAuthError", err)
	}
}

// TestNoPasswordIsIdentityCipher checks that an unencrypted image is
// plainly readable raw, confirming the cipher layer really is a no-op
// absent a password rather than merely "weak."
func TestNoPasswordIsIdentityCipher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.ext2")
	e, err := Format(path, 16<<20, Options{})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	id, err := e.Create("/plain", 0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := []byte("NOT A SECRET")
	if _, err := e.Write(id, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := e.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Contains(raw, payload) {
		t.Fatalf("plaintext %q not found on an unencrypted image", payload)
	}
}
