// Package cryptio implements the transparent at-rest cipher layer: every
// block is AES-256-CBC encrypted on its way to the device and decrypted
// on its way back, with a fixed null IV. The 64-byte authenticator field
// embedded in the superblock is encrypted the same way so a wrong
// password can be detected before the rest of the image is trusted.
//
// There is no ecosystem library in the retrieval pack offering a more
// idiomatic CBC-with-null-IV primitive than the standard library's own
// crypto/aes + crypto/cipher, so this package is intentionally stdlib-only
// (see DESIGN.md).
package cryptio

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// AuthSize is the width of the superblock's authenticator field.
const AuthSize = 64

// AuthPlaintext is the well-known string the authenticator must decrypt
// to for a mount password to be accepted. It is NUL-padded to AuthSize.
const AuthPlaintext = "See you ultraman, someday somewhere!"

var zeroIV = make([]byte, aes.BlockSize)

// Cipher wraps block I/O with AES-256-CBC encrypt/decrypt. A Cipher
// constructed with an empty password is the identity transform: every
// method becomes a no-op, matching "if no password was supplied, the
// cipher is the identity."
type Cipher struct {
	block cipher.Block
}

// New derives a 32-byte key from password (padded with ASCII '0' bytes
// if shorter, truncated if longer) and builds the AES-256 cipher.Block used
// for every subsequent block transform. An empty password yields the
// identity cipher.
func New(password string) (*Cipher, error) {
	if password == "" {
		return &Cipher{}, nil
	}
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = '0'
	}
	copy(key, password)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptio: new cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

// Enabled reports whether this Cipher performs real encryption, i.e.
// whether a password was supplied.
func (c *Cipher) Enabled() bool { return c.block != nil }

// DecryptBlock decrypts buf in place. buf's length must be a multiple of
// aes.BlockSize; ext2 BLOCK_SIZE (4096) always is.
func (c *Cipher) DecryptBlock(buf []byte) {
	if !c.Enabled() {
		return
	}
	cipher.NewCBCDecrypter(c.block, zeroIV).CryptBlocks(buf, buf)
}

// EncryptBlock returns an encrypted copy of plain, leaving plain
// untouched: the device write path always encrypts into a scratch
// buffer so the in-memory (cached) copy remains plaintext.
func (c *Cipher) EncryptBlock(plain []byte) []byte {
	if !c.Enabled() {
		return plain
	}
	scratch := make([]byte, len(plain))
	cipher.NewCBCEncrypter(c.block, zeroIV).CryptBlocks(scratch, plain)
	return scratch
}

// DecryptAuth decrypts the superblock's 64-byte authenticator field in
// place. It is the only part of block 0 the cipher touches; the rest of
// the superblock stays in cleartext so the engine can self-describe
// before authentication succeeds.
func (c *Cipher) DecryptAuth(auth []byte) error {
	if len(auth) != AuthSize {
		return fmt.Errorf("cryptio: authenticator must be %d bytes, got %d", AuthSize, len(auth))
	}
	c.DecryptBlock(auth)
	return nil
}

// EncryptAuth returns an encrypted copy of the 64-byte authenticator field.
func (c *Cipher) EncryptAuth(auth []byte) ([]byte, error) {
	if len(auth) != AuthSize {
		return nil, fmt.Errorf("cryptio: authenticator must be %d bytes, got %d", AuthSize, len(auth))
	}
	return c.EncryptBlock(auth), nil
}

// NewAuthPlaintext returns the well-known authenticator plaintext,
// NUL-padded to AuthSize, ready to be encrypted and stored on format.
func NewAuthPlaintext() []byte {
	buf := make([]byte, AuthSize)
	copy(buf, AuthPlaintext)
	return buf
}

// VerifyAuth reports whether decrypted equals the well-known plaintext
// exactly, NUL padding included (all AuthSize bytes are compared).
func VerifyAuth(decrypted []byte) bool {
	want := NewAuthPlaintext()
	return bytes.Equal(decrypted, want)
}
