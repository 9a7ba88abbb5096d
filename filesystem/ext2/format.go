package ext2

import (
	"github.com/lucidfs/ext2fuse/cryptio"
	"github.com/lucidfs/ext2fuse/device"
)

// readMetaBlock reads block 0 off dev, decrypts just its embedded
// authenticator, and verifies it before trusting the rest of the
// (cleartext) superblock and group-descriptor table.
func readMetaBlock(dev *device.Device, cipher *cryptio.Cipher) (*metaBlock, error) {
	buf := make([]byte, BlockSize)
	if err := dev.ReadAt(0, buf); err != nil {
		return nil, newErr(KindIOError, "readMetaBlock", "", err)
	}
	auth := make([]byte, cryptio.AuthSize)
	copy(auth, buf[40:104])
	if err := cipher.DecryptAuth(auth); err != nil {
		return nil, newErr(KindInvalid, "readMetaBlock", "", err)
	}
	if !cryptio.VerifyAuth(auth) {
		return nil, newErr(KindAuthError, "readMetaBlock", "", nil)
	}
	return loadMetaBlock(buf), nil
}

// writeMetaBlock marshals mb, encrypts only its 64-byte authenticator
// field, and writes block 0. Every other superblock field and the
// whole group-descriptor table stay in cleartext.
func writeMetaBlock(dev *device.Device, cipher *cryptio.Cipher, mb *metaBlock) error {
	buf := mb.bytes()
	auth := make([]byte, cryptio.AuthSize)
	copy(auth, buf[40:104])
	enc, err := cipher.EncryptAuth(auth)
	if err != nil {
		return newErr(KindInvalid, "writeMetaBlock", "", err)
	}
	copy(buf[40:104], enc)
	if err := dev.WriteAt(0, buf); err != nil {
		return newErr(KindIOError, "writeMetaBlock", "", err)
	}
	return nil
}
