// replica/encrypt.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package replica

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	u "github.com/bootbk/bootbk/util"
)

// ErrWrongPassphrase is returned when the passphrase doesn't match the
// one the key file was created with.
var ErrWrongPassphrase = errors.New("incorrect passphrase")

const ivLength = aes.BlockSize

// Encrypted wraps a Target and AES-encrypts object contents on the way
// up.  Object names are not encrypted.  The encryption key is random;
// it is stored in a local key file, itself encrypted with a key derived
// from the passphrase, so the replica target never sees key material.
type Encrypted struct {
	target Target
	key    []byte
}

// NewEncrypted returns an encrypting wrapper around target.  The key
// file at keyPath is created on first use; later runs must present the
// same passphrase to unlock it.
func NewEncrypted(target Target, keyPath, passphrase string) (*Encrypted, error) {
	e := &Encrypted{target: target}

	enc, err := os.ReadFile(keyPath)
	if err == nil {
		e.key, err = unlockKey(string(enc), passphrase)
		return e, err
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	var contents string
	e.key, contents, err = generateKey(passphrase)
	if err != nil {
		return nil, err
	}
	if err := u.WriteFileAtomic(keyPath, []byte(contents)); err != nil {
		return nil, err
	}
	log.Verbose("%s: created new encryption key file", keyPath)
	return e, nil
}

func (e *Encrypted) String() string {
	return "encrypted " + e.target.String()
}

// Put stores the object as a random initialization vector followed by
// the AES-CFB encrypted contents.  A fresh IV is generated on each
// attempt, including retries.
func (e *Encrypted) Put(ctx context.Context, name string,
	open func() (io.ReadCloser, error), length int64) error {
	encOpen := func() (io.ReadCloser, error) {
		r, err := open()
		if err != nil {
			return nil, err
		}
		iv, err := randomBytes(ivLength)
		if err != nil {
			r.Close()
			return nil, err
		}
		er, err := encryptingReader(e.key, iv, r)
		if err != nil {
			r.Close()
			return nil, err
		}
		return &readerAndCloser{
			io.MultiReader(bytes.NewReader(iv), er), r}, nil
	}
	return e.target.Put(ctx, name, encOpen, length+ivLength)
}

func (e *Encrypted) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := e.target.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	// The initialization vector is stored at the start of the object.
	var iv [ivLength]byte
	if _, err := io.ReadFull(r, iv[:]); err != nil {
		r.Close()
		return nil, err
	}
	dr, err := decryptingReader(e.key, iv[:], r)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &readerAndCloser{dr, r}, nil
}

func (e *Encrypted) Delete(ctx context.Context, name string) error {
	return e.target.Delete(ctx, name)
}

func (e *Encrypted) List(ctx context.Context, prefix string) ([]string, error) {
	return e.target.List(ctx, prefix)
}

///////////////////////////////////////////////////////////////////////////

func encryptingReader(key, iv []byte, r io.Reader) (io.Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCFBEncrypter(block, iv)
	return &cipher.StreamReader{S: stream, R: r}, nil
}

func decryptingReader(key, iv []byte, r io.Reader) (io.Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCFBDecrypter(block, iv)
	return &cipher.StreamReader{S: stream, R: r}, nil
}

func encryptBytes(key, iv, plaintext []byte) ([]byte, error) {
	r, err := encryptingReader(key, iv, bytes.NewReader(plaintext))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func decryptBytes(key, iv, ciphertext []byte) ([]byte, error) {
	r, err := decryptingReader(key, iv, bytes.NewReader(ciphertext))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}

///////////////////////////////////////////////////////////////////////////
// Key generation, representation, and management.

// generateKey creates a new random encryption key and returns it along
// with the key file contents: hex-encoded salt, passphrase hash,
// encrypted key, and key IV, one per line.
func generateKey(passphrase string) (key []byte, contents string, err error) {
	// Derive a 64-byte hash from the passphrase using PBKDF2 with 65536
	// rounds of SHA256.
	salt, err := randomBytes(32)
	if err != nil {
		return nil, "", err
	}
	derived := pbkdf2.Key([]byte(passphrase), salt, 65536, 64, sha256.New)

	// The first 32 bytes are stored to confirm the correct passphrase
	// is given on subsequent runs; the remaining 32 encrypt the actual
	// encryption key and are not stored.
	passHash := derived[:32]
	keyEncryptKey := derived[32:]

	key, err = randomBytes(32)
	if err != nil {
		return nil, "", err
	}
	iv, err := randomBytes(ivLength)
	if err != nil {
		return nil, "", err
	}
	encKey, err := encryptBytes(keyEncryptKey, iv, key)
	if err != nil {
		return nil, "", err
	}

	contents = fmt.Sprintf("%s\n%s\n%s\n%s\n", hex.EncodeToString(salt),
		hex.EncodeToString(passHash), hex.EncodeToString(encKey),
		hex.EncodeToString(iv))
	return key, contents, nil
}

func unlockKey(contents, passphrase string) ([]byte, error) {
	var saltHex, passHashHex, encKeyHex, ivHex string
	n, err := fmt.Sscanf(contents, "%s\n%s\n%s\n%s", &saltHex, &passHashHex,
		&encKeyHex, &ivHex)
	if err != nil || n != 4 {
		return nil, fmt.Errorf("malformed key file")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, err
	}
	derived := pbkdf2.Key([]byte(passphrase), salt, 65536, 64, sha256.New)

	passHash, err := hex.DecodeString(passHashHex)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(derived[:32], passHash) {
		return nil, ErrWrongPassphrase
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, err
	}
	encKey, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return nil, err
	}
	return decryptBytes(derived[32:], iv, encKey)
}
