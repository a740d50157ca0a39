// Package crypto encrypts AuthMaterial at rest with
// golang.org/x/crypto/nacl/secretbox, per spec.md §9: symmetric
// authenticated encryption with a configured key; refuse to start
// without one when a networked store is in use, and allow plaintext
// only when the embedded store's file is restricted to the service
// user.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrKeyRequired is returned by NewSealer when no key is configured
// and the caller is not allowed to fall back to plaintext.
var ErrKeyRequired = errors.New("crypto: token encryption key required for this store backend")

// ErrInsecurePermissions is returned when plaintext fallback is
// attempted against a store file whose permissions are not restricted
// to the owner.
var ErrInsecurePermissions = errors.New("crypto: store file permissions must be 0600 or stricter to allow plaintext auth material")

const keySize = 32

// Sealer encrypts and decrypts AuthMaterial fields. A Sealer with no
// key (constructed via NewPlaintextSealer) passes bytes through unchanged.
type Sealer struct {
	key *[keySize]byte
}

// NewSealer builds a Sealer from a base64-encoded 32-byte key, as
// produced by a CLI keygen helper. An empty key string is only valid
// via NewPlaintextSealer's explicit opt-in.
func NewSealer(encodedKey string) (*Sealer, error) {
	if encodedKey == "" {
		return nil, ErrKeyRequired
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("crypto: key must decode to %d bytes, got %d", keySize, len(raw))
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &Sealer{key: &key}, nil
}

// NewPlaintextSealer builds a no-op Sealer, permitted only when the
// embedded store's file permissions are restricted to the service
// user (spec.md §9).
func NewPlaintextSealer(storeFileMode fs.FileMode) (*Sealer, error) {
	if storeFileMode.Perm()&0o077 != 0 {
		return nil, ErrInsecurePermissions
	}
	return &Sealer{key: nil}, nil
}

// GenerateKey produces a fresh base64-encoded key suitable for
// TokenEncryptionKey configuration.
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// Seal encrypts plaintext, returning nonce||ciphertext. Plaintext
// sealers return plaintext unchanged.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s.key == nil {
		return plaintext, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, s.key), nil
}

// Open reverses Seal. Plaintext sealers return ciphertext unchanged.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if s.key == nil {
		return ciphertext, nil
	}
	if len(ciphertext) < 24 {
		return nil, errors.New("crypto: ciphertext too short to contain a nonce")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	plain, ok := secretbox.Open(nil, ciphertext[24:], &nonce, s.key)
	if !ok {
		return nil, errors.New("crypto: authentication failed, ciphertext rejected")
	}
	return plain, nil
}
