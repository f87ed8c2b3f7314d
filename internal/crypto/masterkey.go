// Package crypto implements the two-level key hierarchy for column
// encryption: a master key derived from an operator passphrase wraps
// per-column data keys, and the data keys seal individual values with
// AES-256-GCM.
//
// Plaintext column keys exist only in memory. The store only ever sees
// the wrapped form.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	goerrors "errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations is the PBKDF2-SHA256 work factor for deriving the
	// key-encryption key from the passphrase.
	kdfIterations = 100000

	// keySize is the byte length of every key in the hierarchy.
	keySize = 32

	// saltSize is the per-wrap KDF salt length.
	saltSize = 16
)

// MasterKey wraps and unwraps column data keys. Each wrap derives a
// fresh key-encryption key from the passphrase with a random salt, so
// two wraps of the same data key never produce the same bytes.
type MasterKey struct {
	passphrase []byte
	closed     bool
}

// NewMasterKey creates a master key from an operator passphrase.
func NewMasterKey(passphrase string) (*MasterKey, error) {
	if passphrase == "" {
		return nil, goerrors.New("master key passphrase must not be empty")
	}
	return &MasterKey{passphrase: []byte(passphrase)}, nil
}

// Wrap seals a column data key. The result is base64 over
// salt || nonce || ciphertext.
func (m *MasterKey) Wrap(dek []byte) (string, error) {
	if m.closed {
		return "", goerrors.New("master key is closed")
	}
	if len(dek) != keySize {
		return "", fmt.Errorf("data key must be %d bytes, got %d", keySize, len(dek))
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate wrap salt: %w", err)
	}

	gcm, err := m.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate wrap nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, dek, nil)
	packed := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	packed = append(packed, salt...)
	packed = append(packed, nonce...)
	packed = append(packed, sealed...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

// Unwrap opens a wrapped column data key.
func (m *MasterKey) Unwrap(wrapped string) ([]byte, error) {
	if m.closed {
		return nil, goerrors.New("master key is closed")
	}
	packed, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("wrapped key is not valid base64: %w", err)
	}
	if len(packed) < saltSize {
		return nil, goerrors.New("wrapped key is truncated")
	}

	salt := packed[:saltSize]
	gcm, err := m.aead(salt)
	if err != nil {
		return nil, err
	}
	rest := packed[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, goerrors.New("wrapped key is truncated")
	}

	dek, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap column key: %w", err)
	}
	return dek, nil
}

// Close zeroes the passphrase. The master key is unusable afterwards.
func (m *MasterKey) Close() {
	for i := range m.passphrase {
		m.passphrase[i] = 0
	}
	m.closed = true
}

func (m *MasterKey) aead(salt []byte) (cipher.AEAD, error) {
	kek := pbkdf2.Key(m.passphrase, salt, kdfIterations, keySize, sha256.New)
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// newDataKey generates a fresh random column data key.
func newDataKey() ([]byte, error) {
	dek := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return dek, nil
}
