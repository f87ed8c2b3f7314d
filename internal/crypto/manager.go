package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/securequery-labs/securequery/internal/errors"
)

// valuePrefix marks an encrypted cell value. The full format is
// sqenc:v1:<key_id>:<base64(nonce || ciphertext)>; the embedded key id
// lets values sealed under a retired key stay readable after rotation.
const valuePrefix = "sqenc:v1:"

// Manager owns the column-key lifecycle and the cell-level cipher.
// Unwrapped data keys are cached per key id; the cache is safe for
// concurrent readers.
type Manager struct {
	master *MasterKey
	keys   KeyStore

	mu   sync.RWMutex
	deks map[string][]byte
}

// NewManager creates a cipher manager over the given master key and
// key store.
func NewManager(master *MasterKey, keys KeyStore) *Manager {
	return &Manager{master: master, keys: keys, deks: make(map[string][]byte)}
}

// Secure generates and stores a key for a column that has none.
// Securing an already-secured column is an error; rotation is explicit.
func (m *Manager) Secure(ctx context.Context, table, column string) (*KeyRecord, error) {
	active, err := m.keys.ActiveFor(ctx, table, column)
	if err != nil {
		return nil, errors.NewCryptoError(table, column, "key store lookup failed: "+err.Error())
	}
	if active != nil {
		return nil, errors.NewColumnAlreadySecured(table, column)
	}
	return m.issueKey(ctx, table, column)
}

// Rotate retires the active key of a secured column and issues a new
// one. Old keys are kept so existing ciphertext remains readable.
func (m *Manager) Rotate(ctx context.Context, table, column string) (*KeyRecord, error) {
	active, err := m.keys.ActiveFor(ctx, table, column)
	if err != nil {
		return nil, errors.NewCryptoError(table, column, "key store lookup failed: "+err.Error())
	}
	if active == nil {
		return nil, errors.NewKeyNotFound(table, column)
	}
	if err := m.keys.Deactivate(ctx, table, column); err != nil {
		return nil, errors.NewCryptoError(table, column, "failed to retire key: "+err.Error())
	}
	return m.issueKey(ctx, table, column)
}

func (m *Manager) issueKey(ctx context.Context, table, column string) (*KeyRecord, error) {
	dek, err := newDataKey()
	if err != nil {
		return nil, errors.NewCryptoError(table, column, err.Error())
	}
	wrapped, err := m.master.Wrap(dek)
	if err != nil {
		return nil, errors.NewCryptoError(table, column, "failed to wrap key: "+err.Error())
	}
	rec := KeyRecord{
		KeyID:      uuid.NewString(),
		Table:      table,
		Column:     column,
		WrappedKey: wrapped,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.keys.Put(ctx, rec); err != nil {
		return nil, errors.NewCryptoError(table, column, "failed to store key: "+err.Error())
	}

	m.mu.Lock()
	m.deks[rec.KeyID] = dek
	m.mu.Unlock()
	return &rec, nil
}

// Encrypt seals a cell value under the column's active key.
func (m *Manager) Encrypt(ctx context.Context, table, column, plaintext string) (string, error) {
	rec, err := m.keys.ActiveFor(ctx, table, column)
	if err != nil {
		return "", errors.NewCryptoError(table, column, "key store lookup failed: "+err.Error())
	}
	if rec == nil {
		return "", errors.NewKeyNotFound(table, column)
	}
	gcm, err := m.aeadFor(rec, table, column)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.NewCryptoError(table, column, "failed to generate nonce: "+err.Error())
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return valuePrefix + rec.KeyID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an encrypted cell value. The key is looked up by the id
// embedded in the value, active or retired; a value that fails tag
// verification or names an unknown key is reported as a crypto error,
// never returned partially.
func (m *Manager) Decrypt(ctx context.Context, table, column, value string) (string, error) {
	keyID, payload, err := splitValue(value)
	if err != nil {
		return "", errors.NewCryptoError(table, column, err.Error())
	}

	rec, err := m.keys.ByID(ctx, keyID)
	if err != nil {
		return "", errors.NewKeyNotFound(table, column)
	}
	if rec.Table != table || rec.Column != column {
		return "", errors.NewCryptoError(table, column,
			fmt.Sprintf("value is sealed under a key belonging to %s.%s", rec.Table, rec.Column))
	}
	gcm, err := m.aeadFor(rec, table, column)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.NewCryptoError(table, column, "ciphertext is not valid base64")
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.NewCryptoError(table, column, "ciphertext is truncated")
	}
	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", errors.NewTamperDetected(table, column)
	}
	return string(plaintext), nil
}

// DecryptValue opens an encrypted cell value using the key named by its
// embedded id, wherever that key belongs. Callers must have authorized
// the read already; the per-column Decrypt is for callers that know
// which column a value must belong to.
func (m *Manager) DecryptValue(ctx context.Context, value string) (string, error) {
	keyID, _, err := splitValue(value)
	if err != nil {
		return "", errors.NewCryptoError("", "", err.Error())
	}
	rec, err := m.keys.ByID(ctx, keyID)
	if err != nil {
		return "", errors.NewCryptoError("", "", "value names an unknown key")
	}
	return m.Decrypt(ctx, rec.Table, rec.Column, value)
}

// IsEncrypted reports whether a cell value carries the encrypted format.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, valuePrefix)
}

func splitValue(value string) (keyID, payload string, err error) {
	rest, ok := strings.CutPrefix(value, valuePrefix)
	if !ok {
		return "", "", fmt.Errorf("value does not carry the encrypted format")
	}
	keyID, payload, ok = strings.Cut(rest, ":")
	if !ok || keyID == "" || payload == "" {
		return "", "", fmt.Errorf("encrypted value is malformed")
	}
	return keyID, payload, nil
}

func (m *Manager) aeadFor(rec *KeyRecord, table, column string) (cipher.AEAD, error) {
	m.mu.RLock()
	dek, ok := m.deks[rec.KeyID]
	m.mu.RUnlock()

	if !ok {
		var err error
		dek, err = m.master.Unwrap(rec.WrappedKey)
		if err != nil {
			return nil, errors.NewCryptoError(table, column, "failed to unwrap key: "+err.Error())
		}
		m.mu.Lock()
		m.deks[rec.KeyID] = dek
		m.mu.Unlock()
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, errors.NewCryptoError(table, column, err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewCryptoError(table, column, err.Error())
	}
	return gcm, nil
}
