package crypto

import (
	"context"
	goerrors "errors"
	"strings"
	"testing"

	"github.com/securequery-labs/securequery/internal/errors"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	master, err := NewMasterKey("correct horse battery staple")
	if err != nil {
		t.Fatalf("failed to create master key: %v", err)
	}
	t.Cleanup(master.Close)
	return NewManager(master, NewMemoryKeyStore())
}

// TestMasterKey_WrapUnwrap verifies the wrap roundtrip and that two
// wraps of the same key differ.
func TestMasterKey_WrapUnwrap(t *testing.T) {
	master, err := NewMasterKey("passphrase")
	if err != nil {
		t.Fatalf("failed to create master key: %v", err)
	}
	defer master.Close()

	dek, err := newDataKey()
	if err != nil {
		t.Fatalf("failed to generate data key: %v", err)
	}

	first, err := master.Wrap(dek)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	second, err := master.Wrap(dek)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if first == second {
		t.Error("two wraps of the same key must not produce the same bytes")
	}

	got, err := master.Unwrap(first)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if string(got) != string(dek) {
		t.Error("unwrapped key does not match the original")
	}
}

// TestMasterKey_WrongPassphrase verifies a key wrapped under one
// passphrase cannot be unwrapped under another.
func TestMasterKey_WrongPassphrase(t *testing.T) {
	master, _ := NewMasterKey("right")
	defer master.Close()
	other, _ := NewMasterKey("wrong")
	defer other.Close()

	dek, err := newDataKey()
	if err != nil {
		t.Fatalf("failed to generate data key: %v", err)
	}
	wrapped, err := master.Wrap(dek)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	if _, err := other.Unwrap(wrapped); err == nil {
		t.Error("expected unwrap under wrong passphrase to fail")
	}
}

// TestMasterKey_Close verifies a closed master key refuses to work.
func TestMasterKey_Close(t *testing.T) {
	master, _ := NewMasterKey("passphrase")
	master.Close()

	dek := make([]byte, 32)
	if _, err := master.Wrap(dek); err == nil {
		t.Error("expected wrap on closed master key to fail")
	}
}

// TestManager_EncryptDecryptRoundtrip verifies the cell-level roundtrip.
func TestManager_EncryptDecryptRoundtrip(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	if _, err := m.Secure(ctx, "employees", "ssn"); err != nil {
		t.Fatalf("secure failed: %v", err)
	}

	value, err := m.Encrypt(ctx, "employees", "ssn", "123-45-6789")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !IsEncrypted(value) {
		t.Fatalf("encrypted value missing format prefix: %q", value)
	}
	if strings.Contains(value, "123-45-6789") {
		t.Fatal("plaintext leaked into the encrypted value")
	}

	plaintext, err := m.Decrypt(ctx, "employees", "ssn", value)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if plaintext != "123-45-6789" {
		t.Errorf("expected original plaintext, got %q", plaintext)
	}
}

// TestManager_SecureTwice verifies re-securing a column is rejected.
func TestManager_SecureTwice(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	if _, err := m.Secure(ctx, "employees", "ssn"); err != nil {
		t.Fatalf("secure failed: %v", err)
	}
	_, err := m.Secure(ctx, "employees", "ssn")
	var cryptoErr *errors.ErrCrypto
	if !goerrors.As(err, &cryptoErr) {
		t.Fatalf("expected ErrCrypto for double secure, got %v", err)
	}
}

// TestManager_EncryptUnsecuredColumn verifies encryption needs a key.
func TestManager_EncryptUnsecuredColumn(t *testing.T) {
	m := testManager(t)

	_, err := m.Encrypt(context.Background(), "employees", "email", "x")
	var cryptoErr *errors.ErrCrypto
	if !goerrors.As(err, &cryptoErr) {
		t.Fatalf("expected ErrCrypto for unsecured column, got %v", err)
	}
}

// TestManager_TamperDetection verifies a modified ciphertext is rejected.
func TestManager_TamperDetection(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	if _, err := m.Secure(ctx, "employees", "ssn"); err != nil {
		t.Fatalf("secure failed: %v", err)
	}
	value, err := m.Encrypt(ctx, "employees", "ssn", "123-45-6789")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	// Flip a character in the base64 payload.
	tampered := []byte(value)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}

	_, err = m.Decrypt(ctx, "employees", "ssn", string(tampered))
	var cryptoErr *errors.ErrCrypto
	if !goerrors.As(err, &cryptoErr) {
		t.Fatalf("expected ErrCrypto for tampered value, got %v", err)
	}
}

// TestManager_WrongColumnKey verifies a value cannot be opened as a
// different column.
func TestManager_WrongColumnKey(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	if _, err := m.Secure(ctx, "employees", "ssn"); err != nil {
		t.Fatalf("secure failed: %v", err)
	}
	if _, err := m.Secure(ctx, "employees", "salary"); err != nil {
		t.Fatalf("secure failed: %v", err)
	}
	value, err := m.Encrypt(ctx, "employees", "ssn", "123-45-6789")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	_, err = m.Decrypt(ctx, "employees", "salary", value)
	var cryptoErr *errors.ErrCrypto
	if !goerrors.As(err, &cryptoErr) {
		t.Fatalf("expected ErrCrypto for cross-column decrypt, got %v", err)
	}
}

// TestManager_RotateKeepsOldCiphertextReadable verifies rotation: new
// values use the new key and old values stay readable.
func TestManager_RotateKeepsOldCiphertextReadable(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	first, err := m.Secure(ctx, "employees", "ssn")
	if err != nil {
		t.Fatalf("secure failed: %v", err)
	}
	oldValue, err := m.Encrypt(ctx, "employees", "ssn", "old secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	second, err := m.Rotate(ctx, "employees", "ssn")
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if second.KeyID == first.KeyID {
		t.Fatal("rotation must issue a new key id")
	}

	newValue, err := m.Encrypt(ctx, "employees", "ssn", "new secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !strings.Contains(newValue, second.KeyID) {
		t.Error("new values must be sealed under the new key")
	}

	got, err := m.Decrypt(ctx, "employees", "ssn", oldValue)
	if err != nil {
		t.Fatalf("old ciphertext must stay readable after rotation: %v", err)
	}
	if got != "old secret" {
		t.Errorf("expected old plaintext, got %q", got)
	}
	got, err = m.Decrypt(ctx, "employees", "ssn", newValue)
	if err != nil {
		t.Fatalf("decrypt of new value failed: %v", err)
	}
	if got != "new secret" {
		t.Errorf("expected new plaintext, got %q", got)
	}
}

// TestManager_RotateUnsecuredColumn verifies rotation requires a key.
func TestManager_RotateUnsecuredColumn(t *testing.T) {
	m := testManager(t)

	_, err := m.Rotate(context.Background(), "employees", "email")
	var cryptoErr *errors.ErrCrypto
	if !goerrors.As(err, &cryptoErr) {
		t.Fatalf("expected ErrCrypto for rotating unsecured column, got %v", err)
	}
}

// TestManager_DecryptMalformedValue verifies malformed values are
// rejected as crypto errors.
func TestManager_DecryptMalformedValue(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	tests := []struct {
		name  string
		value string
	}{
		{name: "no prefix", value: "plaintext"},
		{name: "missing payload", value: "sqenc:v1:some-key-id"},
		{name: "unknown key", value: "sqenc:v1:no-such-key:YWJj"},
		{name: "bad base64", value: "sqenc:v1:no-such-key:%%%"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Decrypt(ctx, "employees", "ssn", tc.value)
			var cryptoErr *errors.ErrCrypto
			if !goerrors.As(err, &cryptoErr) {
				t.Errorf("expected ErrCrypto, got %v", err)
			}
		})
	}
}
