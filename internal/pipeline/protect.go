package pipeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/securequery-labs/securequery/internal/crypto"
	"github.com/securequery-labs/securequery/internal/storage"
)

// FlagWriter is the slice of the catalog the protector needs.
type FlagWriter interface {
	SetEncrypted(ctx context.Context, table, column string, encrypted bool) error
}

// Protector turns a plaintext column into an encrypted one: it issues
// the column key, rewrites the stored values, and flags the catalog.
type Protector struct {
	db      *sql.DB
	driver  string
	cipher  *crypto.Manager
	catalog FlagWriter
}

// NewProtector creates a column protector.
func NewProtector(db *sql.DB, driver string, cipher *crypto.Manager, catalog FlagWriter) *Protector {
	return &Protector{db: db, driver: driver, cipher: cipher, catalog: catalog}
}

// SecureColumn encrypts an existing column in place. The column must
// not already be secured.
func (p *Protector) SecureColumn(ctx context.Context, table, column string) (*crypto.KeyRecord, error) {
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}
	if err := validateIdentifier(column); err != nil {
		return nil, err
	}

	key, err := p.cipher.Secure(ctx, table, column)
	if err != nil {
		return nil, err
	}
	if err := p.encryptExisting(ctx, table, column); err != nil {
		return nil, err
	}
	if err := p.catalog.SetEncrypted(ctx, table, column, true); err != nil {
		return nil, fmt.Errorf("failed to flag %s.%s as encrypted: %w", table, column, err)
	}
	return key, nil
}

// RotateKey retires the column's active key and issues a new one.
// Existing ciphertext is left in place; it stays readable through the
// retired key.
func (p *Protector) RotateKey(ctx context.Context, table, column string) (*crypto.KeyRecord, error) {
	return p.cipher.Rotate(ctx, table, column)
}

// encryptExisting rewrites every distinct plaintext value of the column
// as ciphertext. Values already carrying the encrypted format and empty
// values are left alone.
func (p *Protector) encryptExisting(ctx context.Context, table, column string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin encryption transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT %s FROM %s", column, table))
	if err != nil {
		return fmt.Errorf("failed to read %s.%s: %w", table, column, err)
	}
	var values []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan %s.%s: %w", table, column, err)
		}
		if v.Valid && v.String != "" && !crypto.IsEncrypted(v.String) {
			values = append(values, v.String)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	update := storage.Rebind(p.driver,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", table, column, column))
	for _, v := range values {
		sealed, err := p.cipher.Encrypt(ctx, table, column, v)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, update, sealed, v); err != nil {
			return fmt.Errorf("failed to rewrite %s.%s: %w", table, column, err)
		}
	}
	return tx.Commit()
}
