package crypto

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/securequery-labs/securequery/internal/storage"
)

// KeyRecord is a wrapped column key as persisted. Rotation deactivates
// the old record and inserts a new one; records are never deleted, so
// ciphertext sealed under a retired key stays readable.
type KeyRecord struct {
	KeyID      string    `json:"key_id"`
	Table      string    `json:"table"`
	Column     string    `json:"column"`
	WrappedKey string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// KeyStore persists wrapped column keys.
type KeyStore interface {
	// Put inserts a new key record.
	Put(ctx context.Context, rec KeyRecord) error

	// ByID returns a key record by id, active or not.
	ByID(ctx context.Context, keyID string) (*KeyRecord, error)

	// ActiveFor returns the active key for a column, or nil when the
	// column is not secured.
	ActiveFor(ctx context.Context, table, column string) (*KeyRecord, error)

	// Deactivate retires the active key of a column.
	Deactivate(ctx context.Context, table, column string) error

	// List returns all key records, newest first.
	List(ctx context.Context) ([]KeyRecord, error)
}

// SQLKeyStore implements KeyStore on a relational store.
type SQLKeyStore struct {
	db     *sql.DB
	driver string
}

// NewSQLKeyStore creates a SQL-backed key store.
func NewSQLKeyStore(db *sql.DB, driver string) *SQLKeyStore {
	return &SQLKeyStore{db: db, driver: driver}
}

// Put inserts a new key record.
func (s *SQLKeyStore) Put(ctx context.Context, rec KeyRecord) error {
	_, err := s.db.ExecContext(ctx, storage.Rebind(s.driver,
		`INSERT INTO column_keys (key_id, table_name, column_name, wrapped_key, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		rec.KeyID, rec.Table, rec.Column, rec.WrappedKey, rec.Active, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store key for %s.%s: %w", rec.Table, rec.Column, err)
	}
	return nil
}

// ByID returns a key record by id.
func (s *SQLKeyStore) ByID(ctx context.Context, keyID string) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, storage.Rebind(s.driver,
		`SELECT key_id, table_name, column_name, wrapped_key, active, created_at
		 FROM column_keys WHERE key_id = ?`), keyID)
	return scanKey(row)
}

// ActiveFor returns the active key for a column, or nil.
func (s *SQLKeyStore) ActiveFor(ctx context.Context, table, column string) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, storage.Rebind(s.driver,
		`SELECT key_id, table_name, column_name, wrapped_key, active, created_at
		 FROM column_keys WHERE table_name = ? AND column_name = ? AND active = ?`),
		table, column, true)
	rec, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Deactivate retires the active key of a column.
func (s *SQLKeyStore) Deactivate(ctx context.Context, table, column string) error {
	_, err := s.db.ExecContext(ctx, storage.Rebind(s.driver,
		`UPDATE column_keys SET active = ? WHERE table_name = ? AND column_name = ? AND active = ?`),
		false, table, column, true)
	if err != nil {
		return fmt.Errorf("failed to deactivate key for %s.%s: %w", table, column, err)
	}
	return nil
}

// List returns all key records, newest first.
func (s *SQLKeyStore) List(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, table_name, column_name, wrapped_key, active, created_at
		 FROM column_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var recs []KeyRecord
	for rows.Next() {
		var rec KeyRecord
		if err := rows.Scan(&rec.KeyID, &rec.Table, &rec.Column,
			&rec.WrappedKey, &rec.Active, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan key record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (*KeyRecord, error) {
	var rec KeyRecord
	err := row.Scan(&rec.KeyID, &rec.Table, &rec.Column,
		&rec.WrappedKey, &rec.Active, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MemoryKeyStore is an in-memory KeyStore for tests and development mode.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	byID map[string]KeyRecord
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{byID: make(map[string]KeyRecord)}
}

// Put inserts a new key record.
func (s *MemoryKeyStore) Put(ctx context.Context, rec KeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.KeyID]; ok {
		return fmt.Errorf("key %s already exists", rec.KeyID)
	}
	s.byID[rec.KeyID] = rec
	return nil
}

// ByID returns a key record by id.
func (s *MemoryKeyStore) ByID(ctx context.Context, keyID string) (*KeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[keyID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &rec, nil
}

// ActiveFor returns the active key for a column, or nil.
func (s *MemoryKeyStore) ActiveFor(ctx context.Context, table, column string) (*KeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.byID {
		if rec.Active && rec.Table == table && rec.Column == column {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

// Deactivate retires the active key of a column.
func (s *MemoryKeyStore) Deactivate(ctx context.Context, table, column string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.byID {
		if rec.Active && rec.Table == table && rec.Column == column {
			rec.Active = false
			s.byID[id] = rec
		}
	}
	return nil
}

// List returns all key records, newest first.
func (s *MemoryKeyStore) List(ctx context.Context) ([]KeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]KeyRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].KeyID < recs[j].KeyID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}
