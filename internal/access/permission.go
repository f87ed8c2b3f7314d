// Package access implements column-level authorization: the permission
// model, its stores, and the evaluator that decides whether a reference
// set is permitted for a user.
package access

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/securequery-labs/securequery/internal/storage"
)

// Effect is the polarity of a permission rule.
type Effect string

const (
	// EffectAllow grants read access.
	EffectAllow Effect = "allow"

	// EffectDeny revokes read access and wins over any broader allow.
	EffectDeny Effect = "deny"
)

// TableWide is the column value of a rule that covers a whole table.
const TableWide = ""

// Permission is one authorization rule. Column is TableWide for rules
// covering every column of the table.
type Permission struct {
	UserID    string    `json:"user_id"`
	Table     string    `json:"table"`
	Column    string    `json:"column,omitempty"`
	Effect    Effect    `json:"effect"`
	GrantedAt time.Time `json:"granted_at"`
}

// PermissionStore persists authorization rules. A rule is keyed by
// (user, table, column); writing a rule for an existing key replaces it.
type PermissionStore interface {
	// Put inserts or replaces a rule.
	Put(ctx context.Context, p Permission) error

	// Delete removes a rule. Deleting an absent rule is not an error.
	Delete(ctx context.Context, userID, table, column string) error

	// ForUser returns all rules for a user.
	ForUser(ctx context.Context, userID string) ([]Permission, error)
}

// SQLPermissionStore implements PermissionStore on a relational store.
type SQLPermissionStore struct {
	db     *sql.DB
	driver string
}

// NewSQLPermissionStore creates a SQL-backed permission store.
func NewSQLPermissionStore(db *sql.DB, driver string) *SQLPermissionStore {
	return &SQLPermissionStore{db: db, driver: driver}
}

// Put inserts or replaces a rule.
func (s *SQLPermissionStore) Put(ctx context.Context, p Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin permission transaction: %w", err)
	}
	defer tx.Rollback()

	// Delete-then-insert keeps the upsert portable across drivers.
	if _, err := tx.ExecContext(ctx, storage.Rebind(s.driver,
		`DELETE FROM access_permissions WHERE user_id = ? AND table_name = ? AND column_name = ?`),
		p.UserID, p.Table, p.Column); err != nil {
		return fmt.Errorf("failed to replace permission: %w", err)
	}
	if _, err := tx.ExecContext(ctx, storage.Rebind(s.driver,
		`INSERT INTO access_permissions (user_id, table_name, column_name, effect, granted_at)
		 VALUES (?, ?, ?, ?, ?)`),
		p.UserID, p.Table, p.Column, string(p.Effect), p.GrantedAt); err != nil {
		return fmt.Errorf("failed to write permission: %w", err)
	}
	return tx.Commit()
}

// Delete removes a rule.
func (s *SQLPermissionStore) Delete(ctx context.Context, userID, table, column string) error {
	_, err := s.db.ExecContext(ctx, storage.Rebind(s.driver,
		`DELETE FROM access_permissions WHERE user_id = ? AND table_name = ? AND column_name = ?`),
		userID, table, column)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	return nil
}

// ForUser returns all rules for a user.
func (s *SQLPermissionStore) ForUser(ctx context.Context, userID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, storage.Rebind(s.driver,
		`SELECT user_id, table_name, column_name, effect, granted_at
		 FROM access_permissions WHERE user_id = ?
		 ORDER BY table_name, column_name`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var (
			p      Permission
			effect string
		)
		if err := rows.Scan(&p.UserID, &p.Table, &p.Column, &effect, &p.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		p.Effect = Effect(effect)
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// MemoryPermissionStore is an in-memory PermissionStore for tests and
// development mode.
type MemoryPermissionStore struct {
	mu    sync.RWMutex
	rules map[string]map[ruleKey]Permission
}

type ruleKey struct {
	table  string
	column string
}

// NewMemoryPermissionStore creates an empty in-memory permission store.
func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{rules: make(map[string]map[ruleKey]Permission)}
}

// Put inserts or replaces a rule.
func (s *MemoryPermissionStore) Put(ctx context.Context, p Permission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userRules, ok := s.rules[p.UserID]
	if !ok {
		userRules = make(map[ruleKey]Permission)
		s.rules[p.UserID] = userRules
	}
	userRules[ruleKey{table: p.Table, column: p.Column}] = p
	return nil
}

// Delete removes a rule.
func (s *MemoryPermissionStore) Delete(ctx context.Context, userID, table, column string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if userRules, ok := s.rules[userID]; ok {
		delete(userRules, ruleKey{table: table, column: column})
	}
	return nil
}

// ForUser returns all rules for a user.
func (s *MemoryPermissionStore) ForUser(ctx context.Context, userID string) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	userRules := s.rules[userID]
	perms := make([]Permission, 0, len(userRules))
	for _, p := range userRules {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Table != perms[j].Table {
			return perms[i].Table < perms[j].Table
		}
		return perms[i].Column < perms[j].Column
	})
	return perms, nil
}
