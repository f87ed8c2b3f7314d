package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/securequery-labs/securequery/internal/errors"
	"github.com/securequery-labs/securequery/internal/storage"
)

// SQLUserStore implements UserStore on a relational store.
type SQLUserStore struct {
	db     *sql.DB
	driver string
}

// NewSQLUserStore creates a SQL-backed user store.
func NewSQLUserStore(db *sql.DB, driver string) *SQLUserStore {
	return &SQLUserStore{db: db, driver: driver}
}

// Create registers a new user.
func (s *SQLUserStore) Create(ctx context.Context, user *User, passwordHash string) error {
	query := storage.Rebind(s.driver,
		`INSERT INTO system_users (id, username, password_hash, role, created_at)
		 VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Username, passwordHash, string(user.Role), user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.Username, err)
	}
	return nil
}

// ByUsername returns a user and their password hash.
func (s *SQLUserStore) ByUsername(ctx context.Context, username string) (*User, string, error) {
	query := storage.Rebind(s.driver,
		`SELECT id, username, password_hash, role, created_at
		 FROM system_users WHERE username = ?`)
	var (
		user User
		hash string
		role string
	)
	err := s.db.QueryRowContext(ctx, query, username).
		Scan(&user.ID, &user.Username, &hash, &role, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, "", errors.NewUserNotFound(username)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read user %s: %w", username, err)
	}
	user.Role = Role(role)
	return &user, hash, nil
}

// ByID returns a user by id.
func (s *SQLUserStore) ByID(ctx context.Context, id string) (*User, error) {
	query := storage.Rebind(s.driver,
		`SELECT id, username, role, created_at FROM system_users WHERE id = ?`)
	var (
		user User
		role string
	)
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&user.ID, &user.Username, &role, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewUserNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user %s: %w", id, err)
	}
	user.Role = Role(role)
	return &user, nil
}

// List returns all users, newest first.
func (s *SQLUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, role, created_at FROM system_users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		var (
			user User
			role string
		)
		if err := rows.Scan(&user.ID, &user.Username, &role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		user.Role = Role(role)
		users = append(users, &user)
	}
	return users, rows.Err()
}

// MemoryUserStore is an in-memory UserStore for tests and development mode.
type MemoryUserStore struct {
	mu     sync.RWMutex
	byName map[string]*memoryUser
}

type memoryUser struct {
	user User
	hash string
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{byName: make(map[string]*memoryUser)}
}

// Create registers a new user.
func (s *MemoryUserStore) Create(ctx context.Context, user *User, passwordHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[user.Username]; ok {
		return errors.NewAuthFailed("username " + user.Username + " already exists")
	}
	u := *user
	s.byName[user.Username] = &memoryUser{user: u, hash: passwordHash}
	return nil
}

// ByUsername returns a user and their password hash.
func (s *MemoryUserStore) ByUsername(ctx context.Context, username string) (*User, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byName[username]
	if !ok {
		return nil, "", errors.NewUserNotFound(username)
	}
	u := entry.user
	return &u, entry.hash, nil
}

// ByID returns a user by id.
func (s *MemoryUserStore) ByID(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.byName {
		if entry.user.ID == id {
			u := entry.user
			return &u, nil
		}
	}
	return nil, errors.NewUserNotFound(id)
}

// List returns all users, newest first.
func (s *MemoryUserStore) List(ctx context.Context) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]*User, 0, len(s.byName))
	for _, entry := range s.byName {
		u := entry.user
		users = append(users, &u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].Username < users[j].Username
		}
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})
	return users, nil
}
