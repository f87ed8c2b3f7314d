// Package auth provides user management and authentication for securequery.
// Passwords are hashed with bcrypt; gateway sessions are signed JWTs.
// Authorization (who may read which column) lives in internal/access.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/securequery-labs/securequery/internal/errors"
)

// Role is the coarse access tier of a user.
type Role string

const (
	// RoleAdmin has full access to all tables and columns.
	RoleAdmin Role = "admin"

	// RoleAnalyst sees only columns explicitly granted to them.
	RoleAnalyst Role = "analyst"

	// RoleViewer sees public columns plus explicit grants.
	RoleViewer Role = "viewer"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleAnalyst, RoleViewer:
		return Role(s), nil
	}
	return "", errors.NewAuthFailed("invalid role " + s + ": must be admin, analyst or viewer")
}

// User is a registered system user.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore persists system users. Implementations must be thread-safe and
// context-aware.
type UserStore interface {
	// Create registers a new user with the given bcrypt password hash.
	Create(ctx context.Context, user *User, passwordHash string) error

	// ByUsername returns a user and their password hash, or ErrUserNotFound.
	ByUsername(ctx context.Context, username string) (*User, string, error)

	// ByID returns a user by id, or ErrUserNotFound.
	ByID(ctx context.Context, id string) (*User, error)

	// List returns all users, newest first.
	List(ctx context.Context) ([]*User, error)
}

// Service authenticates users and issues session tokens.
type Service struct {
	users     UserStore
	jwtSecret []byte
	tokenTTL  time.Duration
}

// NewService creates an authentication service.
func NewService(users UserStore, jwtSecret []byte, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Service{users: users, jwtSecret: jwtSecret, tokenTTL: tokenTTL}
}

// Register creates a new user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string, role Role) (*User, error) {
	if username == "" {
		return nil, errors.NewAuthFailed("username required")
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.NewAuthFailed("password hashing failed: " + err.Error())
	}
	user := &User{
		ID:        uuid.NewString(),
		Username:  username,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user, string(hash)); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, hash, err := s.users.ByUsername(ctx, username)
	if err != nil {
		return nil, errors.NewAuthFailed("unknown user or wrong password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, errors.NewAuthFailed("unknown user or wrong password")
	}
	return user, nil
}

// Lookup returns the user with the given username.
func (s *Service) Lookup(ctx context.Context, username string) (*User, error) {
	user, _, err := s.users.ByUsername(ctx, username)
	return user, err
}

// Users returns all registered users, newest first.
func (s *Service) Users(ctx context.Context) ([]*User, error) {
	return s.users.List(ctx)
}

type sessionClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs a session token for an authenticated user.
func (s *Service) IssueToken(user *User) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		Username: user.Username,
		Role:     string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", errors.NewAuthFailed("token signing failed: " + err.Error())
	}
	return signed, nil
}

// ValidateToken verifies a session token and returns the user it names.
// The user is re-read from the store so a role change invalidates stale
// claims.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*User, error) {
	if tokenString == "" {
		return nil, errors.NewAuthFailed("token required")
	}
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.NewAuthFailed("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.NewAuthFailed("invalid or expired token")
	}
	user, err := s.users.ByID(ctx, claims.Subject)
	if err != nil {
		return nil, errors.NewAuthFailed("token subject no longer exists")
	}
	return user, nil
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const userContextKey contextKey = "securequery_user"

// ContextWithUser returns a new context with the user attached.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext extracts the user from the context.
// Returns nil if no user is attached.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}
