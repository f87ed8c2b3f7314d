// Package bootstrap loads a declarative policy file and applies it to a
// fresh installation: users, grants, denies, public columns and secured
// columns in one reviewable YAML document.
package bootstrap

import (
	"context"
	goerrors "errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/securequery-labs/securequery/internal/access"
	"github.com/securequery-labs/securequery/internal/auth"
	"github.com/securequery-labs/securequery/internal/crypto"
	sqerrors "github.com/securequery-labs/securequery/internal/errors"
)

// Policy is the declarative system state.
type Policy struct {
	Users   []UserSpec   `yaml:"users,omitempty"`
	Grants  []RuleSpec   `yaml:"grants,omitempty"`
	Denies  []RuleSpec   `yaml:"denies,omitempty"`
	Public  []ColumnSpec `yaml:"public,omitempty"`
	Secured []ColumnSpec `yaml:"secured,omitempty"`

	validated bool
}

// UserSpec declares one system user.
type UserSpec struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// RuleSpec declares permission rules for one user on one table.
// An empty column list means the rule covers the whole table.
type RuleSpec struct {
	User    string   `yaml:"user"`
	Table   string   `yaml:"table"`
	Columns []string `yaml:"columns,omitempty"`
}

// ColumnSpec names columns of one table.
type ColumnSpec struct {
	Table   string   `yaml:"table"`
	Columns []string `yaml:"columns"`
}

// LoadPolicy loads and validates a policy from a YAML file.
// Unknown top-level fields fail the load.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses and validates policy YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	knownKeys := map[string]bool{
		"users":   true,
		"grants":  true,
		"denies":  true,
		"public":  true,
		"secured": true,
	}
	for key := range raw {
		if !knownKeys[key] {
			return nil, fmt.Errorf("unknown policy field %q", key)
		}
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks the policy for structural errors.
func (p *Policy) Validate() error {
	seen := map[string]bool{}
	for i, u := range p.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if seen[u.Username] {
			return fmt.Errorf("users[%d]: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = true
		if u.Password == "" {
			return fmt.Errorf("users[%d]: password is required for %s", i, u.Username)
		}
		if _, err := auth.ParseRole(u.Role); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
	}
	for i, r := range p.Grants {
		if r.User == "" || r.Table == "" {
			return fmt.Errorf("grants[%d]: user and table are required", i)
		}
	}
	for i, r := range p.Denies {
		if r.User == "" || r.Table == "" {
			return fmt.Errorf("denies[%d]: user and table are required", i)
		}
	}
	for i, c := range p.Public {
		if c.Table == "" || len(c.Columns) == 0 {
			return fmt.Errorf("public[%d]: table and columns are required", i)
		}
	}
	for i, c := range p.Secured {
		if c.Table == "" || len(c.Columns) == 0 {
			return fmt.Errorf("secured[%d]: table and columns are required", i)
		}
	}
	p.validated = true
	return nil
}

// PublicFlagWriter marks catalog columns public.
type PublicFlagWriter interface {
	SetPublic(ctx context.Context, table, column string, public bool) error
}

// ColumnSecurer encrypts a column end to end.
type ColumnSecurer interface {
	SecureColumn(ctx context.Context, table, column string) (*crypto.KeyRecord, error)
}

// Deps are the services the policy is applied against.
type Deps struct {
	Auth    *auth.Service
	Perms   access.PermissionStore
	Catalog PublicFlagWriter
	Securer ColumnSecurer
}

// Report summarizes an Apply run.
type Report struct {
	UsersCreated   int
	UsersSkipped   int
	RulesWritten   int
	ColumnsFlagged int
	ColumnsSecured int
}

// Apply brings the system to the declared state. Applying the same
// policy twice is safe: existing users and already-secured columns are
// skipped, rules are overwritten in place.
func (p *Policy) Apply(ctx context.Context, deps Deps) (*Report, error) {
	if !p.validated {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	report := &Report{}

	userIDs := map[string]string{}
	for _, spec := range p.Users {
		existing, err := deps.Auth.Lookup(ctx, spec.Username)
		if err == nil {
			userIDs[spec.Username] = existing.ID
			report.UsersSkipped++
			continue
		}
		var notFound *sqerrors.ErrUserNotFound
		if !goerrors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to look up user %s: %w", spec.Username, err)
		}
		user, err := deps.Auth.Register(ctx, spec.Username, spec.Password, auth.Role(spec.Role))
		if err != nil {
			return nil, fmt.Errorf("failed to create user %s: %w", spec.Username, err)
		}
		userIDs[spec.Username] = user.ID
		report.UsersCreated++
	}

	writeRules := func(specs []RuleSpec, effect access.Effect) error {
		for _, spec := range specs {
			userID, err := p.resolveUser(ctx, deps, userIDs, spec.User)
			if err != nil {
				return err
			}
			columns := spec.Columns
			if len(columns) == 0 {
				columns = []string{access.TableWide}
			}
			for _, column := range columns {
				err := deps.Perms.Put(ctx, access.Permission{
					UserID:    userID,
					Table:     spec.Table,
					Column:    column,
					Effect:    effect,
					GrantedAt: time.Now().UTC(),
				})
				if err != nil {
					return fmt.Errorf("failed to write rule for %s on %s: %w", spec.User, spec.Table, err)
				}
				report.RulesWritten++
			}
		}
		return nil
	}
	if err := writeRules(p.Grants, access.EffectAllow); err != nil {
		return nil, err
	}
	if err := writeRules(p.Denies, access.EffectDeny); err != nil {
		return nil, err
	}

	for _, spec := range p.Public {
		for _, column := range spec.Columns {
			if err := deps.Catalog.SetPublic(ctx, spec.Table, column, true); err != nil {
				return nil, fmt.Errorf("failed to mark %s.%s public: %w", spec.Table, column, err)
			}
			report.ColumnsFlagged++
		}
	}

	for _, spec := range p.Secured {
		for _, column := range spec.Columns {
			_, err := deps.Securer.SecureColumn(ctx, spec.Table, column)
			if err != nil {
				if goerrors.Is(err, sqerrors.ErrAlreadySecured) {
					continue
				}
				return nil, fmt.Errorf("failed to secure %s.%s: %w", spec.Table, column, err)
			}
			report.ColumnsSecured++
		}
	}

	return report, nil
}

func (p *Policy) resolveUser(ctx context.Context, deps Deps, cache map[string]string, username string) (string, error) {
	if id, ok := cache[username]; ok {
		return id, nil
	}
	user, err := deps.Auth.Lookup(ctx, username)
	if err != nil {
		return "", fmt.Errorf("rule references unknown user %s: %w", username, err)
	}
	cache[username] = user.ID
	return user.ID, nil
}
