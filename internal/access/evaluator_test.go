package access

import (
	"context"
	"testing"
	"time"

	"github.com/securequery-labs/securequery/internal/auth"
	"github.com/securequery-labs/securequery/internal/errors"
	"github.com/securequery-labs/securequery/internal/sqlref"
)

type fakeCatalog struct {
	tables map[string][]sqlref.ColumnInfo
}

func (c *fakeCatalog) Columns(ctx context.Context, table string) ([]sqlref.ColumnInfo, error) {
	cols, ok := c.tables[table]
	if !ok {
		return nil, errors.NewTableNotFound(table)
	}
	return cols, nil
}

func evalCatalog() *fakeCatalog {
	return &fakeCatalog{tables: map[string][]sqlref.ColumnInfo{
		"employees": {
			{Name: "id", Type: "INTEGER"},
			{Name: "name", Type: "TEXT", Public: true},
			{Name: "email", Type: "TEXT"},
			{Name: "salary", Type: "FLOAT", Encrypted: true},
			{Name: "ssn", Type: "TEXT", Encrypted: true},
		},
		"departments": {
			{Name: "id", Type: "INTEGER"},
			{Name: "dept_name", Type: "TEXT", Public: true},
		},
	}}
}

func testUser(role auth.Role) *auth.User {
	return &auth.User{ID: "u-1", Username: "alice", Role: role, CreatedAt: time.Now()}
}

func grant(t *testing.T, store PermissionStore, table, column string, effect Effect) {
	t.Helper()
	err := store.Put(context.Background(), Permission{
		UserID:    "u-1",
		Table:     table,
		Column:    column,
		Effect:    effect,
		GrantedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to seed permission: %v", err)
	}
}

func ref(tables map[string][]string) *sqlref.Reference {
	r := &sqlref.Reference{Columns: map[string][]string{}}
	for table, cols := range tables {
		r.Tables = append(r.Tables, table)
		r.Columns[table] = cols
	}
	return r
}

// TestEvaluate_DefaultDeny verifies a user with no rules is denied.
func TestEvaluate_DefaultDeny(t *testing.T) {
	e := NewEvaluator(NewMemoryPermissionStore(), evalCatalog())

	d, err := e.Evaluate(context.Background(), testUser(auth.RoleAnalyst),
		ref(map[string][]string{"employees": {"email"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected default deny for user with no grants")
	}
	if d.Table != "employees" || d.Column != "email" {
		t.Errorf("expected failing pair employees.email, got %s.%s", d.Table, d.Column)
	}
}

// TestEvaluate_ColumnGrant verifies an explicit column grant allows
// exactly the granted columns.
func TestEvaluate_ColumnGrant(t *testing.T) {
	store := NewMemoryPermissionStore()
	grant(t, store, "employees", "name", EffectAllow)
	grant(t, store, "employees", "email", EffectAllow)
	e := NewEvaluator(store, evalCatalog())
	user := testUser(auth.RoleAnalyst)

	d, err := e.Evaluate(context.Background(), user,
		ref(map[string][]string{"employees": {"email", "name"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected granted columns to be allowed, got deny: %s", d.Reason)
	}

	d, err = e.Evaluate(context.Background(), user,
		ref(map[string][]string{"employees": {"email", "ssn"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected ungranted column to deny the whole query")
	}
	if d.Column != "ssn" {
		t.Errorf("expected failing column ssn, got %s", d.Column)
	}
}

// TestEvaluate_DenyWins verifies an explicit deny beats a table-wide
// allow on the same table.
func TestEvaluate_DenyWins(t *testing.T) {
	store := NewMemoryPermissionStore()
	grant(t, store, "employees", TableWide, EffectAllow)
	grant(t, store, "employees", "ssn", EffectDeny)
	e := NewEvaluator(store, evalCatalog())
	user := testUser(auth.RoleAnalyst)

	d, err := e.Evaluate(context.Background(), user,
		ref(map[string][]string{"employees": {"name", "salary"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected table-wide allow to cover undenied columns, got: %s", d.Reason)
	}

	d, err = e.Evaluate(context.Background(), user,
		ref(map[string][]string{"employees": {"name", "ssn"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected column deny to beat table-wide allow")
	}
	if d.Column != "ssn" {
		t.Errorf("expected failing column ssn, got %s", d.Column)
	}
}

// TestEvaluate_ColumnGrantSurvivesTableDeny verifies the more specific
// allow wins over a table-wide deny.
func TestEvaluate_ColumnGrantSurvivesTableDeny(t *testing.T) {
	store := NewMemoryPermissionStore()
	grant(t, store, "employees", TableWide, EffectDeny)
	grant(t, store, "employees", "name", EffectAllow)
	e := NewEvaluator(store, evalCatalog())

	d, err := e.Evaluate(context.Background(), testUser(auth.RoleAnalyst),
		ref(map[string][]string{"employees": {"name"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected column grant to survive table-wide deny, got: %s", d.Reason)
	}

	d, err = e.Evaluate(context.Background(), testUser(auth.RoleAnalyst),
		ref(map[string][]string{"employees": {"email", "name"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected table-wide deny to cover columns without a specific grant")
	}
}

// TestEvaluate_AdminBypass verifies an admin is allowed everything.
func TestEvaluate_AdminBypass(t *testing.T) {
	e := NewEvaluator(NewMemoryPermissionStore(), evalCatalog())

	d, err := e.Evaluate(context.Background(), testUser(auth.RoleAdmin),
		ref(map[string][]string{
			"employees":   {"salary", "ssn"},
			"departments": {"dept_name"},
		}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected admin to bypass rules, got: %s", d.Reason)
	}
}

// TestEvaluate_ViewerPublicColumns verifies a viewer reads public columns
// without a grant but nothing else.
func TestEvaluate_ViewerPublicColumns(t *testing.T) {
	e := NewEvaluator(NewMemoryPermissionStore(), evalCatalog())
	user := testUser(auth.RoleViewer)

	d, err := e.Evaluate(context.Background(), user,
		ref(map[string][]string{"employees": {"name"}, "departments": {"dept_name"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected viewer to read public columns, got: %s", d.Reason)
	}

	d, err = e.Evaluate(context.Background(), user,
		ref(map[string][]string{"employees": {"name", "salary"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected viewer to be denied private columns")
	}
	if d.Column != "salary" {
		t.Errorf("expected failing column salary, got %s", d.Column)
	}
}

// TestEvaluate_AnalystIgnoresPublic verifies the public flag only helps
// viewers; analysts still need grants.
func TestEvaluate_AnalystIgnoresPublic(t *testing.T) {
	e := NewEvaluator(NewMemoryPermissionStore(), evalCatalog())

	d, err := e.Evaluate(context.Background(), testUser(auth.RoleAnalyst),
		ref(map[string][]string{"employees": {"name"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected analyst without grants to be denied a public column")
	}
}

// TestEvaluate_WildcardSentinel verifies an unexpandable wildcard needs a
// clean table-wide grant.
func TestEvaluate_WildcardSentinel(t *testing.T) {
	tests := []struct {
		name    string
		seed    func(t *testing.T, store PermissionStore)
		allowed bool
	}{
		{
			name:    "no rules",
			seed:    func(t *testing.T, store PermissionStore) {},
			allowed: false,
		},
		{
			name: "table-wide allow",
			seed: func(t *testing.T, store PermissionStore) {
				grant(t, store, "payroll_archive", TableWide, EffectAllow)
			},
			allowed: true,
		},
		{
			name: "table-wide allow with column deny",
			seed: func(t *testing.T, store PermissionStore) {
				grant(t, store, "payroll_archive", TableWide, EffectAllow)
				grant(t, store, "payroll_archive", "ssn", EffectDeny)
			},
			allowed: false,
		},
		{
			name: "column grant only",
			seed: func(t *testing.T, store PermissionStore) {
				grant(t, store, "payroll_archive", "name", EffectAllow)
			},
			allowed: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryPermissionStore()
			tc.seed(t, store)
			e := NewEvaluator(store, evalCatalog())

			d, err := e.Evaluate(context.Background(), testUser(auth.RoleAnalyst),
				ref(map[string][]string{"payroll_archive": {sqlref.AllColumns}}))
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if d.Allowed != tc.allowed {
				t.Errorf("expected allowed=%v, got %v (%s)", tc.allowed, d.Allowed, d.Reason)
			}
		})
	}
}

// TestEvaluate_MultiTableFirstFailure verifies evaluation is
// all-or-nothing across tables and reports the first failing pair in
// table order.
func TestEvaluate_MultiTableFirstFailure(t *testing.T) {
	store := NewMemoryPermissionStore()
	grant(t, store, "employees", TableWide, EffectAllow)
	e := NewEvaluator(store, evalCatalog())

	r := &sqlref.Reference{
		Tables: []string{"departments", "employees"},
		Columns: map[string][]string{
			"departments": {"id"},
			"employees":   {"name"},
		},
	}
	d, err := e.Evaluate(context.Background(), testUser(auth.RoleAnalyst), r)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected one uncovered table to deny the whole query")
	}
	if d.Table != "departments" || d.Column != "id" {
		t.Errorf("expected failing pair departments.id, got %s.%s", d.Table, d.Column)
	}
}

// TestEvaluate_RevokeRestoresDeny verifies deleting a grant returns the
// user to the default deny.
func TestEvaluate_RevokeRestoresDeny(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPermissionStore()
	grant(t, store, "employees", "email", EffectAllow)
	e := NewEvaluator(store, evalCatalog())
	user := testUser(auth.RoleAnalyst)

	d, err := e.Evaluate(ctx, user, ref(map[string][]string{"employees": {"email"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected grant to allow access, got: %s", d.Reason)
	}

	if err := store.Delete(ctx, "u-1", "employees", "email"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	d, err = e.Evaluate(ctx, user, ref(map[string][]string{"employees": {"email"}}))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected revoked grant to restore default deny")
	}
}
