package storage

import (
	"context"
	goerrors "errors"
	"reflect"
	"testing"

	"github.com/securequery-labs/securequery/internal/errors"
	"github.com/securequery-labs/securequery/internal/sqlref"
)

// TestRebind verifies placeholder conversion per driver.
func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		driver   string
		query    string
		expected string
	}{
		{
			name:     "postgres numbered",
			driver:   DriverPostgres,
			query:    "INSERT INTO t (a, b) VALUES (?, ?)",
			expected: "INSERT INTO t (a, b) VALUES ($1, $2)",
		},
		{
			name:     "sqlite unchanged",
			driver:   DriverSQLite,
			query:    "SELECT a FROM t WHERE b = ?",
			expected: "SELECT a FROM t WHERE b = ?",
		},
		{
			name:     "duckdb unchanged",
			driver:   DriverDuckDB,
			query:    "SELECT a FROM t WHERE b = ?",
			expected: "SELECT a FROM t WHERE b = ?",
		},
		{
			name:     "no placeholders",
			driver:   DriverPostgres,
			query:    "SELECT 1",
			expected: "SELECT 1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Rebind(tc.driver, tc.query); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

// TestMemoryCatalog_RegisterAndFlags verifies registration, flag updates
// and the not-found behavior.
func TestMemoryCatalog_RegisterAndFlags(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()

	cols := []sqlref.ColumnInfo{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "TEXT"},
		{Name: "salary", Type: "FLOAT"},
	}
	if err := c.RegisterTable(ctx, "employees", cols); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := c.SetPublic(ctx, "employees", "name", true); err != nil {
		t.Fatalf("set public failed: %v", err)
	}
	if err := c.SetEncrypted(ctx, "employees", "salary", true); err != nil {
		t.Fatalf("set encrypted failed: %v", err)
	}

	got, err := c.Columns(ctx, "employees")
	if err != nil {
		t.Fatalf("columns failed: %v", err)
	}
	want := []sqlref.ColumnInfo{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "TEXT", Public: true},
		{Name: "salary", Type: "FLOAT", Encrypted: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	_, err = c.Columns(ctx, "missing")
	var notFound *errors.ErrTableNotFound
	if !goerrors.As(err, &notFound) {
		t.Errorf("expected ErrTableNotFound for unknown table, got %v", err)
	}
}

// TestMemoryCatalog_Tables verifies table listing is sorted.
func TestMemoryCatalog_Tables(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()

	for _, table := range []string{"orders", "customers", "employees"} {
		err := c.RegisterTable(ctx, table, []sqlref.ColumnInfo{{Name: "id", Type: "INTEGER"}})
		if err != nil {
			t.Fatalf("register %s failed: %v", table, err)
		}
	}

	tables, err := c.Tables(ctx)
	if err != nil {
		t.Fatalf("tables failed: %v", err)
	}
	want := []string{"customers", "employees", "orders"}
	if !reflect.DeepEqual(tables, want) {
		t.Errorf("expected %v, got %v", want, tables)
	}
}
