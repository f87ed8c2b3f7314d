package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/securequery-labs/securequery/internal/errors"
	"github.com/securequery-labs/securequery/internal/sqlref"
)

// Catalog is the schema catalog backed by the catalog_columns table.
// It records, per column, the declared type and the public/encrypted
// flags the evaluator and cipher manager consult.
type Catalog struct {
	db     *sql.DB
	driver string
}

// NewCatalog creates a catalog over the given store connection.
func NewCatalog(db *sql.DB, driver string) *Catalog {
	return &Catalog{db: db, driver: driver}
}

// Columns returns the column metadata of a table in ordinal order, or
// ErrTableNotFound when the table is not registered.
func (c *Catalog) Columns(ctx context.Context, table string) ([]sqlref.ColumnInfo, error) {
	query := Rebind(c.driver,
		`SELECT column_name, data_type, is_public, is_encrypted
		 FROM catalog_columns WHERE table_name = ? ORDER BY ordinal`)
	rows, err := c.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog for table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []sqlref.ColumnInfo
	for rows.Next() {
		var col sqlref.ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type, &col.Public, &col.Encrypted); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.NewTableNotFound(table)
	}
	return cols, nil
}

// Tables lists all registered table names.
func (c *Catalog) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT table_name FROM catalog_columns ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// RegisterTable records a table's schema, replacing any previous entry.
// Public and encrypted flags of re-registered columns are preserved.
func (c *Catalog) RegisterTable(ctx context.Context, table string, cols []sqlref.ColumnInfo) error {
	if len(cols) == 0 {
		return fmt.Errorf("cannot register table %s with no columns", table)
	}

	existing := map[string]sqlref.ColumnInfo{}
	if prev, err := c.Columns(ctx, table); err == nil {
		for _, col := range prev {
			existing[col.Name] = col
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		Rebind(c.driver, `DELETE FROM catalog_columns WHERE table_name = ?`), table); err != nil {
		return fmt.Errorf("failed to clear catalog for table %s: %w", table, err)
	}

	insert := Rebind(c.driver,
		`INSERT INTO catalog_columns (table_name, column_name, data_type, is_public, is_encrypted, ordinal)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	for i, col := range cols {
		if prev, ok := existing[col.Name]; ok {
			col.Public = col.Public || prev.Public
			col.Encrypted = col.Encrypted || prev.Encrypted
		}
		if _, err := tx.ExecContext(ctx, insert,
			table, col.Name, col.Type, col.Public, col.Encrypted, i); err != nil {
			return fmt.Errorf("failed to register column %s.%s: %w", table, col.Name, err)
		}
	}
	return tx.Commit()
}

// SetPublic marks a column as public or private.
func (c *Catalog) SetPublic(ctx context.Context, table, column string, public bool) error {
	return c.setFlag(ctx, "is_public", table, column, public)
}

// SetEncrypted marks a column as encrypted at rest.
func (c *Catalog) SetEncrypted(ctx context.Context, table, column string, encrypted bool) error {
	return c.setFlag(ctx, "is_encrypted", table, column, encrypted)
}

func (c *Catalog) setFlag(ctx context.Context, flag, table, column string, value bool) error {
	query := Rebind(c.driver, fmt.Sprintf(
		`UPDATE catalog_columns SET %s = ? WHERE table_name = ? AND column_name = ?`, flag))
	res, err := c.db.ExecContext(ctx, query, value, table, column)
	if err != nil {
		return fmt.Errorf("failed to update %s on %s.%s: %w", flag, table, column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NewTableNotFound(table)
	}
	return nil
}

// MemoryCatalog is an in-memory schema catalog for tests and development
// mode.
type MemoryCatalog struct {
	mu     sync.RWMutex
	tables map[string][]sqlref.ColumnInfo
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{tables: make(map[string][]sqlref.ColumnInfo)}
}

// Columns returns the column metadata of a table, or ErrTableNotFound.
func (c *MemoryCatalog) Columns(ctx context.Context, table string) ([]sqlref.ColumnInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	cols, ok := c.tables[table]
	if !ok {
		return nil, errors.NewTableNotFound(table)
	}
	out := make([]sqlref.ColumnInfo, len(cols))
	copy(out, cols)
	return out, nil
}

// Tables lists all registered table names.
func (c *MemoryCatalog) Tables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RegisterTable records a table's schema, replacing any previous entry.
func (c *MemoryCatalog) RegisterTable(ctx context.Context, table string, cols []sqlref.ColumnInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("cannot register table %s with no columns", table)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([]sqlref.ColumnInfo, len(cols))
	copy(copied, cols)
	c.tables[table] = copied
	return nil
}

// SetPublic marks a column as public or private.
func (c *MemoryCatalog) SetPublic(ctx context.Context, table, column string, public bool) error {
	return c.setFlag(ctx, table, column, func(col *sqlref.ColumnInfo) { col.Public = public })
}

// SetEncrypted marks a column as encrypted at rest.
func (c *MemoryCatalog) SetEncrypted(ctx context.Context, table, column string, encrypted bool) error {
	return c.setFlag(ctx, table, column, func(col *sqlref.ColumnInfo) { col.Encrypted = encrypted })
}

func (c *MemoryCatalog) setFlag(ctx context.Context, table, column string, apply func(*sqlref.ColumnInfo)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cols, ok := c.tables[table]
	if !ok {
		return errors.NewTableNotFound(table)
	}
	for i := range cols {
		if cols[i].Name == column {
			apply(&cols[i])
			return nil
		}
	}
	return errors.NewTableNotFound(table)
}
