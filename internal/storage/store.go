// Package storage provides the relational store behind securequery: the
// data tables the engine executes against, the schema catalog, and the
// control-plane tables (users, permissions, keys, audit log).
//
// Three drivers are supported through database/sql: postgres for
// production, sqlite for embedded/development use, and duckdb for
// analytics-heavy local workloads. All control-plane queries are written
// with ? placeholders and rebound per driver.
package storage

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"               // postgres driver
	_ "github.com/marcboeker/go-duckdb" // duckdb driver
	_ "modernc.org/sqlite"              // sqlite driver

	"github.com/securequery-labs/securequery/internal/errors"
)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverDuckDB   = "duckdb"
)

// Config configures the store connection.
type Config struct {
	// Driver is one of postgres, sqlite, duckdb.
	Driver string

	// DSN is the driver-specific connection string.
	// For sqlite and duckdb, ":memory:" opens an in-memory database.
	DSN string

	// Timeout bounds every store call. Zero means 30s.
	Timeout time.Duration

	// MaxOpenConns limits the connection pool. Zero means driver default.
	MaxOpenConns int
}

// Store wraps a database/sql connection with a bounded timeout and
// driver-aware placeholder binding.
type Store struct {
	db      *sql.DB
	driver  string
	timeout time.Duration
}

// Open connects to the store and verifies connectivity.
func Open(cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite, DriverDuckDB:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == DriverSQLite && cfg.DSN == ":memory:" {
		// A pool of in-memory sqlite connections would each see a
		// different empty database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store connectivity check failed: %w", err)
	}

	return &Store{db: db, driver: cfg.Driver, timeout: cfg.Timeout}, nil
}

// DB exposes the underlying connection for the control-plane stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Timeout returns the configured per-call bound.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckConnectivity verifies the store is reachable.
func (s *Store) CheckConnectivity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// ResultSet is the materialized result of one statement. Values are
// rendered as strings; NULL becomes the empty string.
type ResultSet struct {
	Columns []string
	Rows    [][]string
}

// Execute runs an already-authorized statement with the configured timeout.
// A timeout is reported as an execution timeout, which callers classify as
// ERROR, never as a denial.
func (s *Store) Execute(ctx context.Context, query string) (*ResultSet, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if goerrors.Is(err, context.DeadlineExceeded) || goerrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.NewExecutionTimeout(err)
		}
		return nil, errors.NewExecutionError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.NewExecutionError(err)
	}

	result := &ResultSet{Columns: cols}
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		scan := make([]interface{}, len(cols))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, errors.NewExecutionError(err)
		}
		row := make([]string, len(cols))
		for i, v := range values {
			if v.Valid {
				row[i] = v.String
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		if goerrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewExecutionTimeout(err)
		}
		return nil, errors.NewExecutionError(err)
	}
	return result, nil
}

// Exec runs a control-plane or DDL statement with the configured timeout.
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, Rebind(s.driver, query), args...)
	return err
}

// Rebind converts ? placeholders to the driver's syntax.
// sqlite and duckdb use ? natively; postgres wants $1..$n.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
