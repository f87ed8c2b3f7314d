// Package pipeline handles data ingestion: loading CSV files into the
// store, inferring column types, and registering the schema catalog.
//
// Data tables store every column as TEXT so any column can later be
// encrypted in place; the inferred type lives in the catalog and is
// metadata only.
package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/securequery-labs/securequery/internal/sqlref"
)

// StoreWriter is the slice of the store the loader needs.
type StoreWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// CatalogWriter is the slice of the catalog the loader needs.
type CatalogWriter interface {
	RegisterTable(ctx context.Context, table string, cols []sqlref.ColumnInfo) error
}

// LoadReport summarizes one ingestion.
type LoadReport struct {
	Table   string              `json:"table"`
	Rows    int                 `json:"rows"`
	Columns []sqlref.ColumnInfo `json:"columns"`
}

// Loader ingests CSV files.
type Loader struct {
	store   StoreWriter
	catalog CatalogWriter
}

// NewLoader creates a CSV loader.
func NewLoader(store StoreWriter, catalog CatalogWriter) *Loader {
	return &Loader{store: store, catalog: catalog}
}

// LoadCSV reads a CSV file with a header row into a table, replacing
// any previous contents, and registers the inferred schema.
func (l *Loader) LoadCSV(ctx context.Context, path, table string) (*LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return l.Load(ctx, f, table)
}

// Load reads CSV data from a reader into a table.
func (l *Loader) Load(ctx context.Context, r io.Reader, table string) (*LoadReport, error) {
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	columns := make([]string, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if err := validateIdentifier(name); err != nil {
			return nil, err
		}
		columns[i] = name
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", len(rows)+2, err)
		}
		rows = append(rows, record)
	}

	cols := make([]sqlref.ColumnInfo, len(columns))
	for i, name := range columns {
		cols[i] = sqlref.ColumnInfo{Name: name, Type: inferType(rows, i)}
	}

	if err := l.createTable(ctx, table, columns); err != nil {
		return nil, err
	}
	if err := l.insertRows(ctx, table, columns, rows); err != nil {
		return nil, err
	}
	if err := l.catalog.RegisterTable(ctx, table, cols); err != nil {
		return nil, fmt.Errorf("failed to register schema for %s: %w", table, err)
	}

	return &LoadReport{Table: table, Rows: len(rows), Columns: cols}, nil
}

func (l *Loader) createTable(ctx context.Context, table string, columns []string) error {
	defs := make([]string, len(columns))
	for i, name := range columns {
		defs[i] = name + " TEXT"
	}
	if err := l.store.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("failed to replace table %s: %w", table, err)
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
	if err := l.store.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

func (l *Loader) insertRows(ctx context.Context, table string, columns []string, rows [][]string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders)

	for n, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row %d has %d values, header has %d columns", n+2, len(row), len(columns))
		}
		args := make([]interface{}, len(row))
		for i, v := range row {
			args[i] = v
		}
		if err := l.store.Exec(ctx, insert, args...); err != nil {
			return fmt.Errorf("failed to insert row %d into %s: %w", n+2, table, err)
		}
	}
	return nil
}

// inferType classifies one CSV column as INTEGER, FLOAT or TEXT.
// Empty values are ignored; a column with no values is TEXT.
func inferType(rows [][]string, col int) string {
	sawValue := false
	isInt := true
	isFloat := true
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[col])
		if v == "" {
			continue
		}
		sawValue = true
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if !isInt && isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
			}
		}
		if !isInt && !isFloat {
			return "TEXT"
		}
	}
	switch {
	case !sawValue:
		return "TEXT"
	case isInt:
		return "INTEGER"
	case isFloat:
		return "FLOAT"
	default:
		return "TEXT"
	}
}

// validateIdentifier rejects names that cannot be safely interpolated
// into DDL. Table and column names come from operator input, never from
// query users.
func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier must not be empty")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("identifier %q must not start with a digit", name)
			}
		default:
			return fmt.Errorf("identifier %q may only contain lowercase letters, digits and underscores", name)
		}
	}
	return nil
}
