package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/securequery-labs/securequery/internal/storage"
)

// defaultLimit bounds projections when the caller passes no limit.
const defaultLimit = 100

// SQLStore implements Store on a relational store. Table and column
// lists are stored as JSON arrays.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore creates a SQL-backed audit store.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Append writes one record.
func (s *SQLStore) Append(ctx context.Context, rec *Record) error {
	tables, err := json.Marshal(rec.Tables)
	if err != nil {
		return fmt.Errorf("failed to encode table list: %w", err)
	}
	columns, err := json.Marshal(rec.Columns)
	if err != nil {
		return fmt.Errorf("failed to encode column list: %w", err)
	}
	_, err = s.db.ExecContext(ctx, storage.Rebind(s.driver,
		`INSERT INTO audit_log (id, recorded_at, username, query_text, tables_read, columns_read, decision, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.RecordedAt, rec.Username, rec.Query,
		string(tables), string(columns), string(rec.Decision), rec.Reason)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// ByUser returns a user's records, newest first.
func (s *SQLStore) ByUser(ctx context.Context, username string, limit int) ([]Record, error) {
	return s.query(ctx, `WHERE username = ?`, limit, username)
}

// ByTable returns records that touched a table, newest first.
func (s *SQLStore) ByTable(ctx context.Context, table string, limit int) ([]Record, error) {
	// tables_read is a JSON array of quoted names, so a quoted LIKE
	// matches whole names only.
	return s.query(ctx, `WHERE tables_read LIKE ? ESCAPE '\'`, limit, tablePattern(table))
}

// tablePattern builds the LIKE pattern for one table name with the
// wildcard characters escaped, so my_table never matches myxtable.
func tablePattern(table string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(table)
	return `%"` + escaped + `"%`
}

// Recent returns the most recent records.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx, ``, limit)
}

// Denied returns the most recent DENY records.
func (s *SQLStore) Denied(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx, `WHERE decision = ?`, limit, string(DecisionDeny))
}

func (s *SQLStore) query(ctx context.Context, where string, limit int, args ...interface{}) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	query := fmt.Sprintf(
		`SELECT id, recorded_at, username, query_text, tables_read, columns_read, decision, reason
		 FROM audit_log %s ORDER BY recorded_at DESC, id DESC LIMIT ?`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, storage.Rebind(s.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec      Record
			decision string
			tables   string
			columns  string
		)
		if err := rows.Scan(&rec.ID, &rec.RecordedAt, &rec.Username, &rec.Query,
			&tables, &columns, &decision, &rec.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Decision = Decision(decision)
		if err := json.Unmarshal([]byte(tables), &rec.Tables); err != nil {
			return nil, fmt.Errorf("failed to decode table list: %w", err)
		}
		if err := json.Unmarshal([]byte(columns), &rec.Columns); err != nil {
			return nil, fmt.Errorf("failed to decode column list: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MemoryStore is an in-memory Store for tests and development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append writes one record.
func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

// ByUser returns a user's records, newest first.
func (s *MemoryStore) ByUser(ctx context.Context, username string, limit int) ([]Record, error) {
	return s.filter(ctx, limit, func(r *Record) bool { return r.Username == username })
}

// ByTable returns records that touched a table, newest first.
func (s *MemoryStore) ByTable(ctx context.Context, table string, limit int) ([]Record, error) {
	return s.filter(ctx, limit, func(r *Record) bool {
		for _, t := range r.Tables {
			if t == table {
				return true
			}
		}
		return false
	})
}

// Recent returns the most recent records.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.filter(ctx, limit, func(*Record) bool { return true })
}

// Denied returns the most recent DENY records.
func (s *MemoryStore) Denied(ctx context.Context, limit int) ([]Record, error) {
	return s.filter(ctx, limit, func(r *Record) bool { return r.Decision == DecisionDeny })
}

func (s *MemoryStore) filter(ctx context.Context, limit int, keep func(*Record) bool) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := []Record{}
	for i := range s.records {
		if keep(&s.records[i]) {
			matched = append(matched, cloneRecord(&s.records[i]))
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].RecordedAt.Equal(matched[j].RecordedAt) {
			return strings.Compare(matched[i].ID, matched[j].ID) > 0
		}
		return matched[i].RecordedAt.After(matched[j].RecordedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func cloneRecord(rec *Record) Record {
	out := *rec
	out.Tables = append([]string(nil), rec.Tables...)
	out.Columns = append([]string(nil), rec.Columns...)
	return out
}
