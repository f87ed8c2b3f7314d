// Package audit implements the append-only compliance trail. Every
// authorization attempt produces exactly one record, whatever its
// outcome; records are never updated or deleted, and the store
// interface deliberately has no operation that could.
package audit

import (
	"context"
	"time"
)

// Decision is the recorded outcome of one authorization attempt.
type Decision string

const (
	// DecisionAllow records a query that was authorized and executed.
	DecisionAllow Decision = "ALLOW"

	// DecisionDeny records a query refused by the permission evaluator.
	DecisionDeny Decision = "DENY"

	// DecisionError records a query that failed for any other reason:
	// parse rejection, execution failure, or a crypto error.
	DecisionError Decision = "ERROR"
)

// Record is one compliance log entry. Columns are qualified as
// "table.column".
type Record struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	Username   string    `json:"username"`
	Query      string    `json:"query"`
	Tables     []string  `json:"tables"`
	Columns    []string  `json:"columns"`
	Decision   Decision  `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
}

// Store persists compliance records. All projections return newest
// first.
type Store interface {
	// Append writes one record.
	Append(ctx context.Context, rec *Record) error

	// ByUser returns a user's records.
	ByUser(ctx context.Context, username string, limit int) ([]Record, error)

	// ByTable returns records that touched a table.
	ByTable(ctx context.Context, table string, limit int) ([]Record, error)

	// Recent returns the most recent records.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Denied returns the most recent DENY records.
	Denied(ctx context.Context, limit int) ([]Record, error)
}
