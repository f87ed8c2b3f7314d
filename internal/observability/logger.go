// Package observability provides structured operational logging for the
// query engine. This is the operator-facing log stream; the compliance
// trail lives in internal/audit and is persisted separately.
//
// Every query emits: query_id, user, tables referenced, decision,
// execution time, and error (if any).
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// QueryLogEntry contains all required fields for query logging.
type QueryLogEntry struct {
	// QueryID is the unique identifier for this query.
	QueryID string

	// User is the authenticated user who submitted the query.
	User string

	// Role is the user's role.
	Role string

	// Tables are the tables the query referenced.
	// May be empty when the statement was rejected before extraction.
	Tables []string

	// Decision is the recorded outcome: ALLOW, DENY or ERROR.
	Decision string

	// ExecutionTime is how long the whole operation took.
	// Must be non-negative.
	ExecutionTime time.Duration

	// Error contains the error message if the query failed.
	// Empty string for successful queries.
	Error string
}

// Validate checks that all required fields are present.
func (e *QueryLogEntry) Validate() error {
	if e.QueryID == "" {
		return fmt.Errorf("observability: query_id is required")
	}
	if e.User == "" {
		return fmt.Errorf("observability: user is required")
	}
	if e.ExecutionTime < 0 {
		return fmt.Errorf("observability: execution_time cannot be negative")
	}
	return nil
}

// QueryLogger is the interface for query logging.
type QueryLogger interface {
	// LogQuery logs a query event.
	// Returns an error if logging fails or the entry is invalid.
	LogQuery(ctx context.Context, entry QueryLogEntry) error

	// Summary returns aggregated statistics over logged entries.
	Summary() *Summary
}

// Summary is an aggregate view over logged queries. It never exposes
// query text or result data.
type Summary struct {
	AllowedCount     int              `json:"allowed_count"`
	DeniedCount      int              `json:"denied_count"`
	ErrorCount       int              `json:"error_count"`
	TopDenialReasons []ReasonStat     `json:"top_denial_reasons"`
	TopQueriedTables []TableQueryStat `json:"top_queried_tables"`
}

// ReasonStat counts occurrences of one denial or error reason.
type ReasonStat struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// TableQueryStat counts queries against one table.
type TableQueryStat struct {
	Table string `json:"table"`
	Count int    `json:"count"`
}

// jsonLogOutput is the structured format for JSON logs.
type jsonLogOutput struct {
	Timestamp       string   `json:"timestamp"`
	Level           string   `json:"level"`
	QueryID         string   `json:"query_id"`
	User            string   `json:"user"`
	Role            string   `json:"role,omitempty"`
	Tables          []string `json:"tables"`
	Decision        string   `json:"decision,omitempty"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	Error           string   `json:"error,omitempty"`
}

// JSONLogger implements QueryLogger with JSON line output.
type JSONLogger struct {
	writer  io.Writer
	entries []QueryLogEntry
	mu      sync.RWMutex
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{
		writer:  w,
		entries: make([]QueryLogEntry, 0),
	}
}

// LogQuery logs a query event as one JSON line.
func (l *JSONLogger) LogQuery(ctx context.Context, entry QueryLogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("observability: context error: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	level := "info"
	if entry.Error != "" {
		level = "error"
	}

	output := jsonLogOutput{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Level:           level,
		QueryID:         entry.QueryID,
		User:            entry.User,
		Role:            entry.Role,
		Tables:          entry.Tables,
		Decision:        entry.Decision,
		ExecutionTimeMs: entry.ExecutionTime.Milliseconds(),
		Error:           entry.Error,
	}
	if output.Tables == nil {
		output.Tables = []string{}
	}

	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("observability: failed to marshal log: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("observability: failed to write log: %w", err)
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	return nil
}

// Summary returns aggregated statistics over logged entries.
func (l *JSONLogger) Summary() *Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	summary := &Summary{
		TopDenialReasons: []ReasonStat{},
		TopQueriedTables: []TableQueryStat{},
	}

	reasons := make(map[string]int)
	tableCounts := make(map[string]int)

	for _, entry := range l.entries {
		switch entry.Decision {
		case "ALLOW":
			summary.AllowedCount++
		case "DENY":
			summary.DeniedCount++
			if entry.Error != "" {
				reasons[entry.Error]++
			}
		default:
			summary.ErrorCount++
			if entry.Error != "" {
				reasons[entry.Error]++
			}
		}
		for _, table := range entry.Tables {
			tableCounts[table]++
		}
	}

	for reason, count := range reasons {
		summary.TopDenialReasons = append(summary.TopDenialReasons, ReasonStat{
			Reason: reason,
			Count:  count,
		})
	}
	sort.Slice(summary.TopDenialReasons, func(i, j int) bool {
		if summary.TopDenialReasons[i].Count == summary.TopDenialReasons[j].Count {
			return summary.TopDenialReasons[i].Reason < summary.TopDenialReasons[j].Reason
		}
		return summary.TopDenialReasons[i].Count > summary.TopDenialReasons[j].Count
	})
	if len(summary.TopDenialReasons) > 5 {
		summary.TopDenialReasons = summary.TopDenialReasons[:5]
	}

	for table, count := range tableCounts {
		summary.TopQueriedTables = append(summary.TopQueriedTables, TableQueryStat{
			Table: table,
			Count: count,
		})
	}
	sort.Slice(summary.TopQueriedTables, func(i, j int) bool {
		if summary.TopQueriedTables[i].Count == summary.TopQueriedTables[j].Count {
			return summary.TopQueriedTables[i].Table < summary.TopQueriedTables[j].Table
		}
		return summary.TopQueriedTables[i].Count > summary.TopQueriedTables[j].Count
	})
	if len(summary.TopQueriedTables) > 5 {
		summary.TopQueriedTables = summary.TopQueriedTables[:5]
	}

	return summary
}

// NoopLogger is a logger that discards all logs.
// Useful for testing or when logging is disabled.
type NoopLogger struct{}

// NewNoopLogger creates a new no-op logger.
func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

// LogQuery does nothing and always succeeds.
func (l *NoopLogger) LogQuery(ctx context.Context, entry QueryLogEntry) error {
	return nil
}

// Summary returns an empty summary for the no-op logger.
func (l *NoopLogger) Summary() *Summary {
	return &Summary{
		TopDenialReasons: []ReasonStat{},
		TopQueriedTables: []TableQueryStat{},
	}
}
