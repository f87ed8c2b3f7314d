// Package engine wires the query pipeline together: reference
// extraction, permission evaluation, execution, selective decryption,
// and the compliance record. A query moves through the stages
// received, parsed, evaluated, then executed or denied, and every
// attempt ends logged whatever the outcome.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/securequery-labs/securequery/internal/access"
	"github.com/securequery-labs/securequery/internal/audit"
	"github.com/securequery-labs/securequery/internal/auth"
	"github.com/securequery-labs/securequery/internal/crypto"
	"github.com/securequery-labs/securequery/internal/errors"
	"github.com/securequery-labs/securequery/internal/observability"
	"github.com/securequery-labs/securequery/internal/sqlref"
	"github.com/securequery-labs/securequery/internal/storage"
)

// Executor runs an authorized statement against the data store.
type Executor interface {
	Execute(ctx context.Context, query string) (*storage.ResultSet, error)
}

// Result is the outcome of one authorized and executed query. QueryID
// is also the id of the compliance record written for the attempt.
type Result struct {
	QueryID  string        `json:"query_id"`
	Columns  []string      `json:"columns"`
	Rows     [][]string    `json:"rows"`
	Duration time.Duration `json:"duration"`
}

// Orchestrator authorizes, executes and records queries.
type Orchestrator struct {
	extractor *sqlref.Extractor
	evaluator *access.Evaluator
	cipher    *crypto.Manager
	executor  Executor
	recorder  *audit.Recorder
	logger    observability.QueryLogger
}

// NewOrchestrator creates the query pipeline.
func NewOrchestrator(
	extractor *sqlref.Extractor,
	evaluator *access.Evaluator,
	cipher *crypto.Manager,
	executor Executor,
	recorder *audit.Recorder,
	logger observability.QueryLogger,
) *Orchestrator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Orchestrator{
		extractor: extractor,
		evaluator: evaluator,
		cipher:    cipher,
		executor:  executor,
		recorder:  recorder,
		logger:    logger,
	}
}

// AuthorizeAndExecute runs one query for a user. Exactly one compliance
// record is written per call, whatever the outcome; a record that cannot
// be written fails the call even when the query itself succeeded.
func (o *Orchestrator) AuthorizeAndExecute(ctx context.Context, user *auth.User, query string) (*Result, error) {
	start := time.Now()
	queryID := uuid.NewString()

	ref, err := o.extractor.Extract(ctx, query)
	if err != nil {
		return nil, o.finish(ctx, user, queryID, query, nil, audit.DecisionError, reasonOf(err), start, err)
	}

	decision, err := o.evaluator.Evaluate(ctx, user, ref)
	if err != nil {
		return nil, o.finish(ctx, user, queryID, query, ref, audit.DecisionError, reasonOf(err), start, err)
	}
	if !decision.Allowed {
		denied := errors.NewPermissionDenied(decision.Table, decision.Column, decision.Reason)
		return nil, o.finish(ctx, user, queryID, query, ref, audit.DecisionDeny, decision.Reason, start, denied)
	}

	rs, err := o.executor.Execute(ctx, query)
	if err != nil {
		return nil, o.finish(ctx, user, queryID, query, ref, audit.DecisionError, reasonOf(err), start, err)
	}

	if err := o.decryptResult(ctx, rs); err != nil {
		return nil, o.finish(ctx, user, queryID, query, ref, audit.DecisionError, reasonOf(err), start, err)
	}

	if err := o.finish(ctx, user, queryID, query, ref, audit.DecisionAllow, "", start, nil); err != nil {
		return nil, err
	}
	return &Result{
		QueryID:  queryID,
		Columns:  rs.Columns,
		Rows:     rs.Rows,
		Duration: time.Since(start),
	}, nil
}

// decryptResult opens every encrypted cell in place. The evaluator has
// already authorized every referenced column, so any encrypted value the
// store returned is one the user may see in plaintext.
func (o *Orchestrator) decryptResult(ctx context.Context, rs *storage.ResultSet) error {
	for _, row := range rs.Rows {
		for i, cell := range row {
			if !crypto.IsEncrypted(cell) {
				continue
			}
			plaintext, err := o.cipher.DecryptValue(ctx, cell)
			if err != nil {
				return err
			}
			row[i] = plaintext
		}
	}
	return nil
}

// finish writes the compliance record and the operational log entry for
// one attempt. The audit write failure wins over the original error: an
// unrecorded access must not look like an ordinary failure.
func (o *Orchestrator) finish(ctx context.Context, user *auth.User, queryID, query string,
	ref *sqlref.Reference, decision audit.Decision, reason string, start time.Time, cause error) error {

	rec := &audit.Record{
		ID:       queryID,
		Username: user.Username,
		Query:    query,
		Tables:   referencedTables(ref),
		Columns:  qualifiedColumns(ref),
		Decision: decision,
		Reason:   reason,
	}
	auditErr := o.recorder.Record(ctx, rec)

	entry := observability.QueryLogEntry{
		QueryID:       queryID,
		User:          user.Username,
		Role:          string(user.Role),
		Tables:        rec.Tables,
		Decision:      string(decision),
		ExecutionTime: time.Since(start),
	}
	if cause != nil {
		entry.Error = reason
	}
	// The operational log is best-effort; the compliance record is not.
	_ = o.logger.LogQuery(ctx, entry)

	if auditErr != nil {
		return auditErr
	}
	return cause
}

func referencedTables(ref *sqlref.Reference) []string {
	if ref == nil {
		return []string{}
	}
	return append([]string{}, ref.Tables...)
}

func qualifiedColumns(ref *sqlref.Reference) []string {
	if ref == nil {
		return []string{}
	}
	cols := []string{}
	for table, names := range ref.Columns {
		for _, name := range names {
			cols = append(cols, fmt.Sprintf("%s.%s", table, name))
		}
	}
	sort.Strings(cols)
	return cols
}

// reasonOf extracts the short reason from a typed error for the audit
// trail, falling back to the full message.
func reasonOf(err error) string {
	switch e := err.(type) {
	case *errors.ErrParse:
		return e.Reason
	case *errors.ErrPermissionDenied:
		return e.Reason
	case *errors.ErrCrypto:
		return e.Message
	case *errors.ErrExecution:
		return e.Message
	case *errors.ErrTableNotFound:
		return e.Message
	default:
		return err.Error()
	}
}
