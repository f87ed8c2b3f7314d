// Package errors provides explicit, human-readable error types for securequery.
// Every error carries a Reason and, where it helps the operator, a Suggestion.
//
// The taxonomy matters to callers: a permission denial, a failed tamper check
// and a failed audit write are three different situations and must never be
// collapsed into one another.
package errors

import (
	goerrors "errors"
	"fmt"
)

// ErrorCode categorizes errors for exit-code and HTTP-status mapping.
type ErrorCode int

const (
	CodeParse     ErrorCode = 1
	CodeDenied    ErrorCode = 2
	CodeCrypto    ErrorCode = 3
	CodeExecution ErrorCode = 4
	CodeAudit     ErrorCode = 5
	CodeAuth      ErrorCode = 6
	CodeInternal  ErrorCode = 7
)

// SecureQueryError is the base error type for all securequery errors.
type SecureQueryError struct {
	Code       ErrorCode
	Message    string
	Reason     string
	Suggestion string
	Cause      error
}

func (e *SecureQueryError) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s\nReason: %s", msg, e.Reason)
	}
	if e.Suggestion != "" {
		msg = fmt.Sprintf("%s\nSuggestion: %s", msg, e.Suggestion)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s\nCaused by: %v", msg, e.Cause)
	}
	return msg
}

func (e *SecureQueryError) Unwrap() error {
	return e.Cause
}

// ErrParse is returned when a statement cannot be analyzed structurally.
// The extractor fails closed: a statement we cannot fully attribute to
// tables and columns is never partially authorized.
type ErrParse struct {
	SecureQueryError
	Query string
}

// NewParseError creates a new ErrParse.
func NewParseError(query, reason, suggestion string) *ErrParse {
	return &ErrParse{
		SecureQueryError: SecureQueryError{
			Code:       CodeParse,
			Message:    "query rejected",
			Reason:     reason,
			Suggestion: suggestion,
		},
		Query: query,
	}
}

// NewUnsupportedStatement creates an ErrParse for non-SELECT statements.
func NewUnsupportedStatement(query, kind string) *ErrParse {
	return &ErrParse{
		SecureQueryError: SecureQueryError{
			Code:       CodeParse,
			Message:    fmt.Sprintf("%s statement not allowed", kind),
			Reason:     "only SELECT statements are authorized through the engine",
			Suggestion: "rewrite the statement as a SELECT",
		},
		Query: query,
	}
}

// ErrPermissionDenied is returned when the evaluator denies a reference set.
// Table and Column identify the first offending pair.
type ErrPermissionDenied struct {
	SecureQueryError
	Table  string
	Column string
}

// NewPermissionDenied creates a new ErrPermissionDenied.
func NewPermissionDenied(table, column, reason string) *ErrPermissionDenied {
	return &ErrPermissionDenied{
		SecureQueryError: SecureQueryError{
			Code:       CodeDenied,
			Message:    fmt.Sprintf("access denied: %s.%s", table, column),
			Reason:     reason,
			Suggestion: "request a grant from an administrator",
		},
		Table:  table,
		Column: column,
	}
}

// ErrCrypto is returned on any cipher-manager failure: a missing key,
// a key that does not belong to the requested column, or a ciphertext
// whose authentication tag does not verify.
type ErrCrypto struct {
	SecureQueryError
	Table  string
	Column string
}

// NewCryptoError creates a new ErrCrypto.
func NewCryptoError(table, column, reason string) *ErrCrypto {
	return &ErrCrypto{
		SecureQueryError: SecureQueryError{
			Code:    CodeCrypto,
			Message: fmt.Sprintf("decryption failed for %s.%s", table, column),
			Reason:  reason,
		},
		Table:  table,
		Column: column,
	}
}

// NewKeyNotFound creates an ErrCrypto for a missing column key.
func NewKeyNotFound(table, column string) *ErrCrypto {
	return &ErrCrypto{
		SecureQueryError: SecureQueryError{
			Code:       CodeCrypto,
			Message:    fmt.Sprintf("no encryption key for %s.%s", table, column),
			Reason:     "the column has not been secured, or its key was removed",
			Suggestion: fmt.Sprintf("secure the column with 'securequery secure-column %s %s'", table, column),
		},
		Table:  table,
		Column: column,
	}
}

// NewTamperDetected creates an ErrCrypto for a failed authentication tag.
func NewTamperDetected(table, column string) *ErrCrypto {
	return &ErrCrypto{
		SecureQueryError: SecureQueryError{
			Code:    CodeCrypto,
			Message: fmt.Sprintf("ciphertext verification failed for %s.%s", table, column),
			Reason:  "authentication tag mismatch: the value was modified or sealed under a different key",
		},
		Table:  table,
		Column: column,
	}
}

// ErrAlreadySecured marks the already-secured condition for errors.Is.
var ErrAlreadySecured = goerrors.New("column already secured")

// NewColumnAlreadySecured creates an error for re-securing a column.
func NewColumnAlreadySecured(table, column string) *ErrCrypto {
	return &ErrCrypto{
		SecureQueryError: SecureQueryError{
			Code:       CodeCrypto,
			Message:    fmt.Sprintf("column %s.%s is already secured", table, column),
			Reason:     "an active encryption key exists for this column",
			Suggestion: fmt.Sprintf("use 'securequery rotate-key %s %s' to rotate instead", table, column),
			Cause:      ErrAlreadySecured,
		},
		Table:  table,
		Column: column,
	}
}

// ErrExecution is returned when the underlying store fails after the
// statement was authorized. Timeouts are execution errors, not denials.
type ErrExecution struct {
	SecureQueryError
}

// NewExecutionError creates a new ErrExecution.
func NewExecutionError(cause error) *ErrExecution {
	return &ErrExecution{
		SecureQueryError: SecureQueryError{
			Code:    CodeExecution,
			Message: "query execution failed",
			Reason:  "the underlying store reported an error",
			Cause:   cause,
		},
	}
}

// NewExecutionTimeout creates an ErrExecution for a store timeout.
func NewExecutionTimeout(cause error) *ErrExecution {
	return &ErrExecution{
		SecureQueryError: SecureQueryError{
			Code:       CodeExecution,
			Message:    "query execution timed out",
			Reason:     "the store did not respond within the configured bound",
			Suggestion: "retry, or raise store.timeout in the configuration",
			Cause:      cause,
		},
	}
}

// ErrAuditWrite is returned when the compliance record could not be written.
// It escalates the whole operation to failure: an un-logged access is itself
// a compliance violation, so this error is never swallowed and never
// presented as a permission denial.
type ErrAuditWrite struct {
	SecureQueryError
}

// NewAuditWriteFailed creates a new ErrAuditWrite.
func NewAuditWriteFailed(cause error) *ErrAuditWrite {
	return &ErrAuditWrite{
		SecureQueryError: SecureQueryError{
			Code:    CodeAudit,
			Message: "audit record could not be written",
			Reason:  "the authorization decision could not be persisted",
			Cause:   cause,
		},
	}
}

// ErrAuthFailed is returned when authentication fails.
type ErrAuthFailed struct {
	SecureQueryError
}

// NewAuthFailed creates a new ErrAuthFailed.
func NewAuthFailed(reason string) *ErrAuthFailed {
	return &ErrAuthFailed{
		SecureQueryError: SecureQueryError{
			Code:       CodeAuth,
			Message:    "authentication failed",
			Reason:     reason,
			Suggestion: "check the credentials, or obtain a fresh token via POST /v1/login",
		},
	}
}

// ErrUserNotFound is returned when a referenced user does not exist.
type ErrUserNotFound struct {
	SecureQueryError
	Username string
}

// NewUserNotFound creates a new ErrUserNotFound.
func NewUserNotFound(username string) *ErrUserNotFound {
	return &ErrUserNotFound{
		SecureQueryError: SecureQueryError{
			Code:       CodeAuth,
			Message:    fmt.Sprintf("user not found: %s", username),
			Reason:     "no system user registered with this name",
			Suggestion: "list users with 'securequery user list'",
		},
		Username: username,
	}
}

// ErrTableNotFound is returned when a referenced table is not in the catalog.
type ErrTableNotFound struct {
	SecureQueryError
	Table string
}

// NewTableNotFound creates a new ErrTableNotFound.
func NewTableNotFound(table string) *ErrTableNotFound {
	return &ErrTableNotFound{
		SecureQueryError: SecureQueryError{
			Code:       CodeParse,
			Message:    fmt.Sprintf("table not found: %s", table),
			Reason:     "no table registered in the schema catalog with this name",
			Suggestion: "load data with 'securequery load <csv> <table>'",
		},
		Table: table,
	}
}

// BaseOf returns the embedded base of a securequery error, or nil for
// anything else.
func BaseOf(err error) *SecureQueryError {
	switch e := err.(type) {
	case *ErrParse:
		return &e.SecureQueryError
	case *ErrPermissionDenied:
		return &e.SecureQueryError
	case *ErrCrypto:
		return &e.SecureQueryError
	case *ErrExecution:
		return &e.SecureQueryError
	case *ErrAuditWrite:
		return &e.SecureQueryError
	case *ErrAuthFailed:
		return &e.SecureQueryError
	case *ErrUserNotFound:
		return &e.SecureQueryError
	case *ErrTableNotFound:
		return &e.SecureQueryError
	case *SecureQueryError:
		return e
	default:
		return nil
	}
}

// CodeOf returns the error code of a securequery error, or CodeInternal
// for anything else.
func CodeOf(err error) ErrorCode {
	if base := BaseOf(err); base != nil {
		return base.Code
	}
	return CodeInternal
}

// NewMigrationFailed creates an internal error for a failed migration.
func NewMigrationFailed(name string, cause error) *SecureQueryError {
	return &SecureQueryError{
		Code:    CodeInternal,
		Message: fmt.Sprintf("migration %s failed", name),
		Reason:  "the schema could not be brought up to date",
		Cause:   cause,
	}
}
