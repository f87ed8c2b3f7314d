package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/securequery-labs/securequery/internal/errors"
)

// Recorder stamps and appends compliance records. A failed append
// escalates: the caller must fail the whole operation rather than serve
// an unlogged access.
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record assigns the id and timestamp and appends the record.
func (r *Recorder) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.Tables == nil {
		rec.Tables = []string{}
	}
	if rec.Columns == nil {
		rec.Columns = []string{}
	}
	if err := r.store.Append(ctx, rec); err != nil {
		return errors.NewAuditWriteFailed(err)
	}
	return nil
}

// Store exposes the underlying store for the read-side projections.
func (r *Recorder) Store() Store {
	return r.store
}
