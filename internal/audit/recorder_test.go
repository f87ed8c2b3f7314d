package audit

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/securequery-labs/securequery/internal/errors"
)

func appendRecord(t *testing.T, r *Recorder, username string, decision Decision, tables ...string) *Record {
	t.Helper()
	rec := &Record{
		Username: username,
		Query:    "SELECT 1",
		Tables:   tables,
		Decision: decision,
	}
	if err := r.Record(context.Background(), rec); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	return rec
}

// TestRecorder_StampsRecords verifies ids and timestamps are assigned.
func TestRecorder_StampsRecords(t *testing.T) {
	r := NewRecorder(NewMemoryStore())

	first := appendRecord(t, r, "alice", DecisionAllow, "employees")
	second := appendRecord(t, r, "alice", DecisionAllow, "employees")

	if first.ID == "" || second.ID == "" {
		t.Fatal("expected ids to be assigned")
	}
	if first.ID == second.ID {
		t.Error("expected each record to get a distinct id")
	}
	if first.RecordedAt.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
}

// TestRecorder_EveryAttemptRecorded verifies one entry per call,
// whatever the decision.
func TestRecorder_EveryAttemptRecorded(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store)

	appendRecord(t, r, "alice", DecisionAllow, "employees")
	appendRecord(t, r, "alice", DecisionDeny, "employees")
	appendRecord(t, r, "bob", DecisionError)

	records, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
}

// TestStore_Projections verifies the by-user, by-table and denied views.
func TestStore_Projections(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewRecorder(store)

	appendRecord(t, r, "alice", DecisionAllow, "employees")
	appendRecord(t, r, "alice", DecisionDeny, "employees")
	appendRecord(t, r, "bob", DecisionAllow, "departments")
	appendRecord(t, r, "bob", DecisionDeny, "employees", "departments")

	byUser, err := store.ByUser(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("by user failed: %v", err)
	}
	if len(byUser) != 2 {
		t.Errorf("expected 2 records for alice, got %d", len(byUser))
	}

	byTable, err := store.ByTable(ctx, "employees", 0)
	if err != nil {
		t.Fatalf("by table failed: %v", err)
	}
	if len(byTable) != 3 {
		t.Errorf("expected 3 records touching employees, got %d", len(byTable))
	}

	denied, err := store.Denied(ctx, 0)
	if err != nil {
		t.Fatalf("denied failed: %v", err)
	}
	if len(denied) != 2 {
		t.Errorf("expected 2 denied records, got %d", len(denied))
	}
	for _, rec := range denied {
		if rec.Decision != DecisionDeny {
			t.Errorf("denied view returned decision %s", rec.Decision)
		}
	}
}

// TestTablePattern verifies LIKE wildcards in table names are escaped,
// so an underscore matches itself and nothing else.
func TestTablePattern(t *testing.T) {
	tests := []struct {
		name     string
		table    string
		expected string
	}{
		{name: "plain", table: "employees", expected: `%"employees"%`},
		{name: "underscore escaped", table: "my_table", expected: `%"my\_table"%`},
		{name: "percent escaped", table: "odd%name", expected: `%"odd\%name"%`},
		{name: "backslash escaped", table: `odd\name`, expected: `%"odd\\name"%`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tablePattern(tc.table); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

// TestStore_AppendOnly verifies a written record cannot be changed from
// outside: neither through the record passed to Append nor through one
// returned by a projection.
func TestStore_AppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewRecorder(store)

	rec := appendRecord(t, r, "alice", DecisionDeny, "employees")

	// Mutating the caller's copy after the append must not reach the log.
	rec.Username = "mallory"
	rec.Decision = DecisionAllow
	rec.Tables[0] = "payroll"

	read, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if read[0].Username != "alice" || read[0].Decision != DecisionDeny {
		t.Fatalf("append kept a live reference: %+v", read[0])
	}
	if read[0].Tables[0] != "employees" {
		t.Fatalf("append kept a live table slice: %v", read[0].Tables)
	}

	// Mutating a projected record must not reach the log either.
	read[0].Decision = DecisionAllow
	read[0].Tables[0] = "payroll"

	again, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if again[0].Decision != DecisionDeny || again[0].Tables[0] != "employees" {
		t.Fatalf("projection returned a live reference: %+v", again[0])
	}
}

// TestStore_NewestFirst verifies projections order by time descending.
func TestStore_NewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &Record{
			ID:         fmt.Sprintf("rec-%d", i),
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
			Username:   "alice",
			Query:      "SELECT 1",
			Tables:     []string{"employees"},
			Columns:    []string{},
			Decision:   DecisionAllow,
		}
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	records, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected limit to cap at 3 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].RecordedAt.After(records[i-1].RecordedAt) {
			t.Fatal("expected newest-first ordering")
		}
	}
	if records[0].ID != "rec-4" {
		t.Errorf("expected newest record first, got %s", records[0].ID)
	}
}

// failingStore always refuses appends.
type failingStore struct {
	Store
}

func (failingStore) Append(ctx context.Context, rec *Record) error {
	return fmt.Errorf("disk full")
}

// TestRecorder_AppendFailureEscalates verifies a failed write surfaces
// as an audit error, never silently.
func TestRecorder_AppendFailureEscalates(t *testing.T) {
	r := NewRecorder(failingStore{})

	err := r.Record(context.Background(), &Record{
		Username: "alice",
		Query:    "SELECT 1",
		Decision: DecisionAllow,
	})
	var auditErr *errors.ErrAuditWrite
	if !goerrors.As(err, &auditErr) {
		t.Fatalf("expected ErrAuditWrite, got %v", err)
	}
}
