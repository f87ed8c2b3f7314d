package audit

import (
	"encoding/csv"
	"io"
	"strings"
	"time"
)

// ExportCSV writes records as CSV, one row per record, with a header
// line. Tables and columns are joined with ";" so the row stays one
// cell per field.
func ExportCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "recorded_at", "username", "decision", "tables", "columns", "query", "reason"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.RecordedAt.UTC().Format(time.RFC3339),
			rec.Username,
			string(rec.Decision),
			strings.Join(rec.Tables, ";"),
			strings.Join(rec.Columns, ";"),
			rec.Query,
			rec.Reason,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
