package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/securequery-labs/securequery/internal/audit"
)

func (c *CLI) newAuditCmd() *cobra.Command {
	var (
		user   string
		table  string
		denied bool
		limit  int
		export string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the compliance log",
		Long: `Show records from the append-only compliance log, newest first.
Filters are exclusive; use at most one of --user, --table, --denied.

Example:
  securequery audit --denied --limit 20
  securequery audit --user alice
  securequery audit --export audit.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAudit(cmd.Context(), user, table, denied, limit, export)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only records for this user")
	cmd.Flags().StringVar(&table, "table", "", "only records that touched this table")
	cmd.Flags().BoolVar(&denied, "denied", false, "only denied attempts")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	cmd.Flags().StringVar(&export, "export", "", "write the records to a CSV file instead of printing")
	return cmd
}

func (c *CLI) runAudit(ctx context.Context, user, table string, denied bool, limit int, export string) error {
	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	var records []audit.Record
	switch {
	case user != "":
		records, err = app.auditStore.ByUser(ctx, user, limit)
	case table != "":
		records, err = app.auditStore.ByTable(ctx, table, limit)
	case denied:
		records, err = app.auditStore.Denied(ctx, limit)
	default:
		records, err = app.auditStore.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}

	if export != "" {
		f, err := os.Create(export)
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer f.Close()
		if err := audit.ExportCSV(f, records); err != nil {
			return fmt.Errorf("failed to export records: %w", err)
		}
		c.printf("Exported %d record(s) to %s\n", len(records), export)
		return nil
	}

	if c.jsonOutput {
		return c.outputJSON(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tUSER\tDECISION\tTABLES\tREASON")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.RecordedAt.Format("2006-01-02 15:04:05"),
			rec.Username, rec.Decision,
			strings.Join(rec.Tables, ","), rec.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	c.printf("\n%d record(s)\n", len(records))
	return nil
}
