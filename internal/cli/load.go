package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

func (c *CLI) newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <csv-file> <table>",
		Short: "Load a CSV file into a table",
		Long: `Load a CSV file with a header row into a table, replacing any
previous contents. Column types are inferred and registered in the
schema catalog; public and encrypted flags of re-loaded columns are
preserved.

Example:
  securequery load employees.csv employees`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runLoad(cmd.Context(), args[0], args[1])
		},
	}
}

func (c *CLI) runLoad(ctx context.Context, path, table string) error {
	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.loader.LoadCSV(ctx, path, table)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(report)
	}
	names := make([]string, len(report.Columns))
	for i, col := range report.Columns {
		names[i] = col.Name + " " + col.Type
	}
	c.printf("Loaded %d rows into %s\n", report.Rows, report.Table)
	c.printf("Columns: %s\n", strings.Join(names, ", "))
	return nil
}
