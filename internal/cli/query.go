package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (c *CLI) newQueryCmd() *cobra.Command {
	var (
		username string
		password string
	)
	cmd := &cobra.Command{
		Use:   "query <SQL>",
		Short: "Run an authorized SELECT query",
		Long: `Run a SELECT query as a system user. The query is checked against
the user's grants before execution; encrypted columns the user may read
come back as plaintext. Every attempt is written to the compliance log.

The password can also be supplied through SECUREQUERY_PASSWORD.

Example:
  securequery query --user alice "SELECT name, salary FROM employees"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("SECUREQUERY_PASSWORD")
			}
			return c.runQuery(cmd.Context(), username, password, args[0])
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "system user to run the query as (required)")
	cmd.Flags().StringVar(&password, "password", "", "password (prefer SECUREQUERY_PASSWORD)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func (c *CLI) runQuery(ctx context.Context, username, password, sql string) error {
	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	user, err := app.auth.Authenticate(ctx, username, password)
	if err != nil {
		return err
	}

	result, err := app.orchestrator.AuthorizeAndExecute(ctx, user, sql)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	c.printf("\n%d row(s) in %s\n", len(result.Rows), result.Duration.Round(time.Millisecond))
	return nil
}
