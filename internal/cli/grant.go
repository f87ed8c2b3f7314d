package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/securequery-labs/securequery/internal/access"
)

// normalizeName lowercases a table or column argument so rules match
// the references the parser reports, which are always lowercase. Names
// a reference could never carry are rejected.
func normalizeName(kind, name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("%s name must not be empty", kind)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return "", fmt.Errorf("%s name %q must not start with a digit", kind, name)
			}
		default:
			return "", fmt.Errorf("%s name %q may only contain letters, digits and underscores", kind, name)
		}
	}
	return name, nil
}

// normalizeRuleTarget normalizes the table and column arguments of one
// grant, deny or revoke invocation.
func normalizeRuleTarget(table string, columns []string) (string, []string, error) {
	table, err := normalizeName("table", table)
	if err != nil {
		return "", nil, err
	}
	normalized := make([]string, len(columns))
	for i, column := range columns {
		if normalized[i], err = normalizeName("column", column); err != nil {
			return "", nil, err
		}
	}
	return table, normalized, nil
}

func (c *CLI) newGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <username> <table> [columns...]",
		Short: "Grant read access on a table or columns",
		Long: `Grant a user read access. With columns, the grant covers exactly
those columns; without, it covers the whole table.

Example:
  securequery grant alice employees name email salary
  securequery grant bob departments`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRule(cmd.Context(), access.EffectAllow, args[0], args[1], args[2:])
		},
	}
}

func (c *CLI) newDenyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deny <username> <table> [columns...]",
		Short: "Deny read access on a table or columns",
		Long: `Deny a user read access. A column deny wins over any table-wide
grant; a table-wide deny is overridden only by explicit column grants.

Example:
  securequery deny alice employees ssn`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRule(cmd.Context(), access.EffectDeny, args[0], args[1], args[2:])
		},
	}
}

func (c *CLI) runRule(ctx context.Context, effect access.Effect, username, table string, columns []string) error {
	table, columns, err := normalizeRuleTarget(table, columns)
	if err != nil {
		return err
	}

	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	user, err := app.auth.Lookup(ctx, username)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		columns = []string{access.TableWide}
	}
	for _, column := range columns {
		err := app.perms.Put(ctx, access.Permission{
			UserID:    user.ID,
			Table:     table,
			Column:    column,
			Effect:    effect,
			GrantedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}

	scope := "table-wide"
	if columns[0] != access.TableWide {
		scope = strings.Join(columns, ", ")
	}
	if c.jsonOutput {
		return c.outputJSON(map[string]interface{}{
			"user":    username,
			"table":   table,
			"columns": columns,
			"effect":  effect,
		})
	}
	verb := "Granted"
	if effect == access.EffectDeny {
		verb = "Denied"
	}
	c.printf("%s %s on %s (%s)\n", verb, username, table, scope)
	return nil
}

func (c *CLI) newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <username> <table> [columns...]",
		Short: "Remove rules for a table or columns",
		Long: `Remove a user's rules. With columns, only those rules are removed;
without, the table-wide rule. Removing a rule restores the default:
no access without a covering grant.

Example:
  securequery revoke alice employees salary`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRevoke(cmd.Context(), args[0], args[1], args[2:])
		},
	}
}

func (c *CLI) runRevoke(ctx context.Context, username, table string, columns []string) error {
	table, columns, err := normalizeRuleTarget(table, columns)
	if err != nil {
		return err
	}

	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	user, err := app.auth.Lookup(ctx, username)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		columns = []string{access.TableWide}
	}
	for _, column := range columns {
		if err := app.perms.Delete(ctx, user.ID, table, column); err != nil {
			return err
		}
	}

	if c.jsonOutput {
		return c.outputJSON(map[string]interface{}{
			"user":    username,
			"table":   table,
			"columns": columns,
			"revoked": true,
		})
	}
	c.printf("Revoked rules for %s on %s\n", username, table)
	return nil
}
