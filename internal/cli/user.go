package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/securequery-labs/securequery/internal/auth"
)

func (c *CLI) newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "System user management",
	}
	cmd.AddCommand(c.newUserCreateCmd())
	cmd.AddCommand(c.newUserListCmd())
	return cmd
}

func (c *CLI) newUserCreateCmd() *cobra.Command {
	var (
		role     string
		password string
	)
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a system user",
		Long: `Create a system user with a role.

Roles:
  admin    full access to all tables and columns
  analyst  access only to explicitly granted columns
  viewer   public columns plus explicit grants

The password can also be supplied through SECUREQUERY_PASSWORD.

Example:
  securequery user create alice --role analyst`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("SECUREQUERY_PASSWORD")
			}
			return c.runUserCreate(cmd.Context(), args[0], password, role)
		},
	}
	cmd.Flags().StringVar(&role, "role", "viewer", "user role: admin, analyst or viewer")
	cmd.Flags().StringVar(&password, "password", "", "password (prefer SECUREQUERY_PASSWORD)")
	return cmd
}

func (c *CLI) runUserCreate(ctx context.Context, username, password, role string) error {
	parsed, err := auth.ParseRole(role)
	if err != nil {
		return err
	}
	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	user, err := app.auth.Register(ctx, username, password, parsed)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(user)
	}
	c.printf("Created user %s (%s)\n", user.Username, user.Role)
	return nil
}

func (c *CLI) newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List system users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runUserList(cmd.Context())
		},
	}
}

func (c *CLI) runUserList(ctx context.Context) error {
	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	users, err := app.auth.Users(ctx)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(users)
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tCREATED")
	for _, user := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			user.Username, user.Role, user.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
