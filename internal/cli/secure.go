package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func (c *CLI) newSecureColumnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secure-column <table> <column>",
		Short: "Encrypt a column at rest",
		Long: `Issue an encryption key for a column and rewrite its stored values
as ciphertext. From then on the column only reads back as plaintext for
users whose grants cover it.

Securing an already-secured column fails; use rotate-key instead.

Example:
  securequery secure-column employees ssn`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSecureColumn(cmd.Context(), args[0], args[1])
		},
	}
}

func (c *CLI) runSecureColumn(ctx context.Context, table, column string) error {
	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	key, err := app.protector.SecureColumn(ctx, table, column)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(key)
	}
	c.printf("Secured %s.%s (key %s)\n", table, column, key.KeyID)
	return nil
}

func (c *CLI) newRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <table> <column>",
		Short: "Rotate a column's encryption key",
		Long: `Retire the active key of a secured column and issue a new one.
Values written from now on use the new key; existing ciphertext stays
readable through the retired key.

Example:
  securequery rotate-key employees ssn`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRotateKey(cmd.Context(), args[0], args[1])
		},
	}
}

func (c *CLI) runRotateKey(ctx context.Context, table, column string) error {
	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	key, err := app.protector.RotateKey(ctx, table, column)
	if err != nil {
		return err
	}

	if c.jsonOutput {
		return c.outputJSON(key)
	}
	c.printf("Rotated key for %s.%s (new key %s)\n", table, column, key.KeyID)
	return nil
}
