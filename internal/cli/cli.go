// Package cli provides the command-line interface for securequery.
// Commands operate directly on the configured store; the gateway serves
// the same operations over HTTP for remote clients.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/securequery-labs/securequery/internal/access"
	"github.com/securequery-labs/securequery/internal/audit"
	"github.com/securequery-labs/securequery/internal/auth"
	"github.com/securequery-labs/securequery/internal/config"
	"github.com/securequery-labs/securequery/internal/crypto"
	"github.com/securequery-labs/securequery/internal/engine"
	"github.com/securequery-labs/securequery/internal/errors"
	"github.com/securequery-labs/securequery/internal/observability"
	"github.com/securequery-labs/securequery/internal/pipeline"
	"github.com/securequery-labs/securequery/internal/sqlref"
	"github.com/securequery-labs/securequery/internal/storage"
)

// Exit codes.
const (
	ExitSuccess    = 0
	ExitValidation = 1
	ExitAuth       = 2
	ExitEngine     = 3
	ExitInternal   = 4
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// CLI holds the command-line interface state.
type CLI struct {
	rootCmd *cobra.Command
	cfg     *config.Config

	// Global flags
	configPath string
	jsonOutput bool
	quiet      bool
}

// New creates a new CLI instance.
func New() *CLI {
	cli := &CLI{}
	cli.rootCmd = cli.newRootCmd()
	return cli
}

// Execute runs the CLI and returns the process exit code.
func (c *CLI) Execute() int {
	if err := c.rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "securequery: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// exitCode maps the error taxonomy onto exit codes.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeParse:
		return ExitValidation
	case errors.CodeDenied, errors.CodeAuth:
		return ExitAuth
	case errors.CodeCrypto, errors.CodeExecution:
		return ExitEngine
	default:
		return ExitInternal
	}
}

func (c *CLI) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "securequery",
		Short: "SecureQuery - authorized queries over encrypted columns",
		Long: `SecureQuery answers SQL SELECT queries under column-level access
control. Sensitive columns are encrypted at rest with per-column keys,
decrypted only for users whose grants cover them, and every attempt is
written to an append-only compliance log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: ~/.securequery/config.yaml)")
	cmd.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "machine-readable JSON output")
	cmd.PersistentFlags().BoolVar(&c.quiet, "quiet", false, "suppress non-essential output")

	cmd.AddCommand(c.newInitCmd())
	cmd.AddCommand(c.newLoadCmd())
	cmd.AddCommand(c.newQueryCmd())
	cmd.AddCommand(c.newUserCmd())
	cmd.AddCommand(c.newGrantCmd())
	cmd.AddCommand(c.newDenyCmd())
	cmd.AddCommand(c.newRevokeCmd())
	cmd.AddCommand(c.newSecureColumnCmd())
	cmd.AddCommand(c.newRotateKeyCmd())
	cmd.AddCommand(c.newAuditCmd())
	cmd.AddCommand(c.newBootstrapCmd())
	cmd.AddCommand(c.newVersionCmd())

	return cmd
}

func (c *CLI) initConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// app is the wired service graph behind every command.
type app struct {
	store        *storage.Store
	catalog      *storage.Catalog
	auth         *auth.Service
	perms        access.PermissionStore
	cipher       *crypto.Manager
	master       *crypto.MasterKey
	recorder     *audit.Recorder
	auditStore   audit.Store
	orchestrator *engine.Orchestrator
	loader       *pipeline.Loader
	protector    *pipeline.Protector
}

// openApp connects to the store, runs migrations, and wires the
// services. Callers must Close.
func (c *CLI) openApp(ctx context.Context) (*app, error) {
	store, err := storage.Open(storage.Config{
		Driver:       c.cfg.Store.Driver,
		DSN:          c.cfg.Store.DSN,
		Timeout:      c.cfg.Store.Timeout,
		MaxOpenConns: c.cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.NewMigrationRunner(store.DB(), store.Driver()).Run(ctx); err != nil {
		store.Close()
		return nil, err
	}

	passphrase := c.cfg.Crypto.MasterPassphrase
	if passphrase == "" {
		store.Close()
		return nil, fmt.Errorf("master passphrase required: set SECUREQUERY_CRYPTO_MASTERPASSPHRASE")
	}
	master, err := crypto.NewMasterKey(passphrase)
	if err != nil {
		store.Close()
		return nil, err
	}

	catalog := storage.NewCatalog(store.DB(), store.Driver())
	perms := access.NewSQLPermissionStore(store.DB(), store.Driver())
	cipher := crypto.NewManager(master, crypto.NewSQLKeyStore(store.DB(), store.Driver()))
	auditStore := audit.NewSQLStore(store.DB(), store.Driver())
	recorder := audit.NewRecorder(auditStore)
	authService := auth.NewService(
		auth.NewSQLUserStore(store.DB(), store.Driver()),
		[]byte(c.cfg.Auth.JWTSecret), c.cfg.Auth.TokenTTL)

	var logger observability.QueryLogger = observability.NewNoopLogger()
	if !c.quiet && c.cfg.Logging.Format == "json" {
		logger = observability.NewJSONLogger(os.Stderr)
	}

	return &app{
		store:      store,
		catalog:    catalog,
		auth:       authService,
		perms:      perms,
		cipher:     cipher,
		master:     master,
		recorder:   recorder,
		auditStore: auditStore,
		orchestrator: engine.NewOrchestrator(
			sqlref.NewExtractor(catalog),
			access.NewEvaluator(perms, catalog),
			cipher, store, recorder, logger),
		loader:    pipeline.NewLoader(store, catalog),
		protector: pipeline.NewProtector(store.DB(), store.Driver(), cipher, catalog),
	}, nil
}

// Close releases the store and zeroes the master key.
func (a *app) Close() {
	a.master.Close()
	a.store.Close()
}

// Output helpers

func (c *CLI) printf(format string, args ...interface{}) {
	if !c.quiet {
		fmt.Printf(format, args...)
	}
}

func (c *CLI) println(args ...interface{}) {
	if !c.quiet {
		fmt.Println(args...)
	}
}

func (c *CLI) outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
