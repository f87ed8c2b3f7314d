// Package main is the entrypoint for the securequery gateway server.
// The gateway authenticates requests, authorizes SQL queries against
// per-column grants, decrypts permitted ciphertext, and serves the
// audit projections to admins.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/securequery-labs/securequery/internal/access"
	"github.com/securequery-labs/securequery/internal/audit"
	"github.com/securequery-labs/securequery/internal/auth"
	"github.com/securequery-labs/securequery/internal/config"
	"github.com/securequery-labs/securequery/internal/crypto"
	"github.com/securequery-labs/securequery/internal/engine"
	"github.com/securequery-labs/securequery/internal/observability"
	"github.com/securequery-labs/securequery/internal/server"
	"github.com/securequery-labs/securequery/internal/sqlref"
	"github.com/securequery-labs/securequery/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SECUREQUERY_CONFIG"))
	if err != nil {
		return err
	}
	if cfg.Crypto.MasterPassphrase == "" {
		return fmt.Errorf("master passphrase required: set SECUREQUERY_CRYPTO_MASTERPASSPHRASE")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret required: set SECUREQUERY_AUTH_JWTSECRET")
	}

	store, err := storage.Open(storage.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		Timeout:      cfg.Store.Timeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := storage.NewMigrationRunner(store.DB(), store.Driver()).Run(ctx); err != nil {
		cancel()
		return err
	}
	cancel()
	log.Printf("Store ready (%s)", store.Driver())

	master, err := crypto.NewMasterKey(cfg.Crypto.MasterPassphrase)
	if err != nil {
		return err
	}
	defer master.Close()

	catalog := storage.NewCatalog(store.DB(), store.Driver())
	perms := access.NewSQLPermissionStore(store.DB(), store.Driver())
	cipher := crypto.NewManager(master, crypto.NewSQLKeyStore(store.DB(), store.Driver()))
	auditStore := audit.NewSQLStore(store.DB(), store.Driver())
	authService := auth.NewService(
		auth.NewSQLUserStore(store.DB(), store.Driver()),
		[]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)

	var logger observability.QueryLogger = observability.NewNoopLogger()
	if cfg.Logging.Format == "json" {
		logger = observability.NewJSONLogger(os.Stderr)
	}

	orchestrator := engine.NewOrchestrator(
		sqlref.NewExtractor(catalog),
		access.NewEvaluator(perms, catalog),
		cipher, store, audit.NewRecorder(auditStore), logger)

	gw := server.New(authService, orchestrator, auditStore, logger, version)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down gateway...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		close(done)
	}()

	log.Printf("SecureQuery gateway starting on %s", srv.Addr)
	log.Printf("Version: %s, Commit: %s, Built: %s", version, commit, date)

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	log.Println("Gateway stopped")
	return nil
}
