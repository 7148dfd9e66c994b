// Package app wires a workspace into a running marketplace: config, database,
// ledger gateway, evaluator, blob store, engine and sweeper.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"marketline/internal/blobs"
	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/engine"
	"marketline/internal/evaluator"
	"marketline/internal/ledger"
	"marketline/internal/migrate"
	"marketline/internal/server"
	"marketline/internal/sweeper"
)

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Ledger    ledger.Gateway
	// Local is set when the ledger driver is "local".
	Local   *ledger.Local
	Sweeper *sweeper.Sweeper
	Logger  *slog.Logger
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open loads the workspace config (defaults if absent), opens and migrates
// the database, and builds the services.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a, err := Build(workspace, conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// Build assembles the services over an open, migrated database.
func Build(workspace string, conn *sql.DB, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}

	switch cfg.Ledger.Driver {
	case "http":
		a.Ledger = ledger.NewHTTPGateway(cfg.Ledger.URL, cfg.Ledger.EscrowAccount, cfg.Ledger.Timeout, cfg.Ledger.MaxRetries)
	default:
		a.Local = ledger.NewLocal(conn, cfg.Ledger.EscrowAccount, cfg.Ledger.InitialBalance)
		a.Ledger = a.Local
	}

	e := engine.New(conn, cfg, ledger.Logged(a.Ledger, logger.With("component", "ledger")))
	e.Logger = logger.With("component", "engine")
	if cfg.Evaluator.URL != "" {
		e.Evaluator = evaluator.NewHTTP(cfg.Evaluator.URL, cfg.Evaluator.Timeout)
	}
	if cfg.Blobs.Dir != "" {
		store, err := blobs.NewDir(resolve(workspace, cfg.Blobs.Dir))
		if err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
		store.MaxBytes = cfg.Tasks.MaxImageBytes
		e.Blobs = store
	}
	a.Engine = e
	a.Sweeper = sweeper.New(e, e.Repo, cfg.Sweeper.Concurrency, logger.With("component", "sweeper"))
	return a, nil
}

// JWTSecret reads the signing secret from the configured environment variable.
func (a *App) JWTSecret() string {
	if a.Config.Auth.JWTSecretEnv == "" {
		return ""
	}
	return os.Getenv(a.Config.Auth.JWTSecretEnv)
}

func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:     a.JWTSecret(),
			AllowDevLogin: a.Config.Auth.AllowDevLogin,
			KeyCacheSize:  a.Config.Auth.KeyCacheSize,
			Logger:        a.Logger.With("component", "auth"),
		},
	})
}

func (a *App) Close() error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	return a.DB.Close()
}

func resolve(workspace, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}
