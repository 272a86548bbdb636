package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"scanflow/api/pkg/config"
	"scanflow/api/pkg/db"
	"scanflow/api/pkg/files"
	"scanflow/api/services/nodes"
	"scanflow/api/services/scanner"
	"scanflow/api/services/workflow"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "scanflow",
	Short:         "Scan workflow orchestration engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, runCmd, validateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads configuration and installs a JSON logger writing to out as
// the default.
func setup(out io.Writer, overrides map[string]any) (*config.Config, error) {
	cfg, err := config.LoadWith(configFile, overrides)
	if err != nil {
		return nil, err
	}
	logHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})
	slog.SetDefault(slog.New(logHandler))
	return cfg, nil
}

type backend struct {
	store workflow.StateStore
	repo  workflow.WorkflowRepo
	close func()
}

// openBackend connects the configured store and prepares its schema.
func openBackend(ctx context.Context, cfg config.StoreConfig) (*backend, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, db.Config{URI: cfg.DSN, ConnectTimeout: 10 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		// Initialize database schema and seed data
		if err := workflow.InitDB(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		repo := workflow.NewRepository(pool)
		return &backend{store: repo, repo: repo, close: pool.Close}, nil

	case "sqlite":
		conn, err := db.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		store := workflow.NewSQLiteStore(conn)
		if err := store.InitSchema(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return &backend{store: store, repo: store, close: func() { conn.Close() }}, nil

	default:
		store := workflow.NewMemoryStore()
		return &backend{store: store, repo: store, close: func() {}}, nil
	}
}

// newEngine wires the scan client, file store and capabilities into an engine.
func newEngine(cfg *config.Config, store workflow.StateStore) (*workflow.Engine, error) {
	fileStore, err := files.NewStore(cfg.Files.Root)
	if err != nil {
		return nil, err
	}
	scans := scanner.NewClient(cfg.Scanner.BaseURL, cfg.Scanner.Timeout,
		scanner.WithRateLimit(cfg.Scanner.RateLimit, cfg.Scanner.Burst))
	registry := nodes.NewRegistry(scans, fileStore)
	return workflow.NewEngine(registry, scans, store, workflow.EngineConfig{
		PollInterval: cfg.Engine.PollInterval,
		JobTimeout:   cfg.Engine.JobTimeout,
		Logger:       slog.Default(),
	}), nil
}
