// Package main is the entry point of the ingest service. It consumes
// object-storage event notifications, keeps one authoritative record per
// object and runs a classification task for the newest version of each.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/platform/logger"
	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
)

// serviceName identifies the service in traces.
const serviceName = "scry-ingest"

type options struct {
	envFile    string
	migrateCmd string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration (ignored if missing)")
	fs.StringVar(&opts.migrateCmd, "migrate", "", "run a migration command (up, down, status, version) and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("ingest service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_url", postgres.MaskDatabaseURL(cfg.Database.URL),
		"nats_subject", cfg.NATS.Subject)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.migrateCmd != "" {
		return runMigrations(ctx, cfg, opts.migrateCmd, log)
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.cleanup()

	return app.serve(ctx)
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func runMigrations(ctx context.Context, cfg *config.Config, command string, log *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	log.Info("running migration command", "command", command)
	return postgres.RunMigrationCommand(ctx, db, command, log)
}
