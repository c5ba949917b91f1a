package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/migadu/vmail/logger"
)

func handleMigrateCommand(ctx context.Context) {
	switch subcommand() {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "", "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Migrations take the same advisory lock the daemon takes at startup, so a
concurrent run waits instead of racing.

Usage:
  vmail-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  vmail-admin migrate up
  vmail-admin migrate down --limit 1
  vmail-admin migrate down --all
  vmail-admin migrate version
  vmail-admin migrate force 1
`)
}

// runMigrations opens the database named in configPath and hands fn a
// locked migrator.
func runMigrations(ctx context.Context, configPath string, fn func(m *migrate.Migrate) error) {
	cfg := loadConfig(configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	timeout, err := cfg.Database.GetMigrationTimeout()
	if err != nil {
		logger.Fatalf("Invalid database.migration_timeout: %v", err)
	}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := database.RunMigrations(mctx, fn); err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: vmail-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	runMigrations(ctx, *configPath, func(m *migrate.Migrate) error {
		logger.Info("Applying UP migrations")
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply UP migrations: %w", err)
		}
		logger.Info("Migrations applied successfully")
		showVersion(m)
		return nil
	})
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: vmail-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	runMigrations(ctx, *configPath, func(m *migrate.Migrate) error {
		if *all {
			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("No migrations to revert")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get current migration version: %w", err)
			}
			if dirty {
				return fmt.Errorf("database is in a dirty state (version %d); fix it with 'force' first", version)
			}
			logger.Info("Reverting all migrations", "count", version)
			if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to revert all migrations: %w", err)
			}
		} else {
			logger.Info("Reverting migrations", "count", *limit)
			if err := m.Steps(-(*limit)); err != nil {
				return fmt.Errorf("failed to revert migrations: %w", err)
			}
		}
		logger.Info("Migrations reverted successfully")
		showVersion(m)
		return nil
	})
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: vmail-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	runMigrations(ctx, *configPath, func(m *migrate.Migrate) error {
		showVersion(m)
		return nil
	})
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: vmail-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	runMigrations(ctx, *configPath, func(m *migrate.Migrate) error {
		logger.Info("Forcing database version", "version", version)
		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		showVersion(m)
		return nil
	})
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current migration version: none")
			return
		}
		logger.Warn("Failed to get migration version", "error", err)
		return
	}
	fmt.Printf("Current migration version: %d\n", version)
	if dirty {
		fmt.Println("Dirty state: YES (database may be inconsistent, use 'force' to fix)")
	} else {
		fmt.Println("Dirty state: no")
	}
}
