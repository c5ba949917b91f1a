package db

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

type migrationLogger struct {
	verbose bool
}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("migrate: "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return l.verbose
}

// Migrate applies all pending migrations. Concurrent callers serialize on an
// advisory lock.
func (db *Database) Migrate(ctx context.Context) error {
	return db.RunMigrations(ctx, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return err
		}
		logger.Info("Database schema ready", "version", version, "dirty", dirty)
		return nil
	})
}

// RunMigrations hands fn a migrator bound to the write pool while holding
// the migration advisory lock.
func (db *Database) RunMigrations(ctx context.Context, fn func(m *migrate.Migrate) error) error {
	conn, err := db.WritePool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration lock: %w", err)
	}
	defer conn.Release()

	// Session-level lock: it must be released on the same connection.
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", consts.VmailAdvisoryLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", consts.VmailAdvisoryLockID); err != nil {
			logger.Warn("Failed to release migration lock", "error", err)
		}
	}()

	m, err := db.newMigrator()
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("Failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	return fn(m)
}

func (db *Database) newMigrator() (*migrate.Migrate, error) {
	src, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db.WritePool)
	drv, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, nil
}
