// Package db is the PostgreSQL store of contexts, mailboxes, folders,
// messages and their configuration overrides.
package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/consts"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool

	queryTimeout time.Duration
	writeTimeout time.Duration
}

// NewDatabaseFromConfig connects the write pool and, when configured, a
// separate read pool. Pending migrations are applied first with migrate.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig, migrate bool) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.Debug, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("No read database configured, using the write pool for reads")
		readPool = writePool
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}
	if db.queryTimeout, err = dbConfig.GetQueryTimeout(); err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}
	if db.writeTimeout, err = dbConfig.GetWriteTimeout(); err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	if migrate {
		timeout, err := dbConfig.GetMigrationTimeout()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid migration_timeout: %w", err)
		}
		mctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.Migrate(mctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// ConnString builds the connection URL of endpoint, picking one of its
// hosts at random.
func ConnString(endpoint *config.DatabaseEndpointConfig) (string, error) {
	if len(endpoint.Hosts) == 0 {
		return "", fmt.Errorf("at least one host must be specified")
	}

	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	// Priority: 1) host:port in hosts array, 2) separate port field, 3) default 5432
	if !strings.Contains(selectedHost, ":") {
		var portStr string
		if endpoint.Port != nil {
			switch v := endpoint.Port.(type) {
			case string:
				portStr = v
			case int:
				portStr = strconv.Itoa(v)
			case int64: // TOML decodes integers as int64
				portStr = strconv.FormatInt(v, 10)
			default:
				return "", fmt.Errorf("invalid type for port: %T", v)
			}
		}
		if portStr == "" {
			portStr = "5432"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", fmt.Errorf("invalid port value '%s': %w", portStr, err)
		}
		selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode), nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	connString, err := ConnString(endpoint)
	if err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	logger.Info("Connecting to database", "pool", poolType, "host", cfg.ConnConfig.Host, "port", cfg.ConnConfig.Port,
		"user", endpoint.User, "database", endpoint.Name, "tls", endpoint.TLSMode)

	if logQueries {
		cfg.ConnConfig.Tracer = &CustomTracer{}
	}

	if endpoint.MaxConns > 0 {
		cfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		cfg.MinConns = int32(endpoint.MinConns)
	}
	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	cfg.MaxConnLifetime = lifetime
	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	cfg.MaxConnIdleTime = idleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database pool ready", "pool", poolType, "max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)

	return pool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping checks both pools.
func (db *Database) Ping(ctx context.Context) error {
	if err := db.WritePool.Ping(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if db.ReadPool != db.WritePool {
		if err := db.ReadPool.Ping(ctx); err != nil {
			return fmt.Errorf("read pool: %w", err)
		}
	}
	return nil
}

// StartPoolMetrics periodically publishes connection pool stats until ctx ends.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}

func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// GetReadPoolWithContext returns the pool for reads, honouring consts.UseMasterDBKey.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
	done  bool
}

// BeginTx starts a write transaction.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrDBBeginTransactionFailed, err)
	}
	return &measuredTx{Tx: tx, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
		mtx.done = true
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	// Deferred rollbacks after a commit are no-ops and not counted.
	if !mtx.done {
		mtx.done = true
		metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
		metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	}
	return err
}

func role(db *Database, pool *pgxpool.Pool) string {
	if pool == db.WritePool {
		return "write"
	}
	return "read"
}

func observe(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}

// withTimeout bounds ctx by d unless d is zero or ctx ends sooner.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// timedRow defers the query metrics to Scan, where pgx reports the error.
type timedRow struct {
	row       pgx.Row
	cancel    context.CancelFunc
	operation string
	role      string
	start     time.Time
}

func (r *timedRow) Scan(dest ...any) error {
	defer r.cancel()
	err := r.row.Scan(dest...)
	observe(r.operation, r.role, r.start, err)
	return err
}

// TimedQueryRow wraps QueryRow with duration metrics and the query timeout.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	pool := db.GetReadPoolWithContext(ctx)
	start := time.Now()
	ctx, cancel := withTimeout(ctx, db.queryTimeout)
	return &timedRow{
		row:       pool.QueryRow(ctx, sql, args...),
		cancel:    cancel,
		operation: operation,
		role:      role(db, pool),
		start:     start,
	}
}

// TimedQuery wraps Query with duration metrics.
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	rows, err := pool.Query(ctx, sql, args...)
	observe(operation, role(db, pool), start, err)
	return rows, err
}

// TimedExec runs a write statement on the write pool with duration metrics.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, db.writeTimeout)
	defer cancel()
	tag, err := db.GetWritePool().Exec(ctx, sql, args...)
	observe(operation, "write", start, err)
	return tag, err
}

// TimedWriteRow is TimedQueryRow on the write pool, for INSERT ... RETURNING.
func (db *Database) TimedWriteRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, db.writeTimeout)
	return &timedRow{
		row:       db.GetWritePool().QueryRow(ctx, sql, args...),
		cancel:    cancel,
		operation: operation,
		role:      "write",
		start:     start,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
