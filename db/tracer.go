package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/vmail/logger"
)

type traceStartKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// CustomTracer logs every statement and its latency at debug level.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: compactSQL(data.SQL), start: time.Now()})
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.DebugContext(ctx, "SQL query failed", "sql", ts.sql, "duration", time.Since(ts.start), "error", data.Err)
		return
	}
	logger.DebugContext(ctx, "SQL query", "sql", ts.sql, "duration", time.Since(ts.start), "tag", data.CommandTag.String())
}

// compactSQL folds whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
