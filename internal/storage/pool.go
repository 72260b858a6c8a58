// Package storage provides the PostgreSQL storage layer for Nagare.
//
// It manages connection pooling (via pgxpool, optionally through PgBouncer),
// a dedicated connection for LISTEN/NOTIFY (direct to Postgres), and query
// methods for all tables: agents, chat configs, scheduled actions, the
// activity log, handoff summaries, and operators.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/nagare-ai/nagare/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY (which requires a direct, non-pooled connection).
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New creates a new DB with a connection pool.
// poolDSN may point to PgBouncer (or directly to Postgres in dev).
// notifyDSN must point directly to Postgres for LISTEN/NOTIFY support;
// empty disables the notify connection (and with it the SSE broker).
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify conn: %w", err)
		}
	}

	return &DB{pool: pool, notifyConn: notifyConn, logger: logger}, nil
}

// Pool exposes the underlying pool for one-off queries (health checks, tests).
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// HasNotifyConn reports whether a dedicated LISTEN/NOTIFY connection exists.
func (db *DB) HasNotifyConn() bool { return db.notifyConn != nil }

// Close shuts down the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(ctx)
	}
	db.pool.Close()
}

// RegisterPoolMetrics exposes pool health as observable OTEL gauges.
// Call after telemetry.Init so the global meter provider is configured.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("nagare/storage")

	_, _ = meter.Int64ObservableGauge("nagare.db.pool.total_conns",
		metric.WithDescription("Total connections in the pgx pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("nagare.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pgx pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}
