// Package storage builds the shared Postgres and Redis clients once at process start.
// Components receive them through constructors and depend only on the narrow
// interfaces declared here.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

// DB is the subset of pgxpool.Pool used by the SQL-backed stores
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MigrateOnStart bool          `yaml:"migrate_on_start"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ConnectPostgres opens a pool and verifies it with a ping
func ConnectPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "storage", "parse_dsn")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, apperr.Transport("storage", "connect_postgres", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, apperr.Transport("storage", "ping_postgres", err)
	}
	return pool, nil
}

// ConnectRedis opens a client and verifies it with a ping
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(cctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.Transport("storage", "ping_redis", err)
	}
	return client, nil
}

// Migrate applies the additive schema for every SQL-backed store
func Migrate(ctx context.Context, db DB) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return apperr.Persistence("storage", fmt.Sprintf("migrate_%d", i), err)
		}
	}
	return nil
}

// IsUniqueViolation reports a Postgres unique-constraint error
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ClassifyPG maps driver errors to the transport or persistence taxonomy
func ClassifyPG(component, op string, err error) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		return apperr.Wrap(err, apperr.KindConflict, component, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		e := apperr.Persistence(component, op, err)
		e.Retryable = false
		return e
	}
	return apperr.Transport(component, op, err)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		seq          BIGSERIAL PRIMARY KEY,
		id           UUID NOT NULL UNIQUE,
		type         TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		version      BIGINT NOT NULL,
		payload      JSONB NOT NULL,
		trace_id     TEXT NOT NULL DEFAULT '',
		causation_id TEXT NOT NULL DEFAULT '',
		ts           TIMESTAMPTZ NOT NULL,
		UNIQUE (aggregate_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS events_type_ts_idx ON events (type, ts)`,
	`CREATE TABLE IF NOT EXISTS risk_snapshots (
		id                BIGSERIAL PRIMARY KEY,
		ts                TIMESTAMPTZ NOT NULL,
		leverage          DOUBLE PRECISION NOT NULL,
		net_delta         DOUBLE PRECISION NOT NULL,
		correlation_score DOUBLE PRECISION NOT NULL,
		portfolio_beta    DOUBLE PRECISION NOT NULL,
		var95             DOUBLE PRECISION NOT NULL,
		equity            DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS risk_snapshots_ts_idx ON risk_snapshots (ts)`,
	`CREATE TABLE IF NOT EXISTS truth_runs (
		id          UUID PRIMARY KEY,
		scope       TEXT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		success     BOOLEAN NOT NULL DEFAULT FALSE,
		stats       JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS truth_runs_scope_idx ON truth_runs (scope, started_at)`,
	`CREATE TABLE IF NOT EXISTS truth_drift_events (
		id                 UUID PRIMARY KEY,
		run_id             UUID NOT NULL REFERENCES truth_runs(id),
		scope              TEXT NOT NULL,
		comparison         TEXT NOT NULL,
		drift_type         TEXT NOT NULL,
		severity           TEXT NOT NULL,
		details            JSONB NOT NULL DEFAULT '{}',
		recommended_action TEXT NOT NULL,
		detected_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS truth_drift_scope_idx ON truth_drift_events (scope, detected_at)`,
	`CREATE TABLE IF NOT EXISTS truth_confidence (
		scope      TEXT PRIMARY KEY,
		score      DOUBLE PRECISION NOT NULL,
		state      TEXT NOT NULL,
		reasons    JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}
