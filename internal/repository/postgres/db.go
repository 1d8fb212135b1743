package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
)

// NewPool создает пул соединений и проверяет доступность базы
func NewPool(ctx context.Context, cfg infra.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pcfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: database unreachable: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	last_state  TEXT NOT NULL DEFAULT '',
	trust_level INT NOT NULL DEFAULT 0,
	mode        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	session_id UUID NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	username   TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	action     TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT '',
	decision   TEXT NOT NULL DEFAULT '',
	policy     TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events (session_id, ts, id);

CREATE TABLE IF NOT EXISTS console_users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'viewer',
	scopes        TEXT[] NOT NULL DEFAULT '{}'
);
`

// Migrate создает таблицы, если их еще нет. Схема только расширяется.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
