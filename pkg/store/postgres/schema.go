// Package postgres provides the PostgreSQL-backed implementation of the
// VoxBridge persistent-state layer (agents, sessions, turn log).
//
// All operations share a single [pgxpool.Pool]. [EnsureSchema] creates the
// required tables and indexes and is safe to call on every application start.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	agent, err := st.GetAgent(ctx, agentID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id            TEXT         PRIMARY KEY,
    name          TEXT         NOT NULL UNIQUE,
    llm_config    JSONB        NOT NULL DEFAULT '{}',
    tts_config    JSONB        NOT NULL DEFAULT '{}',
    vocabulary    JSONB        NOT NULL DEFAULT '[]',
    plugins       JSONB        NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT         PRIMARY KEY,
    user_id       TEXT         NOT NULL,
    agent_id      TEXT         NOT NULL REFERENCES agents (id),
    channel_type  TEXT         NOT NULL DEFAULT 'web',
    active        BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);

CREATE INDEX IF NOT EXISTS idx_sessions_last_activity
    ON sessions (last_activity);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    session_id     TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    turn_id        BIGINT       NOT NULL,
    role           TEXT         NOT NULL,
    text           TEXT         NOT NULL,
    timestamp      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    stt_latency_ms BIGINT       NOT NULL DEFAULT 0,
    llm_latency_ms BIGINT       NOT NULL DEFAULT 0,
    tts_latency_ms BIGINT       NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, turn_id)
);

CREATE INDEX IF NOT EXISTS idx_turns_session_timestamp
    ON turns (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', text));
`

// EnsureSchema creates all required tables and indexes. It is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlAgents, ddlSessions, ddlTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}
