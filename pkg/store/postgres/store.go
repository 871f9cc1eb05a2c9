package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxbridge/voxbridge/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed persistence layer. It holds a single
// [pgxpool.Pool] and is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// pings it, and runs [EnsureSchema] so all required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// wrapErr maps low-level pgx failures onto [store.ErrUnavailable] so callers
// can distinguish backend outages from not-found conditions.
func wrapErr(op string, err error) error {
	return fmt.Errorf("postgres store: %s: %w: %w", op, store.ErrUnavailable, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Agents
// ─────────────────────────────────────────────────────────────────────────────

// GetAgent implements [store.Store].
func (s *Store) GetAgent(ctx context.Context, agentID string) (store.Agent, error) {
	const q = `
		SELECT id, name, llm_config, tts_config, vocabulary, plugins
		FROM   agents
		WHERE  id = $1`

	var (
		agent   store.Agent
		llmJSON []byte
		ttsJSON []byte
		vocJSON []byte
		plgJSON []byte
	)
	err := s.pool.QueryRow(ctx, q, agentID).Scan(
		&agent.ID, &agent.Name, &llmJSON, &ttsJSON, &vocJSON, &plgJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Agent{}, fmt.Errorf("postgres store: get agent %q: %w", agentID, store.ErrAgentNotFound)
	}
	if err != nil {
		return store.Agent{}, wrapErr("get agent", err)
	}

	for _, dec := range []struct {
		raw []byte
		dst any
	}{
		{llmJSON, &agent.LLM},
		{ttsJSON, &agent.TTS},
		{vocJSON, &agent.Vocabulary},
		{plgJSON, &agent.Plugins},
	} {
		if len(dec.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(dec.raw, dec.dst); err != nil {
			return store.Agent{}, fmt.Errorf("postgres store: decode agent %q: %w", agentID, err)
		}
	}
	return agent, nil
}

// UpsertAgent inserts or fully replaces an agent record. It exists for the
// agent administration surface; the core only reads agents.
func (s *Store) UpsertAgent(ctx context.Context, agent store.Agent) error {
	llmJSON, err := json.Marshal(agent.LLM)
	if err != nil {
		return fmt.Errorf("postgres store: encode agent llm config: %w", err)
	}
	ttsJSON, err := json.Marshal(agent.TTS)
	if err != nil {
		return fmt.Errorf("postgres store: encode agent tts config: %w", err)
	}
	vocJSON, err := json.Marshal(agent.Vocabulary)
	if err != nil {
		return fmt.Errorf("postgres store: encode agent vocabulary: %w", err)
	}
	plgJSON, err := json.Marshal(agent.Plugins)
	if err != nil {
		return fmt.Errorf("postgres store: encode agent plugins: %w", err)
	}

	const q = `
		INSERT INTO agents (id, name, llm_config, tts_config, vocabulary, plugins)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    name       = EXCLUDED.name,
		    llm_config = EXCLUDED.llm_config,
		    tts_config = EXCLUDED.tts_config,
		    vocabulary = EXCLUDED.vocabulary,
		    plugins    = EXCLUDED.plugins,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, agent.ID, agent.Name, llmJSON, ttsJSON, vocJSON, plgJSON); err != nil {
		return wrapErr("upsert agent", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	const q = `
		SELECT id, user_id, agent_id, channel_type, active, created_at, last_activity
		FROM   sessions
		WHERE  id = $1`

	var sess store.Session
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&sess.ID, &sess.UserID, &sess.AgentID, &sess.ChannelType,
		&sess.Active, &sess.CreatedAt, &sess.LastActivity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, fmt.Errorf("postgres store: get session %q: %w", sessionID, store.ErrSessionNotFound)
	}
	if err != nil {
		return store.Session{}, wrapErr("get session", err)
	}
	return sess, nil
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}

	const q = `
		INSERT INTO sessions (id, user_id, agent_id, channel_type, active, created_at, last_activity)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		sess.ID, sess.UserID, sess.AgentID, sess.ChannelType,
		sess.CreatedAt, sess.LastActivity,
	)
	if err != nil {
		return wrapErr("create session", err)
	}
	return nil
}

// MarkSessionInactive implements [store.Store]. Marking an already-inactive
// session is a no-op at the row level, so repeated calls are idempotent.
func (s *Store) MarkSessionInactive(ctx context.Context, sessionID string) error {
	const q = `
		UPDATE sessions
		SET    active = FALSE, last_activity = now()
		WHERE  id = $1 AND active`

	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return wrapErr("mark session inactive", err)
	}
	return nil
}

// TouchSession implements [store.Store].
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	const q = `UPDATE sessions SET last_activity = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return wrapErr("touch session", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// AppendTurn implements [store.Store]. The monotonic per-session turn id is
// assigned inside the insert; the session controller serializes appends per
// session, so concurrent id collisions cannot occur within a session.
func (s *Store) AppendTurn(ctx context.Context, turn store.Turn) (int64, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	const q = `
		INSERT INTO turns (session_id, turn_id, role, text, timestamp,
		                   stt_latency_ms, llm_latency_ms, tts_latency_ms)
		SELECT $1, COALESCE(MAX(turn_id), 0) + 1, $2, $3, $4, $5, $6, $7
		FROM   turns
		WHERE  session_id = $1
		RETURNING turn_id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		turn.SessionID, turn.Role, turn.Text, turn.Timestamp,
		turn.STTLatencyMS, turn.LLMLatencyMS, turn.TTSLatencyMS,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("append turn", err)
	}
	return id, nil
}

// ListRecentTurns implements [store.Store]. The newest limit turns are
// selected and then reversed so the result reads oldest first.
func (s *Store) ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error) {
	const q = `
		SELECT session_id, turn_id, role, text, timestamp,
		       stt_latency_ms, llm_latency_ms, tts_latency_ms
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY turn_id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, wrapErr("list recent turns", err)
	}
	turns, err := collectTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// SearchTurns implements [store.Store]. It performs a PostgreSQL full-text
// search over the text column and applies optional filters from opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required.
func (s *Store) SearchTurns(ctx context.Context, query string, opts store.SearchOpts) ([]store.Turn, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT session_id, turn_id, role, text, timestamp,\n" +
		"       stt_latency_ms, llm_latency_ms, tts_latency_ms\n" +
		"FROM   turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("search turns", err)
	}
	return collectTurns(rows)
}

// collectTurns scans pgx rows into a slice of Turn values.
func collectTurns(rows pgx.Rows) ([]store.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Turn, error) {
		var t store.Turn
		err := row.Scan(
			&t.SessionID, &t.ID, &t.Role, &t.Text, &t.Timestamp,
			&t.STTLatencyMS, &t.LLMLatencyMS, &t.TTSLatencyMS,
		)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	return turns, nil
}
