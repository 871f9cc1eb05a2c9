// Package session owns live conversations: the cached session state, the
// per-connection controller driving the listen/think/speak cycle, and the
// per-session latency aggregates.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/store"
)

// ErrOwnershipMismatch is returned by [Manager.GetOrCreate] when the persisted
// session belongs to a different user than the caller.
var ErrOwnershipMismatch = errors.New("session: ownership mismatch")

// appendAttempts bounds the write retry for a single turn append.
const appendAttempts = 3

var appendBackoff = resilience.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second}

// Entry is one cached session. Its mutex serializes turn-level mutations for
// the controller: context reads during prompt build and turn appends never
// interleave within a session.
type Entry struct {
	mu sync.Mutex

	session store.Session
	agent   store.Agent

	turns       []store.Turn
	turnsLoaded bool

	lastAccess time.Time
}

// Session returns a copy of the cached session record.
func (e *Entry) Session() store.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Agent returns the resolved agent configuration. Agents are immutable for
// the lifetime of a cache entry, so no locking is needed after construction.
func (e *Entry) Agent() store.Agent { return e.agent }

// Lock acquires the per-session mutex. The controller holds it across a
// context read followed by the turn append it feeds.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Manager is the session cache with read-through to the persistent store.
// Entries are keyed by session id and evicted by a background sweeper once
// idle past the TTL; eviction does not end the session, re-access reloads.
type Manager struct {
	store store.Store
	cfg   config.CacheConfig
	log   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	stopOnce sync.Once
	stopc    chan struct{}
	done     chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a session manager and starts its eviction sweeper.
func NewManager(st store.Store, cfg config.CacheConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   st,
		cfg:     cfg,
		log:     slog.Default(),
		entries: make(map[string]*Entry),
		stopc:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweep()
	return m
}

// GetOrCreate resolves a session for a connecting client. A blank sessionID
// creates a fresh session owned by userID; a non-blank one must exist in the
// store and belong to userID. The agent configuration is resolved in both
// cases.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID, userID, agentID, channelType string) (*Entry, error) {
	if sessionID != "" {
		m.mu.RLock()
		e, ok := m.entries[sessionID]
		m.mu.RUnlock()
		if ok {
			e.mu.Lock()
			owner := e.session.UserID
			e.lastAccess = time.Now()
			e.mu.Unlock()
			if owner != userID {
				return nil, fmt.Errorf("session: %s owned by another user: %w", sessionID, ErrOwnershipMismatch)
			}
			return e, nil
		}

		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("session: load %s: %w", sessionID, err)
		}
		if sess.UserID != userID {
			return nil, fmt.Errorf("session: %s owned by another user: %w", sessionID, ErrOwnershipMismatch)
		}
		agent, err := m.store.GetAgent(ctx, sess.AgentID)
		if err != nil {
			return nil, fmt.Errorf("session: resolve agent %s: %w", sess.AgentID, err)
		}
		return m.insert(sess, agent), nil
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("session: resolve agent %s: %w", agentID, err)
	}
	now := time.Now()
	sess := store.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		AgentID:      agent.ID,
		ChannelType:  channelType,
		Active:       true,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	e := m.insert(sess, agent)
	// Fresh sessions have no history; skip the read-through on first use.
	e.turnsLoaded = true
	return e, nil
}

func (m *Manager) insert(sess store.Session, agent store.Agent) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[sess.ID]; ok {
		return e
	}
	e := &Entry{session: sess, agent: agent, lastAccess: time.Now()}
	m.entries[sess.ID] = e
	return e
}

// Context returns up to limit recent turns in chronological order. The first
// access reads through to the store; a transient store failure degrades to an
// empty history rather than failing the turn. Callers hold the entry lock.
func (m *Manager) Context(ctx context.Context, e *Entry, limit int) []store.Turn {
	if limit <= 0 {
		limit = m.cfg.MaxTurns
	}
	if !e.turnsLoaded {
		turns, err := m.store.ListRecentTurns(ctx, e.session.ID, m.cfg.MaxTurns)
		if err != nil {
			m.log.Warn("session: context read failed, proceeding without history",
				"session_id", e.session.ID, "error", err)
			return nil
		}
		e.turns = turns
		e.turnsLoaded = true
	}
	if len(e.turns) > limit {
		return e.turns[len(e.turns)-limit:]
	}
	return e.turns
}

// AppendTurn persists one turn with bounded retry and mirrors it into the
// cache. A store failure that survives the retries is reported wrapped in
// [store.ErrUnavailable]; the session itself stays usable. Callers hold the
// entry lock.
func (m *Manager) AppendTurn(ctx context.Context, e *Entry, turn store.Turn) (int64, error) {
	turn.SessionID = e.session.ID
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	var id int64
	err := resilience.Retry(ctx, "turn append", appendAttempts, appendBackoff, func() error {
		var aerr error
		id, aerr = m.store.AppendTurn(ctx, turn)
		return aerr
	})
	if err != nil {
		return 0, fmt.Errorf("session: append %s turn: %w", turn.Role, err)
	}

	turn.ID = id
	e.turns = append(e.turns, turn)
	if len(e.turns) > m.cfg.MaxTurns {
		e.turns = e.turns[len(e.turns)-m.cfg.MaxTurns:]
	}
	e.session.LastActivity = turn.Timestamp
	e.lastAccess = time.Now()
	return id, nil
}

// Touch refreshes the session's last-activity marker. The store write is
// best-effort; the cache is authoritative while the entry lives.
func (m *Manager) Touch(ctx context.Context, e *Entry) {
	now := time.Now()
	e.mu.Lock()
	e.session.LastActivity = now
	e.lastAccess = now
	id := e.session.ID
	e.mu.Unlock()

	if err := m.store.TouchSession(ctx, id); err != nil {
		m.log.Debug("session: touch failed", "session_id", id, "error", err)
	}
}

// End marks the session inactive and drops it from the cache. The store write
// happens even when the sweeper already evicted the entry; the row update is
// idempotent, so repeated calls are harmless.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()

	if err := m.store.MarkSessionInactive(ctx, sessionID); err != nil {
		return fmt.Errorf("session: end %s: %w", sessionID, err)
	}
	return nil
}

// ListActive returns the ids of all cached sessions.
func (m *Manager) ListActive() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the eviction sweeper. Cached entries are left as-is.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopc)
		<-m.done
	})
}

// sweep evicts entries idle past the TTL. Eviction only drops the cache
// copy; the persisted session is untouched and reloads on next access.
func (m *Manager) sweep() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle(time.Now())
		case <-m.stopc:
			return
		}
	}
}

func (m *Manager) evictIdle(now time.Time) {
	ttl := m.cfg.TTL()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastAccess)
		e.mu.Unlock()
		if idle > ttl {
			delete(m.entries, id)
			m.log.Debug("session: evicted idle cache entry", "session_id", id, "idle", idle)
		}
	}
}
