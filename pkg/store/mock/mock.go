// Package mock provides an in-memory test double for [store.Store].
//
// The mock behaves as a real store (agents and sessions are kept in maps,
// turns in an ordered per-session slice) while also recording every method
// call for assertion and exposing per-method error injection fields.
//
// Typical usage:
//
//	st := mock.NewStore()
//	st.PutAgent(store.Agent{ID: "a1", Name: "Concierge"})
//	st.AppendTurnErr = store.ErrUnavailable
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("AppendTurn"); got != 3 {
//	    t.Errorf("expected 3 AppendTurn calls, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable in-memory test double for [store.Store].
// All exported *Err fields default to nil (success). Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	calls    []Call
	agents   map[string]store.Agent
	sessions map[string]store.Session
	turns    map[string][]store.Turn

	// GetAgentErr is returned by GetAgent when non-nil.
	GetAgentErr error

	// GetSessionErr is returned by GetSession when non-nil.
	GetSessionErr error

	// CreateSessionErr is returned by CreateSession when non-nil.
	CreateSessionErr error

	// MarkInactiveErr is returned by MarkSessionInactive when non-nil.
	MarkInactiveErr error

	// TouchSessionErr is returned by TouchSession when non-nil.
	TouchSessionErr error

	// AppendTurnErr is returned by AppendTurn when non-nil.
	AppendTurnErr error

	// ListRecentTurnsErr is returned by ListRecentTurns when non-nil.
	ListRecentTurnsErr error

	// SearchTurnsErr is returned by SearchTurns when non-nil.
	SearchTurnsErr error

	// AppendTurnFailures makes the first N AppendTurn calls fail with
	// [store.ErrUnavailable] before succeeding, for retry tests. It is
	// decremented on each injected failure.
	AppendTurnFailures int
}

// NewStore returns an empty mock store.
func NewStore() *Store {
	return &Store{
		agents:   make(map[string]store.Agent),
		sessions: make(map[string]store.Session),
		turns:    make(map[string][]store.Turn),
	}
}

// record appends a call entry. Callers must hold mu.
func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// PutAgent seeds an agent record without recording a call.
func (m *Store) PutAgent(agent store.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent
}

// PutSession seeds a session record without recording a call.
func (m *Store) PutSession(sess store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
}

// Turns returns a copy of the turn log for sessionID.
func (m *Store) Turns(sessionID string) []store.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Turn, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out
}

// GetAgent implements [store.Store].
func (m *Store) GetAgent(_ context.Context, agentID string) (store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetAgent", agentID)
	if m.GetAgentErr != nil {
		return store.Agent{}, m.GetAgentErr
	}
	agent, ok := m.agents[agentID]
	if !ok {
		return store.Agent{}, fmt.Errorf("mock: get agent %q: %w", agentID, store.ErrAgentNotFound)
	}
	return agent, nil
}

// GetSession implements [store.Store].
func (m *Store) GetSession(_ context.Context, sessionID string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetSession", sessionID)
	if m.GetSessionErr != nil {
		return store.Session{}, m.GetSessionErr
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return store.Session{}, fmt.Errorf("mock: get session %q: %w", sessionID, store.ErrSessionNotFound)
	}
	return sess, nil
}

// CreateSession implements [store.Store].
func (m *Store) CreateSession(_ context.Context, sess store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateSession", sess)
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}
	sess.Active = true
	m.sessions[sess.ID] = sess
	return nil
}

// MarkSessionInactive implements [store.Store].
func (m *Store) MarkSessionInactive(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkSessionInactive", sessionID)
	if m.MarkInactiveErr != nil {
		return m.MarkInactiveErr
	}
	sess, ok := m.sessions[sessionID]
	if !ok || !sess.Active {
		return nil
	}
	sess.Active = false
	sess.LastActivity = time.Now()
	m.sessions[sessionID] = sess
	return nil
}

// TouchSession implements [store.Store].
func (m *Store) TouchSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("TouchSession", sessionID)
	if m.TouchSessionErr != nil {
		return m.TouchSessionErr
	}
	if sess, ok := m.sessions[sessionID]; ok {
		sess.LastActivity = time.Now()
		m.sessions[sessionID] = sess
	}
	return nil
}

// AppendTurn implements [store.Store].
func (m *Store) AppendTurn(_ context.Context, turn store.Turn) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendTurn", turn)
	if m.AppendTurnFailures > 0 {
		m.AppendTurnFailures--
		return 0, fmt.Errorf("mock: append turn: %w", store.ErrUnavailable)
	}
	if m.AppendTurnErr != nil {
		return 0, m.AppendTurnErr
	}
	turn.ID = int64(len(m.turns[turn.SessionID]) + 1)
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], turn)
	return turn.ID, nil
}

// ListRecentTurns implements [store.Store].
func (m *Store) ListRecentTurns(_ context.Context, sessionID string, limit int) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListRecentTurns", sessionID, limit)
	if m.ListRecentTurnsErr != nil {
		return nil, m.ListRecentTurnsErr
	}
	log := m.turns[sessionID]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}
	out := make([]store.Turn, len(log)-start)
	copy(out, log[start:])
	return out, nil
}

// SearchTurns implements [store.Store]. Matching is a simple substring test;
// tests that need real FTS semantics use the Postgres implementation.
func (m *Store) SearchTurns(_ context.Context, query string, opts store.SearchOpts) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SearchTurns", query, opts)
	if m.SearchTurnsErr != nil {
		return nil, m.SearchTurnsErr
	}
	out := []store.Turn{}
	for sessID, log := range m.turns {
		if opts.SessionID != "" && opts.SessionID != sessID {
			continue
		}
		for _, t := range log {
			if opts.Role != "" && t.Role != opts.Role {
				continue
			}
			if !opts.After.IsZero() && !t.Timestamp.After(opts.After) {
				continue
			}
			if !opts.Before.IsZero() && !t.Timestamp.Before(opts.Before) {
				continue
			}
			if query != "" && !strings.Contains(strings.ToLower(t.Text), strings.ToLower(query)) {
				continue
			}
			out = append(out, t)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}
