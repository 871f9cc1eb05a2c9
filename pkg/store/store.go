// Package store defines the persistent-state layer shared by all VoxBridge
// components: agent configuration records, conversation sessions, and the
// append-only turn log belonging to each session.
//
// The interfaces are public so that external packages can supply alternative
// backends (Postgres, in-memory, …) without depending on voxbridge internals.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sentinel errors
// ─────────────────────────────────────────────────────────────────────────────

var (
	// ErrAgentNotFound is returned when no agent record exists for the given id.
	ErrAgentNotFound = errors.New("store: agent not found")

	// ErrSessionNotFound is returned when no session record exists for the
	// given id.
	ErrSessionNotFound = errors.New("store: session not found")

	// ErrUnavailable wraps persistent backend failures (connection refused,
	// pool exhausted, …). Callers treat it as fatal for the current turn but
	// not for the session.
	ErrUnavailable = errors.New("store: unavailable")
)

// EncryptedPrefix marks sensitive values inside a plugin config. A value of
// the form "__encrypted__:<base64>" must never be logged or sent to clients.
const EncryptedPrefix = "__encrypted__:"

// ─────────────────────────────────────────────────────────────────────────────
// Records
// ─────────────────────────────────────────────────────────────────────────────

// LLMConfig selects the language-model provider and generation parameters for
// an agent.
type LLMConfig struct {
	// Provider is one of "cloud", "local" or "webhook".
	Provider string `json:"provider" yaml:"provider"`

	// Model is the provider-specific model name (e.g. "gpt-4o-mini").
	Model string `json:"model" yaml:"model"`

	// Temperature is the sampling temperature in [0, 2].
	Temperature float64 `json:"temperature" yaml:"temperature"`

	// SystemPrompt seeds the conversation context. Empty means no system
	// message is sent.
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`

	// UseWebhook forces routing to the webhook provider regardless of
	// Provider.
	UseWebhook bool `json:"use_webhook" yaml:"use_webhook"`
}

// TTSConfig selects the synthesis voice and prosody for an agent.
type TTSConfig struct {
	// Voice is the provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string `json:"voice" yaml:"voice"`

	// Rate is the speaking-rate multiplier in [0.5, 2.0]. Zero means 1.0.
	Rate float64 `json:"rate" yaml:"rate"`

	// Pitch is the pitch multiplier in [0.5, 2.0]. Zero means 1.0.
	Pitch float64 `json:"pitch" yaml:"pitch"`
}

// Agent is the persistent configuration of one conversational persona.
// Agents are created and mutated through the external store; the core treats
// them as read-through cached.
type Agent struct {
	// ID is the unique identifier for this agent (a UUID).
	ID string `json:"id"`

	// Name is the unique human-readable name.
	Name string `json:"name"`

	// LLM configures the language-model backend.
	LLM LLMConfig `json:"llm"`

	// TTS configures the synthesis voice.
	TTS TTSConfig `json:"tts"`

	// Vocabulary lists custom terms (proper nouns, jargon) that the
	// transcript corrector maps mis-heard words back to. The agent name is
	// always treated as part of the vocabulary.
	Vocabulary []string `json:"vocabulary,omitempty"`

	// Plugins maps plugin name to its opaque configuration. Values carrying
	// the [EncryptedPrefix] marker are sensitive.
	Plugins map[string]map[string]any `json:"plugins,omitempty"`
}

// Session is one active conversation between a user and an agent.
type Session struct {
	// ID is the unique identifier for this session (a UUID).
	ID string `json:"id"`

	// UserID is the opaque identifier of the owning user.
	UserID string `json:"user_id"`

	// AgentID references the agent this session talks to.
	AgentID string `json:"agent_id"`

	// ChannelType records where the audio comes from: "web", "discord" or a
	// plugin-defined value.
	ChannelType string `json:"channel_type"`

	// Active is cleared when the session is gracefully ended.
	Active bool `json:"active"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// LastActivity is the instant of the most recent turn or audio chunk.
	LastActivity time.Time `json:"last_activity"`
}

// Turn is one half of a request/response pair: a single user or assistant
// message with its per-stage latency samples.
type Turn struct {
	// ID is a monotonically increasing integer scoped to the session.
	ID int64 `json:"id"`

	// SessionID is the session this turn belongs to.
	SessionID string `json:"session_id"`

	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Text is the turn content. For assistant turns it is byte-identical to
	// the concatenation of the streamed text chunks in emission order.
	Text string `json:"text"`

	// Timestamp is when the turn was committed.
	Timestamp time.Time `json:"timestamp"`

	// STTLatencyMS, LLMLatencyMS and TTSLatencyMS are the per-stage latency
	// samples for the cycle this turn belongs to, in milliseconds. Zero when
	// the stage did not run for this role.
	STTLatencyMS int64 `json:"stt_latency_ms"`
	LLMLatencyMS int64 `json:"llm_latency_ms"`
	TTSLatencyMS int64 `json:"tts_latency_ms"`
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ─────────────────────────────────────────────────────────────────────────────
// Search options
// ─────────────────────────────────────────────────────────────────────────────

// SearchOpts configures a full-text search over turn records.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// Role restricts results to "user" or "assistant" turns.
	// An empty string matches both.
	Role string

	// After filters turns committed after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters turns committed before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// ─────────────────────────────────────────────────────────────────────────────
// Store interface
// ─────────────────────────────────────────────────────────────────────────────

// Store is the persistence interface consumed by the session manager and the
// session controller. Implementations must be safe for concurrent use.
type Store interface {
	// GetAgent retrieves an agent record by id.
	// Returns [ErrAgentNotFound] when no such agent exists.
	GetAgent(ctx context.Context, agentID string) (Agent, error)

	// GetSession retrieves a session record by id.
	// Returns [ErrSessionNotFound] when no such session exists.
	GetSession(ctx context.Context, sessionID string) (Session, error)

	// CreateSession persists a new session record. The caller supplies the
	// session id; CreatedAt and LastActivity are set by the implementation
	// when zero.
	CreateSession(ctx context.Context, sess Session) error

	// MarkSessionInactive clears the active flag and refreshes the
	// last-activity timestamp. Marking an already-inactive session is not an
	// error and must not produce a duplicate write effect.
	MarkSessionInactive(ctx context.Context, sessionID string) error

	// TouchSession refreshes the session's last-activity timestamp.
	TouchSession(ctx context.Context, sessionID string) error

	// AppendTurn appends a turn to the session's log and returns the
	// assigned monotonic turn id.
	AppendTurn(ctx context.Context, turn Turn) (int64, error)

	// ListRecentTurns returns the most recent limit turns for the session in
	// chronological order (oldest first).
	// Returns an empty (non-nil) slice when the session has no turns.
	ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// SearchTurns performs a full-text search over turn text.
	// Returns an empty (non-nil) slice when no turns match.
	SearchTurns(ctx context.Context, query string, opts SearchOpts) ([]Turn, error)
}
