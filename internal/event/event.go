// Package event defines the notification protocol shared by the session
// pipeline, the client transport, and passive observers.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a notification type as it appears on the wire.
type Kind string

// Server-emitted event kinds.
const (
	KindUtteranceStart     Kind = "utterance_start"
	KindPartialTranscript  Kind = "partial_transcript"
	KindStopListening      Kind = "stop_listening"
	KindFinalTranscript    Kind = "final_transcript"
	KindAIResponseStart    Kind = "ai_response_start"
	KindAIResponseChunk    Kind = "ai_response_chunk"
	KindAIResponseComplete Kind = "ai_response_complete"
	KindTTSStart           Kind = "tts_start"
	KindTTSComplete        Kind = "tts_complete"
	KindMessageSaved       Kind = "message_saved"
	KindMetricsUpdated     Kind = "metrics_updated"
	KindServiceError       Kind = "service_error"
)

// Stop-listening reasons.
const (
	ReasonSilence      = "silence"
	ReasonMaxUtterance = "max_utterance"
)

// observed is the set of kinds copied to the observer broadcast. These are
// the events that carry conversation history; transient pipeline signals
// stay on the session channel only.
var observed = map[Kind]bool{
	KindPartialTranscript:  true,
	KindFinalTranscript:    true,
	KindAIResponseChunk:    true,
	KindAIResponseComplete: true,
	KindMessageSaved:       true,
	KindMetricsUpdated:     true,
}

// Observed reports whether events of kind k are forwarded to observers.
func Observed(k Kind) bool { return observed[k] }

// Event is a single structured notification. CorrelationID is shared by all
// events belonging to one user→assistant cycle. UserID is populated so that
// observer copies can attribute the event; the session channel carries it too
// since the payload is identical on both channels.
type Event struct {
	Kind          Kind
	SessionID     string
	UserID        string
	CorrelationID string
	Timestamp     time.Time
	Payload       any
}

// MarshalJSON renders the wire frame {event, data}. The session and
// correlation identifiers ride inside data, next to the payload fields of the
// kind.
func (e Event) MarshalJSON() ([]byte, error) {
	data := map[string]any{"session_id": e.SessionID}
	if e.UserID != "" {
		data["user_id"] = e.UserID
	}
	if e.CorrelationID != "" {
		data["correlation_id"] = e.CorrelationID
	}
	if !e.Timestamp.IsZero() {
		data["timestamp"] = e.Timestamp
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("event: marshal %s payload: %w", e.Kind, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("event: %s payload is not an object: %w", e.Kind, err)
		}
		for k, v := range fields {
			data[k] = v
		}
	}
	return json.Marshal(struct {
		Event Kind           `json:"event"`
		Data  map[string]any `json:"data"`
	}{e.Kind, data})
}

// NewCorrelationID returns a fresh id for one user→assistant cycle.
func NewCorrelationID() string { return uuid.NewString() }

// ─── Payload shapes ───

// Text is the payload of partial_transcript, final_transcript,
// ai_response_chunk and ai_response_complete.
type Text struct {
	Text string `json:"text"`
}

// StopListening is the payload of stop_listening. Exactly one of SilenceMS
// or ElapsedMS is set, matching Reason.
type StopListening struct {
	Reason    string `json:"reason"`
	SilenceMS int64  `json:"silence_ms,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// TTSStart is the payload of tts_start.
type TTSStart struct {
	SentenceIndex int    `json:"sentence_index"`
	Text          string `json:"text"`
}

// TTSComplete is the payload of tts_complete.
type TTSComplete struct {
	SentenceIndex int `json:"sentence_index"`
}

// MessageSaved is the payload of message_saved.
type MessageSaved struct {
	TurnID int64  `json:"turn_id"`
	Role   string `json:"role"`
}

// ServiceError is the payload of service_error, the single consolidated
// failure notification shape.
type ServiceError struct {
	Source      string `json:"source"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
