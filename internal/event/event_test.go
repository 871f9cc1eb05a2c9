package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/event"
)

func TestMarshalNestsIdentifiersInData(t *testing.T) {
	t.Parallel()

	ev := event.Event{
		Kind:          event.KindFinalTranscript,
		SessionID:     "sess-1",
		UserID:        "user-1",
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Payload:       event.Text{Text: "hello there"},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Unmarshal frame: %v", err)
	}
	if len(frame) != 2 {
		t.Errorf("frame keys = %d, want event and data only: %s", len(frame), raw)
	}
	var kind string
	if err := json.Unmarshal(frame["event"], &kind); err != nil || kind != "final_transcript" {
		t.Errorf("event = %q (%v), want final_transcript", kind, err)
	}

	var data struct {
		SessionID     string `json:"session_id"`
		UserID        string `json:"user_id"`
		CorrelationID string `json:"correlation_id"`
		Text          string `json:"text"`
	}
	if err := json.Unmarshal(frame["data"], &data); err != nil {
		t.Fatalf("Unmarshal data: %v", err)
	}
	if data.SessionID != "sess-1" || data.UserID != "user-1" || data.CorrelationID != "corr-1" {
		t.Errorf("identifiers = %+v, want them inside data", data)
	}
	if data.Text != "hello there" {
		t.Errorf("text = %q, payload fields must sit next to the identifiers", data.Text)
	}
}

func TestMarshalOmitsUnsetOptionalFields(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(event.Event{
		Kind:      event.KindUtteranceStart,
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var frame struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"user_id", "correlation_id", "timestamp"} {
		if _, ok := frame.Data[key]; ok {
			t.Errorf("data carries %q for a bare event: %s", key, raw)
		}
	}
	if string(frame.Data["session_id"]) != `"sess-1"` {
		t.Errorf("session_id = %s, want sess-1", frame.Data["session_id"])
	}
}
