package voxtts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/provider/tts/voxtts"
)

// newFakeEngine starts an in-process websocket TTS engine.
func newFakeEngine(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	requests := make(chan map[string]any, 1)
	url := newFakeEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		requests <- req

		_ = conn.Write(ctx, websocket.MessageBinary, []byte("chunk-1"))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte("chunk-2"))
		_ = writeJSON(ctx, conn, map[string]any{
			"type":        "complete",
			"duration_ms": 750,
			"sample_rate": 24000,
		})
	})

	p, err := voxtts.New(url, voxtts.WithDefaultVoice("fallback"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks, meta, err := p.Synthesize(context.Background(), tts.Request{
		Text:   "Hello there.",
		Voice:  "nova",
		Rate:   1.2,
		Pitch:  0.9,
		Format: "wav",
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var got [][]byte
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) != 2 || string(got[0]) != "chunk-1" || string(got[1]) != "chunk-2" {
		t.Errorf("chunks: %q", got)
	}

	m, err := meta()
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if m.Duration != 750*time.Millisecond || m.SampleRate != 24000 {
		t.Errorf("metadata: %+v", m)
	}

	req := <-requests
	if req["text"] != "Hello there." || req["voice"] != "nova" {
		t.Errorf("request frame: %v", req)
	}
	if req["rate"] != 1.2 || req["pitch"] != 0.9 || req["format"] != "wav" {
		t.Errorf("prosody fields: %v", req)
	}
}

func TestSynthesizeUsesDefaultVoice(t *testing.T) {
	t.Parallel()

	requests := make(chan map[string]any, 1)
	url := newFakeEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req map[string]any
		_ = json.Unmarshal(data, &req)
		requests <- req
		_ = writeJSON(ctx, conn, map[string]any{"type": "complete", "duration_ms": 0, "sample_rate": 24000})
	})

	p, err := voxtts.New(url, voxtts.WithDefaultVoice("standard"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunks, meta, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	for range chunks {
	}
	if _, err := meta(); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if req := <-requests; req["voice"] != "standard" {
		t.Errorf("voice: %v", req["voice"])
	}
}

func TestSynthesizeEngineError(t *testing.T) {
	t.Parallel()

	url := newFakeEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageBinary, []byte("partial"))
		_ = writeJSON(ctx, conn, map[string]any{"type": "error", "message": "voice not found"})
	})

	p, err := voxtts.New(url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunks, meta, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Voice: "ghost"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	for range chunks {
	}
	if _, err := meta(); err == nil || !strings.Contains(err.Error(), "voice not found") {
		t.Fatalf("meta err: %v", err)
	}
}

func TestSynthesizeRejectsEmptyText(t *testing.T) {
	t.Parallel()

	p, err := voxtts.New("ws://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := p.Synthesize(context.Background(), tts.Request{}); err == nil {
		t.Fatal("expected error for empty text")
	}
}
