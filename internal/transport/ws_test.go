package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/event"
	"github.com/voxbridge/voxbridge/internal/transport"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// fakeConn records the calls the transport read loop makes into the session
// layer and signals End so tests can wait for disconnect handling.
type fakeConn struct {
	mu         sync.Mutex
	audio      [][]byte
	formats    []string
	interrupts int
	ends       int
	endc       chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{endc: make(chan struct{}, 4)}
}

func (f *fakeConn) PushAudio(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.audio = append(f.audio, cp)
}

func (f *fakeConn) SetFormat(format string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formats = append(f.formats, format)
	if format != "opus" && format != "pcm" {
		return errors.New("unsupported format")
	}
	return nil
}

func (f *fakeConn) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakeConn) End(ctx context.Context) error {
	f.mu.Lock()
	f.ends++
	f.mu.Unlock()
	select {
	case f.endc <- struct{}{}:
	default:
	}
	return nil
}

// fakeSessions implements transport.SessionHandler. When connectErr is set
// every Connect is rejected; otherwise the shared fakeConn is attached and
// the accepted ClientChannel handed to chans.
type fakeSessions struct {
	conn       *fakeConn
	connectErr error

	mu    sync.Mutex
	chans []*transport.ClientChannel
	auths [][2]string
}

func (f *fakeSessions) Connect(ctx context.Context, sessionID, userID string, ch *transport.ClientChannel) (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths = append(f.auths, [2]string{sessionID, userID})
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.chans = append(f.chans, ch)
	return f.conn, nil
}

func (f *fakeSessions) channel(t *testing.T) *transport.ClientChannel {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.chans) > 0 {
			ch := f.chans[0]
			f.mu.Unlock()
			return ch
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no client channel attached")
	return nil
}

func startServer(t *testing.T, sessions *fakeSessions, bus *event.Bus) *httptest.Server {
	t.Helper()
	if bus == nil {
		bus = event.NewBus()
		t.Cleanup(bus.Close)
	}
	srv := httptest.NewServer(transport.NewServer(sessions, bus, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return typ, data
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSessionAuthRequiresQueryParams(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{conn: newFakeConn()}
	srv := startServer(t, sessions, nil)

	resp, err := http.Get(srv.URL + "/ws?session_id=s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.auths) != 0 {
		t.Fatalf("Connect called %d times for unauthenticated request", len(sessions.auths))
	}
}

func TestConnectRejectionClosesWithPolicyViolation(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{conn: newFakeConn(), connectErr: errors.New("session does not belong to user")}
	srv := startServer(t, sessions, nil)

	conn := dial(t, wsURL(srv, "/ws?session_id=s-1&user_id=u-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the connection")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want %v", got, websocket.StatusPolicyViolation)
	}
}

func TestBinaryFramesReachSession(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	sessions := &fakeSessions{conn: fc}
	srv := startServer(t, sessions, nil)

	conn := dial(t, wsURL(srv, "/ws?session_id=s-1&user_id=u-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		fc.mu.Lock()
		n := len(fc.audio)
		fc.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audio frames = %d, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if string(fc.audio[0]) != string([]byte{1, 2, 3}) {
		t.Fatalf("audio payload = %v", fc.audio[0])
	}
}

func TestControlFramesDispatch(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	sessions := &fakeSessions{conn: fc}
	srv := startServer(t, sessions, nil)

	conn := dial(t, wsURL(srv, "/ws?session_id=s-1&user_id=u-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, raw := range []string{
		`{"event":"set_format","data":{"format":"pcm"}}`,
		`{"event":"interrupt","data":{}}`,
		`{"event":"end_session","data":{}}`,
		`{"event":"bogus","data":{}}`,
		`not json`,
	} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
			t.Fatalf("write control: %v", err)
		}
	}

	select {
	case <-fc.endc:
	case <-time.After(2 * time.Second):
		t.Fatal("end_session control frame was not dispatched")
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.formats) != 1 || fc.formats[0] != "pcm" {
		t.Fatalf("formats = %v, want [pcm]", fc.formats)
	}
	if fc.interrupts != 1 {
		t.Fatalf("interrupts = %d, want 1", fc.interrupts)
	}
}

func TestDisconnectEndsSession(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	sessions := &fakeSessions{conn: fc}
	srv := startServer(t, sessions, nil)

	conn := dial(t, wsURL(srv, "/ws?session_id=s-1&user_id=u-1"))
	sessions.channel(t)
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-fc.endc:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not ended after client disconnect")
	}
}

func TestAudioChunksPrecedeQueuedEvents(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	sessions := &fakeSessions{conn: fc}
	srv := startServer(t, sessions, nil)

	conn := dial(t, wsURL(srv, "/ws?session_id=s-1&user_id=u-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")
	ch := sessions.channel(t)

	// Enqueue a chunk and then the completion event. The single writer must
	// preserve this order on the wire.
	if err := ch.SendAudio([]byte("wav-bytes")); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := ch.Deliver(event.Event{
		Kind:      event.KindTTSComplete,
		SessionID: "s-1",
		Payload:   event.TTSComplete{SentenceIndex: 0},
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	typ, data := readFrame(t, conn)
	if typ != websocket.MessageBinary || string(data) != "wav-bytes" {
		t.Fatalf("first frame = (%v, %q), want binary audio", typ, data)
	}

	typ, data = readFrame(t, conn)
	if typ != websocket.MessageText {
		t.Fatalf("second frame type = %v, want text", typ)
	}
	var ev struct {
		Event string `json:"event"`
		Data  struct {
			SessionID     string `json:"session_id"`
			SentenceIndex int    `json:"sentence_index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Event != string(event.KindTTSComplete) || ev.Data.SessionID != "s-1" {
		t.Fatalf("event frame = %+v", ev)
	}
}

func TestChannelRejectsAfterClose(t *testing.T) {
	t.Parallel()

	fc := newFakeConn()
	sessions := &fakeSessions{conn: fc}
	srv := startServer(t, sessions, nil)

	conn := dial(t, wsURL(srv, "/ws?session_id=s-1&user_id=u-1"))
	defer conn.Close(websocket.StatusNormalClosure, "")
	ch := sessions.channel(t)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ch.SendAudio([]byte{0}); !errors.Is(err, transport.ErrChannelClosed) {
		t.Fatalf("SendAudio after close = %v, want ErrChannelClosed", err)
	}
	if err := ch.Deliver(event.Event{Kind: event.KindPartialTranscript}); !errors.Is(err, transport.ErrChannelClosed) {
		t.Fatalf("Deliver after close = %v, want ErrChannelClosed", err)
	}
}

func TestObserverReceivesBroadcastEvents(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	t.Cleanup(bus.Close)
	sessions := &fakeSessions{conn: newFakeConn()}
	srv := startServer(t, sessions, bus)

	conn := dial(t, wsURL(srv, "/observe"))
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is created inside the handler; give it a moment to
	// register before publishing.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(event.Event{
		Kind:          event.KindFinalTranscript,
		SessionID:     "s-1",
		UserID:        "u-1",
		CorrelationID: "c-1",
		Payload:       event.Text{Text: "hello there"},
	})

	_, data := readFrame(t, conn)
	var ev struct {
		Event string `json:"event"`
		Data  struct {
			SessionID     string `json:"session_id"`
			UserID        string `json:"user_id"`
			CorrelationID string `json:"correlation_id"`
			Text          string `json:"text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Event != string(event.KindFinalTranscript) || ev.Data.UserID != "u-1" || ev.Data.Text != "hello there" {
		t.Fatalf("observer event = %+v", ev)
	}
}
