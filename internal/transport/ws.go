package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/event"
)

// maxAudioFrame bounds a single inbound frame. Clients push container chunks
// well under this; anything larger is a protocol violation.
const maxAudioFrame = 1 << 20

// Conn is a live attachment of one client to one session. The session layer
// implements it; the transport drives it from the read loop.
type Conn interface {
	// PushAudio hands an inbound audio container chunk to the session.
	PushAudio(chunk []byte)
	// SetFormat declares the inbound audio format ("opus" or "pcm").
	SetFormat(format string) error
	// Interrupt cancels the in-flight assistant turn, if any.
	Interrupt()
	// End closes the session. It must be idempotent.
	End(ctx context.Context) error
}

// SessionHandler authenticates and attaches accepted client connections.
type SessionHandler interface {
	Connect(ctx context.Context, sessionID, userID string, ch *ClientChannel) (Conn, error)
}

// Server serves the client session endpoint and the observer endpoint.
type Server struct {
	sessions SessionHandler
	bus      *event.Bus
	log      *slog.Logger
}

// NewServer creates a transport server. The bus feeds observer connections.
func NewServer(sessions SessionHandler, bus *event.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{sessions: sessions, bus: bus, log: log}
}

// Handler returns the WebSocket endpoints:
//
//	GET /ws       — client session channel, authenticated by ?session_id=&user_id=
//	GET /observe  — read-only conversation event broadcast
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleSession)
	mux.HandleFunc("GET /observe", s.handleObserve)
	return mux
}

// controlFrame is the JSON shape of client→server control messages.
type controlFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	userID := r.URL.Query().Get("user_id")
	if sessionID == "" || userID == "" {
		http.Error(w, "session_id and user_id are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxAudioFrame)

	ch := NewClientChannel(conn, s.log)
	sc, err := s.sessions.Connect(r.Context(), sessionID, userID, ch)
	if err != nil {
		s.log.Warn("session connect rejected",
			"session_id", sessionID, "user_id", userID, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	log := s.log.With("session_id", sessionID, "user_id", userID)
	log.Info("client connected")

	s.readLoop(r.Context(), conn, ch, sc, log)

	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sc.End(endCtx); err != nil {
		log.Warn("session end failed", "error", err)
	}
	_ = ch.Close()
	log.Info("client disconnected")
}

// readLoop pumps inbound frames until the connection or the channel dies.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, ch *ClientChannel, sc Conn, log *slog.Logger) {
	for {
		select {
		case <-ch.Done():
			return
		default:
		}

		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			sc.PushAudio(data)
		case websocket.MessageText:
			s.handleControl(ctx, data, sc, log)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, data []byte, sc Conn, log *slog.Logger) {
	var cf controlFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		log.Debug("malformed control frame", "error", err)
		return
	}

	switch cf.Event {
	case "set_format":
		var payload struct {
			Format string `json:"format"`
		}
		if err := json.Unmarshal(cf.Data, &payload); err != nil {
			log.Debug("malformed set_format payload", "error", err)
			return
		}
		if err := sc.SetFormat(payload.Format); err != nil {
			log.Warn("set_format rejected", "format", payload.Format, "error", err)
		}
	case "interrupt":
		sc.Interrupt()
	case "end_session":
		endCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := sc.End(endCtx); err != nil {
			log.Warn("session end failed", "error", err)
		}
		cancel()
	default:
		log.Debug("unknown control event", "event", cf.Event)
	}
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("observer accept failed", "error", err)
		return
	}

	sub := s.bus.Subscribe()
	defer sub.Cancel()

	s.log.Info("observer connected", "remote", r.RemoteAddr)
	defer s.log.Info("observer disconnected", "remote", r.RemoteAddr)

	// Observers never send application data; CloseRead surfaces disconnects
	// through the returned context.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("observer event encode failed", "kind", ev.Kind, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
