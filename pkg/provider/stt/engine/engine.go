// Package engine provides the websocket client for the external VoxBridge
// STT engine. It implements the stt.Provider interface.
//
// The wire contract per stream:
//
//  1. One text control message announcing the session and audio format:
//     {"type": "start", "session_id": "...", "format": "pcm", ...}
//  2. Binary messages carrying audio payloads.
//  3. Engine replies with text messages decoding to [stt.Result].
//
// On unexpected close the client reconnects with exponential backoff,
// buffering audio in the meantime and re-sending the start message before
// the buffered audio. A periodic ping probe marks the engine unhealthy after
// two consecutive failures.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/provider/stt"
)

// Compile-time interface checks.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Stream   = (*stream)(nil)
)

// Default reconnect and health-probe parameters.
const (
	defaultMaxReconnects  = 5
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultProbeInterval  = 15 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	probeFailLimit        = 2
)

var errStreamClosed = errors.New("engine: stream is closed")

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithReconnect overrides the reconnect policy: attempts tries with
// exponential backoff starting at initial and capped at max.
func WithReconnect(attempts int, initial, max time.Duration) Option {
	return func(p *Provider) {
		p.maxReconnects = attempts
		p.initialBackoff = initial
		p.maxBackoff = max
	}
}

// WithProbeInterval overrides how often the health probe pings the engine.
func WithProbeInterval(d time.Duration) Option {
	return func(p *Provider) { p.probeInterval = d }
}

// WithHeader adds an HTTP header to the websocket handshake (e.g. an
// authorization token).
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.header.Set(key, value) }
}

// Provider implements stt.Provider against a websocket STT engine.
type Provider struct {
	url    string
	header http.Header

	maxReconnects  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	probeInterval  time.Duration
}

// New creates a Provider dialing the engine at url (a ws:// or wss://
// endpoint).
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("engine: url must not be empty")
	}
	p := &Provider{
		url:            url,
		header:         http.Header{},
		maxReconnects:  defaultMaxReconnects,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		probeInterval:  defaultProbeInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startMessage is the control message opening a stream.
type startMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Language   string `json:"language,omitempty"`
}

// dial establishes a connection and sends the start message for cfg.
func (p *Provider) dial(ctx context.Context, cfg stt.StreamConfig) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{
		HTTPHeader: p.header,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: dial %s: %w", p.url, err)
	}

	start, err := json.Marshal(startMessage{
		Type:       "start",
		SessionID:  cfg.SessionID,
		Format:     string(cfg.Format),
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Language:   cfg.Language,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode start")
		return nil, fmt.Errorf("engine: encode start message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		conn.Close(websocket.StatusInternalError, "start failed")
		return nil, fmt.Errorf("engine: send start message: %w", err)
	}
	return conn, nil
}

// StartStream opens a recognition stream for cfg. The stream reconnects
// on unexpected close and buffers audio while disconnected.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	conn, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		p:       p,
		cfg:     cfg,
		ctx:     sctx,
		cancel:  cancel,
		results: make(chan stt.Result, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(conn)
	return s, nil
}

// stream is one live recognition stream. It implements stt.Stream.
type stream struct {
	p   *Provider
	cfg stt.StreamConfig

	ctx    context.Context
	cancel context.CancelFunc

	results chan stt.Result
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu          sync.Mutex
	pending     [][]byte // audio that failed mid-write, flushed first after reconnect
	unavailable bool
}

// SendAudio implements stt.Stream.
func (s *stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	unavailable := s.unavailable
	s.mu.Unlock()
	if unavailable {
		return stt.ErrUnavailable
	}
	select {
	case <-s.done:
		return errStreamClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errStreamClosed
	}
}

// Results implements stt.Stream.
func (s *stream) Results() <-chan stt.Result { return s.results }

// Close implements stt.Stream.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// emit delivers r unless the stream is shutting down.
func (s *stream) emit(r stt.Result) {
	select {
	case s.results <- r:
	case <-s.done:
	}
}

// fail marks the stream unavailable and surfaces the reason as an error
// result.
func (s *stream) fail(reason string) {
	s.mu.Lock()
	s.unavailable = true
	s.mu.Unlock()
	slog.Error("stt stream failed",
		"session_id", s.cfg.SessionID,
		"reason", reason,
	)
	s.emit(stt.Result{Type: stt.ResultError, Text: stt.ErrUnavailable.Error() + ": " + reason})
}

// run owns the connection for the stream's lifetime, reconnecting on
// unexpected close.
func (s *stream) run(conn *websocket.Conn) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		err := s.pump(conn)
		conn.Close(websocket.StatusNormalClosure, "stream done")

		if errors.Is(err, errStreamClosed) || s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, stt.ErrUnavailable) {
			s.fail("engine failed health probes")
			return
		}

		slog.Warn("stt connection lost, reconnecting",
			"session_id", s.cfg.SessionID,
			"error", err,
		)
		conn, err = s.redial()
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(err.Error())
			}
			return
		}
		slog.Info("stt connection re-established", "session_id", s.cfg.SessionID)
	}
}

// pump runs the write, read and probe loops against one connection and
// returns the first failure.
func (s *stream) pump(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	failure := make(chan error, 3)
	var inner sync.WaitGroup

	// Write loop: pending chunks from before a reconnect go first.
	inner.Add(1)
	go func() {
		defer inner.Done()
		for {
			s.mu.Lock()
			var chunk []byte
			if len(s.pending) > 0 {
				chunk = s.pending[0]
				s.pending = s.pending[1:]
			}
			s.mu.Unlock()

			if chunk == nil {
				select {
				case chunk = <-s.audio:
				case <-ctx.Done():
					return
				}
			}

			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				// Keep the chunk for the next connection.
				s.mu.Lock()
				s.pending = append([][]byte{chunk}, s.pending...)
				s.mu.Unlock()
				failure <- fmt.Errorf("engine: write audio: %w", err)
				return
			}
		}
	}()

	// Read loop.
	inner.Add(1)
	go func() {
		defer inner.Done()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				failure <- fmt.Errorf("engine: read: %w", err)
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var r stt.Result
			if err := json.Unmarshal(data, &r); err != nil {
				slog.Warn("stt engine sent undecodable message",
					"session_id", s.cfg.SessionID,
					"error", err,
				)
				continue
			}
			s.emit(r)
		}
	}()

	// Health probe: two consecutive missed pings mark the engine unhealthy.
	inner.Add(1)
	go func() {
		defer inner.Done()
		ticker := time.NewTicker(s.p.probeInterval)
		defer ticker.Stop()
		misses := 0
		for {
			select {
			case <-ticker.C:
				probeCtx, probeCancel := context.WithTimeout(ctx, defaultProbeTimeout)
				err := conn.Ping(probeCtx)
				probeCancel()
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					misses++
					slog.Warn("stt health probe failed",
						"session_id", s.cfg.SessionID,
						"misses", misses,
					)
					if misses >= probeFailLimit {
						failure <- stt.ErrUnavailable
						return
					}
					continue
				}
				misses = 0
			case <-ctx.Done():
				return
			}
		}
	}()

	var err error
	select {
	case err = <-failure:
	case <-s.done:
		err = errStreamClosed
	case <-s.ctx.Done():
		err = s.ctx.Err()
	}
	cancel()
	inner.Wait()
	return err
}

// redial re-establishes the connection with exponential backoff, re-sending
// the start message on each attempt.
func (s *stream) redial() (*websocket.Conn, error) {
	backoff := s.p.initialBackoff
	var lastErr error

	for attempt := 1; attempt <= s.p.maxReconnects; attempt++ {
		conn, err := s.p.dial(s.ctx, s.cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		slog.Warn("stt reconnect attempt failed",
			"session_id", s.cfg.SessionID,
			"attempt", attempt,
			"max_attempts", s.p.maxReconnects,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.p.maxBackoff {
			backoff = s.p.maxBackoff
		}
	}
	return nil, fmt.Errorf("engine: reconnect exhausted after %d attempts: %w", s.p.maxReconnects, lastErr)
}
