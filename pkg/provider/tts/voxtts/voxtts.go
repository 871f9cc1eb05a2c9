// Package voxtts provides the websocket client for the external VoxBridge
// TTS engine. It implements the tts.Provider interface.
//
// Each synthesis request uses its own connection. The client sends one JSON
// request frame:
//
//	{"text": "...", "voice": "nova", "rate": 1.0, "pitch": 1.0, "format": "wav"}
//
// The engine replies with binary frames carrying audio, terminated by a text
// frame:
//
//	{"type": "complete", "duration_ms": 1234, "sample_rate": 24000}
//
// or {"type": "error", "message": "..."} on failure.
package voxtts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHeader adds an HTTP header to the websocket handshake.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.header.Set(key, value) }
}

// WithDefaultVoice sets the voice used when a request does not name one.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.defaultVoice = voice }
}

// Provider implements tts.Provider against a websocket TTS engine.
type Provider struct {
	url          string
	header       http.Header
	defaultVoice string
}

// New creates a Provider dialing the engine at url (a ws:// or wss://
// endpoint).
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("voxtts: url must not be empty")
	}
	p := &Provider{url: url, header: http.Header{}}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// request is the JSON frame opening a synthesis exchange.
type request struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice,omitempty"`
	Rate   float64 `json:"rate,omitempty"`
	Pitch  float64 `json:"pitch,omitempty"`
	Format string  `json:"format,omitempty"`
}

// reply is the terminating text frame of a synthesis exchange.
type reply struct {
	Type       string `json:"type"`
	DurationMS int64  `json:"duration_ms"`
	SampleRate int    `json:"sample_rate"`
	Message    string `json:"message"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, func() (tts.Metadata, error), error) {
	if req.Text == "" {
		return nil, nil, errors.New("voxtts: text must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{
		HTTPHeader: p.header,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("voxtts: dial %s: %w", p.url, err)
	}

	voice := req.Voice
	if voice == "" {
		voice = p.defaultVoice
	}
	frame, err := json.Marshal(request{
		Text:   req.Text,
		Voice:  voice,
		Rate:   req.Rate,
		Pitch:  req.Pitch,
		Format: req.Format,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode request")
		return nil, nil, fmt.Errorf("voxtts: encode request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "request failed")
		return nil, nil, fmt.Errorf("voxtts: send request: %w", err)
	}

	chunks := make(chan []byte, 16)
	type outcome struct {
		meta tts.Metadata
		err  error
	}
	result := make(chan outcome, 1)

	go func() {
		defer close(chunks)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				result <- outcome{err: fmt.Errorf("voxtts: read: %w", err)}
				return
			}

			if typ == websocket.MessageBinary {
				select {
				case chunks <- data:
				case <-ctx.Done():
					result <- outcome{err: ctx.Err()}
					return
				}
				continue
			}

			var r reply
			if err := json.Unmarshal(data, &r); err != nil {
				result <- outcome{err: fmt.Errorf("voxtts: decode reply: %w", err)}
				return
			}
			switch r.Type {
			case "complete":
				result <- outcome{meta: tts.Metadata{
					Duration:   time.Duration(r.DurationMS) * time.Millisecond,
					SampleRate: r.SampleRate,
				}}
				return
			case "error":
				result <- outcome{err: fmt.Errorf("voxtts: engine: %s", r.Message)}
				return
			default:
				// Unknown control frames are ignored.
			}
		}
	}()

	meta := func() (tts.Metadata, error) {
		o := <-result
		return o.meta, o.err
	}
	return chunks, meta, nil
}
