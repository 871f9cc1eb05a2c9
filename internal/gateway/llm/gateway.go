// Package llm builds per-turn conversation context and streams assistant
// text from the configured language-model backend, with one-shot webhook
// fallback and sentence assembly for downstream synthesis.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/store"
)

// ErrTimeout is surfaced when the total generation budget or the
// per-fragment quiet period elapses. Fragments already emitted are
// preserved as the partial assistant response.
var ErrTimeout = errors.New("llm: generation timed out")

// ErrUnavailable is surfaced when no backend (including the webhook
// fallback) could serve the turn.
var ErrUnavailable = errors.New("llm: provider unavailable")

// defaultQuietTimeout bounds the gap between consecutive fragments.
const defaultQuietTimeout = 30 * time.Second

// webhookBreakerTrip opens the fallback breaker after this many consecutive
// webhook failures.
const webhookBreakerTrip = 3

// Request carries everything needed to generate one assistant response.
type Request struct {
	// Agent supplies the system prompt, provider routing and temperature.
	Agent store.Agent

	// History is the recent turn window in chronological order.
	History []store.Turn

	// UserText is the current user-turn text, appended last.
	UserText string
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithQuietTimeout overrides the per-fragment quiet budget.
func WithQuietTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.quiet = d
		}
	}
}

// Gateway routes turns to direct providers or the webhook fallback and
// exposes the response as a fragment stream. Safe for concurrent use across
// sessions.
type Gateway struct {
	cfg     config.LLMConfig
	direct  map[string]llm.Provider
	webhook llm.Provider
	breaker *resilience.Breaker
	quiet   time.Duration
	log     *slog.Logger
}

// NewGateway creates a gateway. direct maps agent provider names ("cloud",
// "local", ...) to backends; webhook may be nil when no fallback endpoint is
// configured.
func NewGateway(cfg config.LLMConfig, direct map[string]llm.Provider, webhook llm.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		direct:  direct,
		webhook: webhook,
		breaker: resilience.NewBreaker("llm-webhook", webhookBreakerTrip, 30*time.Second),
		quiet:   defaultQuietTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Stream generates the assistant response for req. It returns the fragment
// channel and a wait function that blocks until the stream ends and yields
// the accumulated text together with the terminal error, if any. A non-nil
// error from Stream itself means not even a partial response is possible.
func (g *Gateway) Stream(ctx context.Context, req Request) (<-chan string, func() (string, error), error) {
	creq := llm.CompletionRequest{
		Messages:    buildMessages(req),
		Temperature: req.Agent.LLM.Temperature,
	}

	genCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout())

	initial, viaWebhook, err := g.openStream(genCtx, req.Agent, creq)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan string, 8)
	type outcome struct {
		text string
		err  error
	}
	result := make(chan outcome, 1)

	go func() {
		defer close(out)
		defer cancel()

		var full strings.Builder
		chunks := initial
		triedWebhook := viaWebhook

		quiet := time.NewTimer(g.quiet)
		defer quiet.Stop()

		for {
			select {
			case <-genCtx.Done():
				result <- outcome{full.String(), fmt.Errorf("%w: %v", ErrTimeout, genCtx.Err())}
				return
			case <-quiet.C:
				result <- outcome{full.String(), fmt.Errorf("%w: no fragment for %s", ErrTimeout, g.quiet)}
				return
			case chunk, ok := <-chunks:
				if !ok {
					result <- outcome{full.String(), nil}
					return
				}
				if chunk.FinishReason == llm.FinishReasonError {
					// Before any output the turn can still be rescued by
					// the webhook; afterwards the partial text stands.
					if full.Len() == 0 && !triedWebhook {
						if fb, err := g.openWebhook(genCtx, creq); err == nil {
							g.log.Warn("llm: direct stream failed, falling back to webhook",
								"agent_id", req.Agent.ID, "error", chunk.Text)
							chunks = fb
							triedWebhook = true
							continue
						}
					}
					result <- outcome{full.String(), fmt.Errorf("%w: %s", ErrUnavailable, chunk.Text)}
					return
				}
				if chunk.Text != "" {
					full.WriteString(chunk.Text)
					select {
					case out <- chunk.Text:
					case <-genCtx.Done():
						result <- outcome{full.String(), fmt.Errorf("%w: %v", ErrTimeout, genCtx.Err())}
						return
					}
				}
				if !quiet.Stop() {
					<-quiet.C
				}
				quiet.Reset(g.quiet)
			}
		}
	}()

	wait := func() (string, error) {
		o := <-result
		return o.text, o.err
	}
	return out, wait, nil
}

// openStream starts the stream on the routed provider, falling back to the
// webhook once when the direct provider cannot start.
func (g *Gateway) openStream(ctx context.Context, agent store.Agent, creq llm.CompletionRequest) (<-chan llm.Chunk, bool, error) {
	if agent.LLM.UseWebhook || agent.LLM.Provider == "webhook" {
		ch, err := g.openWebhook(ctx, creq)
		if err != nil {
			return nil, false, fmt.Errorf("%w: webhook: %v", ErrUnavailable, err)
		}
		return ch, true, nil
	}

	// Agent records select a backend by tag ("cloud" or "local"), not by
	// vendor name. An unset tag means the cloud backend.
	name := agent.LLM.Provider
	if name == "" {
		name = "cloud"
	}
	prov, ok := g.direct[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown provider %q", ErrUnavailable, name)
	}

	ch, err := g.start(ctx, prov, creq)
	if err == nil {
		return ch, false, nil
	}
	g.log.Warn("llm: provider failed to start", "provider", name, "error", err)

	if fb, fbErr := g.openWebhook(ctx, creq); fbErr == nil {
		g.log.Info("llm: using webhook fallback", "provider", name)
		return fb, true, nil
	}
	return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// openWebhook starts a webhook stream through the fallback breaker. The
// full conversation context is re-sent, not just the user text.
func (g *Gateway) openWebhook(ctx context.Context, creq llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if g.webhook == nil || !g.cfg.FallbackEnabled {
		return nil, errors.New("llm: webhook not configured")
	}
	var ch <-chan llm.Chunk
	err := g.breaker.Do(func() error {
		var err error
		ch, err = g.start(ctx, g.webhook, creq)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// start opens a stream, or adapts a blocking completion into a one-fragment
// stream when streaming is disabled.
func (g *Gateway) start(ctx context.Context, prov llm.Provider, creq llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if g.cfg.StreamingEnabled {
		return prov.StreamCompletion(ctx, creq)
	}
	text, err := prov.Complete(ctx, creq)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: text}
	ch <- llm.Chunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// buildMessages assembles system prompt, history window and the user text.
func buildMessages(req Request) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	if req.Agent.LLM.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: req.Agent.LLM.SystemPrompt})
	}
	for _, turn := range req.History {
		role := llm.RoleUser
		if turn.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: turn.Text})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: req.UserText})
}
