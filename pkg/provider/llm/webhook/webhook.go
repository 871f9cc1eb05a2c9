// Package webhook provides an LLM provider that forwards completion requests
// to a user-operated HTTP endpoint.
//
// The wire contract is a single streamed POST. The request body is JSON:
//
//	{"messages": [{"role": "user", "content": "..."}], "temperature": 0.7}
//
// The response is newline-delimited JSON, one object per line:
//
//	{"delta": "Hello"}
//	{"delta": " there."}
//	{"done": true}
//
// A line of the form {"error": "..."} aborts the stream. Lines after
// {"done": true} are ignored.
package webhook

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voxbridge/voxbridge/pkg/provider/llm"
)

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider against a webhook endpoint.
type Provider struct {
	url    string
	client *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client. The client must not apply
// its own overall timeout; streaming responses can legitimately run for
// minutes, so deadlines come from the request context.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates a webhook Provider posting to url.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook: url must not be empty")
	}
	p := &Provider{
		url: url,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// request is the JSON body posted to the webhook.
type request struct {
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// line is one newline-delimited JSON object of the webhook response.
type line struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := json.Marshal(request{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook: post %s: %w", p.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("webhook: post %s: unexpected status %s", p.url, resp.Status)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		emit := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			var l line
			if err := json.Unmarshal(raw, &l); err != nil {
				emit(llm.Chunk{FinishReason: llm.FinishReasonError, Text: fmt.Sprintf("webhook: decode line: %v", err)})
				return
			}
			if l.Error != "" {
				emit(llm.Chunk{FinishReason: llm.FinishReasonError, Text: l.Error})
				return
			}
			if l.Done {
				emit(llm.Chunk{FinishReason: "stop"})
				return
			}
			if l.Delta != "" {
				if !emit(llm.Chunk{Text: l.Delta}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			emit(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
			return
		}
		// EOF without a done marker still terminates the turn cleanly.
		emit(llm.Chunk{FinishReason: "stop"})
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishReasonError {
			return buf.String(), fmt.Errorf("webhook: stream: %s", chunk.Text)
		}
		buf.WriteString(chunk.Text)
	}
	return buf.String(), nil
}
