// Package mock provides an in-memory tts.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Provider is a configurable fake synthesizer. It records every request and
// replays the configured chunks, optionally failing a fixed number of times
// first so retry paths can be exercised.
type Provider struct {
	mu sync.Mutex

	// Chunks is the audio emitted for each successful synthesis.
	Chunks [][]byte
	// Meta is returned by the metadata callback on success.
	Meta tts.Metadata
	// SynthesizeErr, when set, fails every call immediately.
	SynthesizeErr error
	// Failures makes the first N calls fail with SynthesizeErr (or a
	// generic error when unset) before succeeding.
	Failures int
	// Delay is waited before the first chunk is emitted, to simulate a
	// slow engine.
	Delay time.Duration

	calls []tts.Request
	fails int
}

// NewProvider returns a Provider emitting a single small chunk.
func NewProvider() *Provider {
	return &Provider{
		Chunks: [][]byte{{0x01, 0x02, 0x03}},
		Meta:   tts.Metadata{Duration: 500 * time.Millisecond, SampleRate: 24000},
	}
}

// Calls returns a copy of the recorded requests.
func (p *Provider) Calls() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// Reset clears recorded requests and failure counters.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.fails = 0
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, func() (tts.Metadata, error), error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	if p.SynthesizeErr != nil && p.Failures == 0 {
		p.mu.Unlock()
		return nil, nil, p.SynthesizeErr
	}
	if p.fails < p.Failures {
		p.fails++
		err := p.SynthesizeErr
		p.mu.Unlock()
		if err == nil {
			err = errSynthesis
		}
		return nil, nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	meta := p.Meta
	delay := p.Delay
	p.mu.Unlock()

	out := make(chan []byte, len(chunks))
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer close(done)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	metaFn := func() (tts.Metadata, error) {
		<-done
		if ctx.Err() != nil {
			return tts.Metadata{}, ctx.Err()
		}
		return meta, nil
	}
	return out, metaFn, nil
}

var errSynthesis = &synthErr{}

type synthErr struct{}

func (*synthErr) Error() string { return "mock: synthesis failed" }
