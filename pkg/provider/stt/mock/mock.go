// Package mock provides test doubles for the stt.Provider and stt.Stream
// interfaces.
//
// The mock stream records every audio chunk it receives and lets tests push
// results into the stream as if the engine had produced them:
//
//	p := mock.NewProvider()
//	s, _ := p.StartStream(ctx, cfg)
//	p.Stream().Push(stt.Result{Type: stt.ResultFinal, Text: "hi"})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/stt"
)

// Compile-time interface checks.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Stream   = (*Stream)(nil)
)

// Provider is a mock stt.Provider handing out mock Streams.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by StartStream.
	StartErr error

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig

	streams []*Stream
}

// NewProvider returns an empty mock provider.
func NewProvider() *Provider { return &Provider{} }

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Stream{
		results: make(chan stt.Result, 64),
		done:    make(chan struct{}),
	}
	p.streams = append(p.streams, s)
	return s, nil
}

// Stream returns the most recently started mock stream, or nil.
func (p *Provider) Stream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// Stream is a mock stt.Stream.
type Stream struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	chunks [][]byte

	results chan stt.Result
	done    chan struct{}
	once    sync.Once
}

// SendAudio implements stt.Stream.
func (s *Stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("mock: stream is closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.chunks = append(s.chunks, cp)
	return nil
}

// Results implements stt.Stream.
func (s *Stream) Results() <-chan stt.Result { return s.results }

// Close implements stt.Stream.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.results)
	})
	return nil
}

// Push delivers a result to the stream's consumer as if the engine had sent
// it. Pushing to a closed stream is a no-op.
func (s *Stream) Push(r stt.Result) {
	select {
	case <-s.done:
	case s.results <- r:
	}
}

// Chunks returns a copy of all audio chunks received so far.
func (s *Stream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
