// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface: one sentence in, a stream of binary audio chunks out,
// followed by a metadata record describing what was produced.
//
// Implementations must be safe for concurrent use. Serialization of requests
// per session is the caller's responsibility; providers may run multiple
// synthesis requests in parallel across sessions.
package tts

import (
	"context"
	"time"
)

// Request describes one sentence to synthesize.
type Request struct {
	// Text is the sentence to speak.
	Text string

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string

	// Rate is the speaking-rate multiplier in [0.5, 2.0]. Zero means 1.0.
	Rate float64

	// Pitch is the pitch multiplier in [0.5, 2.0]. Zero means 1.0.
	Pitch float64

	// Format is the requested audio container/encoding (e.g. "wav", "mp3").
	// Empty selects the provider default.
	Format string
}

// Metadata describes the audio produced for one request. It is delivered
// after the last audio chunk.
type Metadata struct {
	// Duration is the playback length of the synthesized audio.
	Duration time.Duration

	// SampleRate is the audio sample rate in Hz.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize speaks req.Text and emits binary audio chunks on the
	// returned channel. The channel is closed by the implementation when
	// synthesis finishes or ctx is cancelled; callers must drain it.
	//
	// The metadata function blocks until the stream has ended and then
	// returns the result: the final metadata on success, or the error that
	// aborted synthesis. The initial error return is non-nil only for
	// failures that prevent synthesis from starting.
	Synthesize(ctx context.Context, req Request) (<-chan []byte, func() (Metadata, error), error)
}
