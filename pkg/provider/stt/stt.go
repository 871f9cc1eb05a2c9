// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription engine and exposes a
// uniform streaming interface. The central abstraction is [Stream]: once
// opened, a stream accepts binary audio payloads and emits [Result] values
// carrying partial and final transcripts.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by [Stream.SendAudio] and surfaced as an error
// result when the engine cannot be reached and reconnection has been
// exhausted, or when the engine fails its health probes.
var ErrUnavailable = errors.New("stt: engine unavailable")

// Format identifies the audio encoding of a stream. It is announced once
// when the stream opens and is immutable for the stream's lifetime.
type Format string

const (
	// FormatOpus carries raw Opus frames from voice-channel ingress.
	FormatOpus Format = "opus"

	// FormatPCM carries interleaved 16-bit little-endian PCM decoded from
	// browser clients.
	FormatPCM Format = "pcm"
)

// ResultType classifies a [Result].
type ResultType string

const (
	// ResultPartial is a low-latency interim transcript. Partials within one
	// utterance arrive in the order the engine produced them.
	ResultPartial ResultType = "partial"

	// ResultFinal is the authoritative transcript ending the current
	// utterance's recognition phase. It is always the last result of an
	// utterance.
	ResultFinal ResultType = "final"

	// ResultSilence reports that the engine detected no speech in the audio
	// it was given.
	ResultSilence ResultType = "silence"

	// ResultError carries an engine-side failure. Text holds the message.
	ResultError ResultType = "error"
)

// Result is one transcription message from the engine.
type Result struct {
	// Type classifies the result.
	Type ResultType `json:"type"`

	// Text is the transcript (or the error message for [ResultError]).
	Text string `json:"text"`

	// Confidence is the engine's confidence in [0, 1], when reported.
	Confidence float64 `json:"confidence,omitempty"`

	// Language is the detected BCP-47 language tag, when reported.
	Language string `json:"language,omitempty"`
}

// StreamConfig describes a new recognition stream.
type StreamConfig struct {
	// SessionID identifies the conversation session this stream serves.
	SessionID string

	// Format is the audio encoding for the stream's lifetime.
	Format Format

	// SampleRate is the audio sample rate in Hz. Only meaningful for
	// [FormatPCM].
	SampleRate int

	// Channels is the channel count of the PCM audio. Only meaningful for
	// [FormatPCM].
	Channels int

	// Language is an optional BCP-47 recognition hint. Empty lets the engine
	// auto-detect.
	Language string
}

// Stream is an open recognition stream. Callers must call Close when the
// stream is no longer needed; failing to do so leaks goroutines and the
// underlying connection. All methods are safe for concurrent use.
type Stream interface {
	// SendAudio delivers one binary audio payload to the engine. While the
	// provider is reconnecting the payload is buffered and flushed after the
	// stream is re-established. Returns [ErrUnavailable] once reconnection
	// is exhausted, and an error after Close.
	SendAudio(chunk []byte) error

	// Results returns the read-only channel of transcription results. The
	// channel is closed when the stream ends.
	Results() <-chan Result

	// Close terminates the stream and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider opens recognition streams. Multiple streams may be open
// simultaneously, one per session.
type Provider interface {
	// StartStream opens a new recognition stream. The returned Stream is
	// ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
