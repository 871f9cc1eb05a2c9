// Package ingest turns the opaque stream of container-framed audio chunks
// from one session into interleaved 16-bit PCM for the STT engine, and
// decides when the user's current utterance has ended.
package ingest

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/pkg/audio/ogg"
)

// Utterance-end reasons reported to the OnUtteranceEnd callback.
const (
	ReasonSilence      = "silence"
	ReasonMaxUtterance = "max_utterance"
)

// defaultMinParseBytes is how much container data must accumulate before
// the first parse attempt.
const defaultMinParseBytes = 1024

// Callbacks receive the ingestor's output. OnPCM carries interleaved PCM
// for one push; OnUtteranceEnd fires at most once per utterance with the
// reason and the measured silence or elapsed duration in milliseconds.
// All callbacks are invoked without internal locks held and may call back
// into the ingestor.
type Callbacks struct {
	OnPCM            func(pcm []byte)
	OnUtteranceStart func()
	OnUtteranceEnd   func(reason string, ms int64)
}

// Option configures an [Ingestor].
type Option func(*Ingestor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) { i.log = l }
}

// WithMinParseBytes overrides the minimum buffered size before parsing.
func WithMinParseBytes(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.minParse = n
		}
	}
}

// WithNowFunc replaces the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// WithPassthrough disables container parsing: pushed bytes are forwarded to
// OnPCM unchanged. Utterance segmentation still applies. Used by ingress
// paths that deliver ready-to-send audio (e.g. raw Opus frames from a voice
// channel).
func WithPassthrough() Option {
	return func(i *Ingestor) { i.passthrough = true }
}

// Ingestor is the per-session audio ingestion pipeline. Safe for concurrent
// use, though pushes for one session normally arrive from a single reader
// goroutine.
type Ingestor struct {
	cfg      config.AudioConfig
	cb       Callbacks
	dec      Decoder
	parser   *ogg.Parser
	log      *slog.Logger
	now      func() time.Time
	minParse int

	passthrough bool

	mu             sync.Mutex
	buf            []byte
	active         bool
	lastAudio      time.Time
	utteranceStart time.Time
	closed         bool
	stopc          chan struct{}
}

// NewIngestor creates an ingestor decoding with dec. dec may be nil only
// with [WithPassthrough].
func NewIngestor(cfg config.AudioConfig, dec Decoder, cb Callbacks, opts ...Option) *Ingestor {
	i := &Ingestor{
		cfg:      cfg,
		cb:       cb,
		dec:      dec,
		parser:   ogg.NewParser(),
		log:      slog.Default(),
		now:      time.Now,
		minParse: defaultMinParseBytes,
		stopc:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Push feeds one audio chunk from the client. The last-audio timestamp is
// advanced on every push, even when no PCM can be extracted yet, so the
// silence timer never fires while data is merely buffering.
func (i *Ingestor) Push(data []byte) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}

	now := i.now()
	i.lastAudio = now

	started := false
	if !i.active {
		i.active = true
		i.utteranceStart = now
		started = true
	}

	var pcm []byte
	if i.passthrough {
		pcm = data
	} else {
		pcm = i.ingestLocked(data)
	}
	i.mu.Unlock()

	if started {
		if i.cb.OnUtteranceStart != nil {
			i.cb.OnUtteranceStart()
		}
		go i.monitor()
	}
	if len(pcm) > 0 && i.cb.OnPCM != nil {
		i.cb.OnPCM(pcm)
	}
}

// ingestLocked appends data to the container buffer and extracts whatever
// PCM is available. Caller holds i.mu.
func (i *Ingestor) ingestLocked(data []byte) []byte {
	i.buf = append(i.buf, data...)
	if over := len(i.buf) - i.cfg.BufferMaxBytes; over > 0 {
		// Trim the oldest bytes and restart packet assembly; a partial
		// packet whose head was trimmed can never complete.
		i.buf = i.buf[over:]
		i.parser.Reset()
		i.log.Warn("ingest: container buffer over cap, trimming",
			"trimmed_bytes", over)
	}
	if len(i.buf) < i.minParse {
		return nil
	}

	packets, consumed, err := i.parser.Consume(i.buf)
	switch {
	case err == nil, errors.Is(err, ogg.ErrShortData):
		i.buf = i.buf[consumed:]
	case errors.Is(err, ogg.ErrCorrupt):
		// Unrecoverable garbage: drop the buffer and keep listening.
		i.log.Warn("ingest: corrupt container data, dropping buffer",
			"dropped_bytes", len(i.buf))
		i.buf = nil
		i.parser.Reset()
	default:
		i.log.Warn("ingest: container parse failed", "error", err)
		i.buf = nil
		i.parser.Reset()
	}

	var out []byte
	for _, pkt := range packets {
		if pkt.IsOpusHead() || pkt.IsOpusTags() {
			continue
		}
		frame, err := i.dec.Decode(pkt.Data)
		if err != nil {
			// Decode errors are absorbed; the stream continues.
			i.log.Warn("ingest: dropping undecodable packet",
				"bytes", len(pkt.Data), "error", err)
			continue
		}
		if frame.SampleRate != opusSampleRate || frame.Channels != opusChannels {
			i.log.Warn("ingest: unexpected audio format",
				"sample_rate", frame.SampleRate, "channels", frame.Channels)
		}
		out = append(out, frame.Interleave()...)
	}
	return out
}

// monitor watches for silence and the max-utterance cap. It runs for the
// lifetime of one utterance and exits after firing OnUtteranceEnd.
func (i *Ingestor) monitor() {
	ticker := time.NewTicker(i.cfg.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-i.stopc:
			return
		case <-ticker.C:
			if i.checkOnce() {
				return
			}
		}
	}
}

// checkOnce applies the segmentation rules once. It returns true when the
// utterance is over and the monitor should exit.
func (i *Ingestor) checkOnce() bool {
	i.mu.Lock()
	if i.closed || !i.active {
		i.mu.Unlock()
		return true
	}
	now := i.now()

	if elapsed := now.Sub(i.utteranceStart); elapsed >= i.cfg.MaxUtterance() {
		i.endLocked()
		i.mu.Unlock()
		i.fireEnd(ReasonMaxUtterance, elapsed)
		return true
	}
	if quiet := now.Sub(i.lastAudio); quiet >= i.cfg.SilenceThreshold() {
		i.endLocked()
		i.mu.Unlock()
		i.fireEnd(ReasonSilence, quiet)
		return true
	}
	i.mu.Unlock()
	return false
}

// endLocked resets per-utterance state. Caller holds i.mu.
func (i *Ingestor) endLocked() {
	i.active = false
	i.buf = nil
	i.parser.Reset()
}

func (i *Ingestor) fireEnd(reason string, d time.Duration) {
	if i.cb.OnUtteranceEnd != nil {
		i.cb.OnUtteranceEnd(reason, d.Milliseconds())
	}
}

// Active reports whether an utterance is currently in progress.
func (i *Ingestor) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active && !i.closed
}

// Close stops the monitor and discards buffered data; subsequent pushes
// are ignored. Idempotent.
func (i *Ingestor) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.closed = true
	i.active = false
	i.buf = nil
	close(i.stopc)
}
