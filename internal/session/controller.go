package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/event"
	llmgw "github.com/voxbridge/voxbridge/internal/gateway/llm"
	ttsgw "github.com/voxbridge/voxbridge/internal/gateway/tts"
	"github.com/voxbridge/voxbridge/internal/ingest"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/transcript"
	"github.com/voxbridge/voxbridge/internal/transport"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/store"
)

// State names the session's position in the listen/think/speak cycle.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateFinalizing State = "finalizing"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateTerminated State = "terminated"
)

// ErrAlreadyConnected is returned when a second client attaches to a session
// that already has a live connection.
var ErrAlreadyConnected = errors.New("session: already connected")

// Link is the outbound side of a client connection: ordered event delivery
// plus binary audio. *transport.ClientChannel implements it.
type Link interface {
	Deliver(ev event.Event) error
	SendAudio(chunk []byte) error
}

// Hub attaches client connections to session controllers. It implements
// transport.SessionHandler.
type Hub struct {
	manager *Manager
	bus     *event.Bus
	cfg     *config.Config
	sttProv stt.Provider
	llm     *llmgw.Gateway
	ttsProv tts.Provider
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]*Controller
}

var _ transport.SessionHandler = (*Hub)(nil)

// NewHub wires the pipeline dependencies for all sessions.
func NewHub(manager *Manager, bus *event.Bus, cfg *config.Config, sttProv stt.Provider, gw *llmgw.Gateway, ttsProv tts.Provider, metrics *observe.Metrics, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Hub{
		manager: manager,
		bus:     bus,
		cfg:     cfg,
		sttProv: sttProv,
		llm:     gw,
		ttsProv: ttsProv,
		metrics: metrics,
		log:     log,
		active:  make(map[string]*Controller),
	}
}

// Connect resolves the session, attaches the client channel to the event bus
// and returns a live controller. The session must already exist; creating
// sessions is the management API's job.
func (h *Hub) Connect(ctx context.Context, sessionID, userID string, ch *transport.ClientChannel) (transport.Conn, error) {
	entry, err := h.manager.GetOrCreate(ctx, sessionID, userID, "", "web")
	if err != nil {
		return nil, err
	}

	c := h.newController(entry, userID, ch)

	h.mu.Lock()
	if _, ok := h.active[sessionID]; ok {
		h.mu.Unlock()
		c.cancel()
		return nil, fmt.Errorf("session: %s: %w", sessionID, ErrAlreadyConnected)
	}
	h.active[sessionID] = c
	h.mu.Unlock()

	h.bus.Attach(sessionID, ch)
	h.metrics.ActiveSessions.Add(ctx, 1)
	return c, nil
}

// StartSession creates and attaches a session in one step, for ingress paths
// that own session creation themselves (the Discord bot).
func (h *Hub) StartSession(ctx context.Context, userID, agentID, channelType string, link Link) (*Controller, error) {
	entry, err := h.manager.GetOrCreate(ctx, "", userID, agentID, channelType)
	if err != nil {
		return nil, err
	}
	sessionID := entry.Session().ID

	c := h.newController(entry, userID, link)
	h.mu.Lock()
	h.active[sessionID] = c
	h.mu.Unlock()

	h.bus.Attach(sessionID, link)
	h.metrics.ActiveSessions.Add(ctx, 1)
	return c, nil
}

func (h *Hub) newController(entry *Entry, userID string, link Link) *Controller {
	sess := entry.Session()
	agent := entry.Agent()
	ctx, cancel := context.WithCancel(context.Background())

	vocabulary := append([]string{agent.Name}, agent.Vocabulary...)
	return &Controller{
		hub:       h,
		entry:     entry,
		sessionID: sess.ID,
		userID:    userID,
		agent:     agent,
		channel:   sess.ChannelType,
		ch:        link,
		corrector: transcript.NewCorrector(vocabulary),
		stats:     NewStats(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		format:    stt.FormatPCM,
		log:       h.log.With("session_id", sess.ID, "user_id", userID),
	}
}

// Snapshot merges the stats of all live sessions into one server-wide view.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	snaps := make([]Snapshot, 0, len(h.active))
	for _, c := range h.active {
		snaps = append(snaps, c.stats.Snapshot())
	}
	h.mu.Unlock()
	return MergeSnapshots(snaps...)
}

// ListActive returns the ids of sessions with a live connection.
func (h *Hub) ListActive() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	return ids
}

// Close ends every live session in parallel. Used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	cs := make([]*Controller, 0, len(h.active))
	for _, c := range h.active {
		cs = append(cs, c)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	for _, c := range cs {
		g.Go(func() error { return c.End(ctx) })
	}
	_ = g.Wait()
}

func (h *Hub) remove(sessionID string) {
	h.mu.Lock()
	delete(h.active, sessionID)
	h.mu.Unlock()
}

// cycle holds the timing marks of one user→assistant exchange.
type cycle struct {
	correlationID  string
	utteranceStart time.Time
	firstPartial   time.Time
	finalAt        time.Time
	llmStart       time.Time
	llmFirst       time.Time
	firstAudio     time.Time
	lastAudio      time.Time
}

// Controller runs the state machine for one connected session. It implements
// transport.Conn; the transport read loop drives PushAudio and the control
// events, everything else is internal goroutines.
type Controller struct {
	hub       *Hub
	entry     *Entry
	sessionID string
	userID    string
	agent     store.Agent
	channel   string
	ch        Link
	corrector *transcript.Corrector
	stats     *Stats
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	format     stt.Format
	ing        *ingest.Ingestor
	sttStream  stt.Stream
	cyc        *cycle
	turnCancel context.CancelFunc

	wg      sync.WaitGroup
	endOnce sync.Once
	endErr  error
}

var _ transport.Conn = (*Controller)(nil)

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the session this controller drives.
func (c *Controller) SessionID() string { return c.sessionID }

// SetFormat declares the inbound audio encoding. The format is locked once
// the first audio arrives.
func (c *Controller) SetFormat(format string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ing != nil {
		return errors.New("session: audio format is locked after the first audio frame")
	}
	switch format {
	case string(stt.FormatOpus):
		c.format = stt.FormatOpus
	case string(stt.FormatPCM):
		c.format = stt.FormatPCM
	default:
		return fmt.Errorf("session: unknown audio format %q", format)
	}
	return nil
}

// PushAudio feeds one inbound audio container chunk into the pipeline.
func (c *Controller) PushAudio(chunk []byte) {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	if c.ing == nil {
		ing, err := c.newIngestor()
		if err != nil {
			// Audio-layer failures are absorbed locally; the chunk is lost.
			c.mu.Unlock()
			c.log.Error("audio decoder init failed", "error", err)
			return
		}
		c.ing = ing
	}
	ing := c.ing
	c.mu.Unlock()

	ing.Push(chunk)
}

// newIngestor builds the per-session ingestor for the locked format. Opus
// voice-channel audio bypasses container decoding; the STT engine consumes
// the raw packets.
func (c *Controller) newIngestor() (*ingest.Ingestor, error) {
	var opts []ingest.Option
	opts = append(opts, ingest.WithLogger(c.log))
	var dec ingest.Decoder
	if c.format == stt.FormatOpus {
		opts = append(opts, ingest.WithPassthrough())
	} else {
		d, err := ingest.NewOpusDecoder()
		if err != nil {
			return nil, err
		}
		dec = d
	}
	cb := ingest.Callbacks{
		OnPCM:            c.onPCM,
		OnUtteranceStart: c.onUtteranceStart,
		OnUtteranceEnd:   c.onUtteranceEnd,
	}
	return ingest.NewIngestor(c.hub.cfg.Audio, dec, cb, opts...), nil
}

// Interrupt cancels the in-flight assistant turn. The partially synthesized
// sentence is discarded and the session returns to idle.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	cancel := c.turnCancel
	if c.state == StateThinking || c.state == StateSpeaking {
		c.state = StateIdle
	}
	c.turnCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		c.log.Info("assistant turn interrupted")
		cancel()
	}
}

// End tears the session down: all pipeline tasks are cancelled, the STT
// stream closed, the session marked inactive. Safe to call repeatedly; only
// the first call writes to the store.
func (c *Controller) End(ctx context.Context) error {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.state = StateTerminated
		ing := c.ing
		stream := c.sttStream
		c.sttStream = nil
		c.mu.Unlock()

		c.cancel()
		if ing != nil {
			ing.Close()
		}
		if stream != nil {
			_ = stream.Close()
		}

		// Let in-flight goroutines notice the cancellation before the bus
		// detaches, bounded by the caller's deadline.
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}

		c.hub.bus.Detach(c.sessionID)
		c.hub.remove(c.sessionID)
		c.hub.metrics.ActiveSessions.Add(context.Background(), -1)
		c.endErr = c.hub.manager.End(ctx, c.sessionID)
		c.log.Info("session ended")
	})
	return c.endErr
}

// ─── Ingestion callbacks ─────────────────────────────────────────────────────

func (c *Controller) onUtteranceStart() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	if c.sttStream == nil {
		stream, err := c.openSTT()
		if err != nil {
			c.mu.Unlock()
			c.log.Error("stt stream open failed", "error", err)
			c.serviceError("stt", err, true)
			return
		}
		c.sttStream = stream
	}
	c.state = StateListening
	c.cyc = &cycle{
		correlationID:  event.NewCorrelationID(),
		utteranceStart: time.Now(),
	}
	corrID := c.cyc.correlationID
	c.mu.Unlock()

	c.emit(event.KindUtteranceStart, corrID, nil)
	go c.hub.manager.Touch(c.ctx, c.entry)
}

// openSTT dials the recognition stream and starts its result reader. Called
// with the controller lock held.
func (c *Controller) openSTT() (stt.Stream, error) {
	start := time.Now()
	stream, err := c.hub.sttProv.StartStream(c.ctx, stt.StreamConfig{
		SessionID:  c.sessionID,
		Format:     c.format,
		SampleRate: 48_000,
		Channels:   2,
		Language:   c.hub.cfg.STT.Language,
	})
	if err != nil {
		return nil, err
	}
	c.stats.Observe(MetricSTTConnect, time.Since(start))

	c.wg.Add(1)
	go c.readResults(stream)
	return stream, nil
}

func (c *Controller) onPCM(pcm []byte) {
	c.mu.Lock()
	stream := c.sttStream
	c.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.SendAudio(pcm); err != nil {
		c.log.Warn("stt send failed", "error", err)
		c.mu.Lock()
		if c.sttStream == stream {
			c.sttStream = nil
		}
		inUtterance := c.state == StateListening || c.state == StateFinalizing
		if inUtterance {
			c.state = StateIdle
		}
		c.mu.Unlock()
		_ = stream.Close()
		if inUtterance {
			c.serviceError("stt", err, true)
		}
	}
}

func (c *Controller) onUtteranceEnd(reason string, ms int64) {
	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		return
	}
	c.state = StateFinalizing
	corrID := c.cyc.correlationID
	c.mu.Unlock()

	payload := event.StopListening{Reason: reason}
	switch reason {
	case ingest.ReasonSilence:
		payload.SilenceMS = ms
		c.stats.Observe(MetricSilenceDetection, time.Duration(ms)*time.Millisecond)
	case ingest.ReasonMaxUtterance:
		payload.ElapsedMS = ms
	}
	c.emit(event.KindStopListening, corrID, payload)
}

// ─── STT results ─────────────────────────────────────────────────────────────

// readResults consumes one recognition stream for as long as it lives.
func (c *Controller) readResults(stream stt.Stream) {
	defer c.wg.Done()
	for res := range stream.Results() {
		switch res.Type {
		case stt.ResultPartial:
			c.onPartial(res)
		case stt.ResultFinal:
			c.onFinal(res)
		case stt.ResultSilence:
			// Engine-side silence marker; segmentation is the ingestor's job.
		case stt.ResultError:
			c.log.Warn("stt engine error", "message", res.Text)
			c.mu.Lock()
			inUtterance := c.state == StateListening || c.state == StateFinalizing
			if inUtterance {
				c.state = StateIdle
			}
			c.mu.Unlock()
			if inUtterance {
				c.serviceError("stt", errors.New(res.Text), true)
			}
		}
	}

	c.mu.Lock()
	terminated := c.state == StateTerminated
	if c.sttStream == stream {
		c.sttStream = nil
	}
	c.mu.Unlock()
	if !terminated {
		c.log.Warn("stt stream closed, will redial on next utterance")
	}
}

func (c *Controller) onPartial(res stt.Result) {
	c.mu.Lock()
	if c.state != StateListening && c.state != StateFinalizing {
		c.mu.Unlock()
		return
	}
	if c.cyc.firstPartial.IsZero() {
		c.cyc.firstPartial = time.Now()
		c.stats.Observe(MetricSTTFirstPartial, c.cyc.firstPartial.Sub(c.cyc.utteranceStart))
	}
	corrID := c.cyc.correlationID
	c.mu.Unlock()

	c.emit(event.KindPartialTranscript, corrID, event.Text{Text: res.Text})
}

// onFinal closes the STT phase of the utterance and launches the assistant
// turn.
func (c *Controller) onFinal(res stt.Result) {
	c.mu.Lock()
	if c.state != StateListening && c.state != StateFinalizing {
		c.mu.Unlock()
		return
	}
	c.state = StateThinking
	cyc := c.cyc
	cyc.finalAt = time.Now()
	c.stats.Observe(MetricSTTDuration, cyc.finalAt.Sub(cyc.utteranceStart))

	turnCtx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	c.mu.Unlock()

	text := res.Text
	if c.corrector.Enabled() {
		corrected, corrections := c.corrector.Correct(text)
		if len(corrections) > 0 {
			c.log.Debug("transcript corrected", "corrections", len(corrections))
		}
		text = corrected
	}

	c.emit(event.KindFinalTranscript, cyc.correlationID, event.Text{Text: text})

	c.wg.Add(1)
	go c.runTurn(turnCtx, text, cyc)
}

// ─── Assistant turn ──────────────────────────────────────────────────────────

// runTurn persists the user turn, streams the assistant response through
// sentence-level synthesis and commits the assistant turn. It owns the
// thinking and speaking states.
func (c *Controller) runTurn(ctx context.Context, userText string, cyc *cycle) {
	defer c.wg.Done()
	corrID := cyc.correlationID

	ctx, span := observe.StartSpan(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", c.sessionID),
		attribute.String("correlation.id", corrID),
	))
	defer span.End()
	log := observe.SpanLogger(ctx, c.log)

	c.entry.Lock()
	history := c.hub.manager.Context(ctx, c.entry, c.hub.cfg.Cache.MaxTurns)
	userTurnID, err := c.hub.manager.AppendTurn(ctx, c.entry, store.Turn{
		Role:         store.RoleUser,
		Text:         userText,
		STTLatencyMS: cyc.finalAt.Sub(cyc.utteranceStart).Milliseconds(),
	})
	c.entry.Unlock()
	if err != nil {
		log.Error("user turn append failed", "error", err)
		c.toIdle()
		c.serviceError("store", err, true)
		return
	}
	c.emit(event.KindMessageSaved, corrID, event.MessageSaved{TurnID: userTurnID, Role: store.RoleUser})

	cyc.llmStart = time.Now()
	fragments, wait, err := c.hub.llm.Stream(ctx, llmgw.Request{
		Agent:    c.agent,
		History:  history,
		UserText: userText,
	})
	if err != nil {
		log.Error("llm stream open failed", "error", err)
		c.toIdle()
		c.serviceError("llm", err, true)
		c.recordError(ctx, "llm")
		return
	}

	queue := c.newTTSQueue(cyc)
	extractor := llmgw.NewExtractor(c.hub.cfg.Sentence.MinLength, c.hub.cfg.Sentence.UseClauseSplitting)
	sentenceIndex := 0

	for frag := range fragments {
		c.mu.Lock()
		if c.state == StateThinking {
			c.state = StateSpeaking
			cyc.llmFirst = time.Now()
			c.stats.Observe(MetricLLMFirstFragment, cyc.llmFirst.Sub(cyc.llmStart))
			c.mu.Unlock()
			c.emit(event.KindAIResponseStart, corrID, nil)
		} else if c.state != StateSpeaking {
			// Interrupted or terminated; keep draining so wait() returns.
			c.mu.Unlock()
			continue
		} else {
			c.mu.Unlock()
		}

		c.emit(event.KindAIResponseChunk, corrID, event.Text{Text: frag})
		for _, s := range extractor.Feed(frag) {
			c.enqueueSentence(queue, sentenceIndex, s)
			sentenceIndex++
		}
	}

	full, streamErr := wait()

	if ctx.Err() != nil {
		// Interrupt or session close. Discard in-flight synthesis, emit
		// nothing further for this cycle.
		queue.Close()
		c.toIdle()
		return
	}

	if tail := extractor.Flush(); tail != "" {
		c.enqueueSentence(queue, sentenceIndex, tail)
		sentenceIndex++
	}
	queue.Drain()
	queue.Close()
	llmDuration := time.Since(cyc.llmStart)

	if streamErr != nil {
		log.Warn("llm stream failed", "error", streamErr, "partial_chars", len(full))
		c.serviceError("llm", streamErr, true)
		c.recordError(ctx, "llm")
	}

	if full != "" || streamErr == nil {
		c.emit(event.KindAIResponseComplete, corrID, event.Text{Text: full})
	}
	if full != "" {
		c.entry.Lock()
		assistantTurnID, aerr := c.hub.manager.AppendTurn(ctx, c.entry, store.Turn{
			Role:         store.RoleAssistant,
			Text:         full,
			LLMLatencyMS: llmDuration.Milliseconds(),
			TTSLatencyMS: cyc.lastAudio.Sub(cyc.firstAudio).Milliseconds(),
		})
		c.entry.Unlock()
		if aerr != nil {
			log.Error("assistant turn append failed", "error", aerr)
			c.serviceError("store", aerr, true)
		} else {
			c.emit(event.KindMessageSaved, corrID, event.MessageSaved{TurnID: assistantTurnID, Role: store.RoleAssistant})
		}
	}

	c.finishCycle(ctx, cyc, llmDuration)
	c.toIdle()
}

// newTTSQueue builds the per-turn synthesis queue. Audio chunks go straight
// onto the client channel's writer queue, so tts_complete (enqueued by
// OnComplete after the last chunk) cannot overtake them.
func (c *Controller) newTTSQueue(cyc *cycle) *ttsgw.Queue {
	corrID := cyc.correlationID
	cb := ttsgw.Callbacks{
		OnStart: func(index int, text string) {
			c.emit(event.KindTTSStart, corrID, event.TTSStart{SentenceIndex: index, Text: text})
		},
		OnChunk: func(index int, chunk []byte) error {
			if err := c.ch.SendAudio(chunk); err != nil {
				return err
			}
			now := time.Now()
			c.mu.Lock()
			if cyc.firstAudio.IsZero() {
				cyc.firstAudio = now
				c.stats.Observe(MetricTimeToFirstAudio, now.Sub(cyc.utteranceStart))
			}
			cyc.lastAudio = now
			c.mu.Unlock()
			return nil
		},
		OnComplete: func(index int, meta tts.Metadata) {
			c.stats.Observe(MetricTTSSentence, meta.Duration)
			c.emit(event.KindTTSComplete, corrID, event.TTSComplete{SentenceIndex: index})
		},
		OnError: func(index int, err error) {
			c.serviceError("tts", fmt.Errorf("sentence %d: %w", index, err), true)
			c.recordError(context.Background(), "tts")
			c.hub.metrics.RecordDroppedSentence(context.Background())
		},
	}
	return ttsgw.NewQueue(c.hub.ttsProv, c.hub.cfg.TTS, cb, ttsgw.WithLogger(c.log))
}

func (c *Controller) enqueueSentence(queue *ttsgw.Queue, index int, text string) {
	voice := c.agent.TTS.Voice
	if voice == "" {
		voice = c.hub.cfg.TTS.DefaultVoice
	}
	// Voice-channel sessions need raw PCM for re-encoding; web clients get a
	// self-describing container.
	format := "wav"
	if c.channel == "discord" {
		format = "pcm"
	}
	err := queue.Enqueue(index, tts.Request{
		Text:   text,
		Voice:  voice,
		Rate:   c.agent.TTS.Rate,
		Pitch:  c.agent.TTS.Pitch,
		Format: format,
	})
	if err != nil {
		c.log.Warn("sentence enqueue failed", "index", index, "error", err)
	}
}

// finishCycle samples the turn's latencies and publishes metrics_updated.
func (c *Controller) finishCycle(ctx context.Context, cyc *cycle, llmDuration time.Duration) {
	c.stats.Observe(MetricLLMDuration, llmDuration)
	if !cyc.firstAudio.IsZero() {
		c.stats.Observe(MetricAudioStream, cyc.lastAudio.Sub(cyc.firstAudio))
		c.stats.Observe(MetricPipelineTotal, cyc.lastAudio.Sub(cyc.utteranceStart))
	} else {
		c.stats.Observe(MetricPipelineTotal, time.Since(cyc.utteranceStart))
	}
	c.stats.CountTurn()

	m := c.hub.metrics
	m.RecordTurn(ctx, c.channel)
	m.STTDuration.Record(ctx, cyc.finalAt.Sub(cyc.utteranceStart).Seconds())
	m.LLMDuration.Record(ctx, llmDuration.Seconds())
	if !cyc.llmFirst.IsZero() {
		m.LLMFirstFragment.Record(ctx, cyc.llmFirst.Sub(cyc.llmStart).Seconds())
	}
	if !cyc.firstAudio.IsZero() {
		m.TimeToFirstAudio.Record(ctx, cyc.firstAudio.Sub(cyc.utteranceStart).Seconds())
		m.TTSDuration.Record(ctx, cyc.lastAudio.Sub(cyc.firstAudio).Seconds())
		m.PipelineDuration.Record(ctx, cyc.lastAudio.Sub(cyc.utteranceStart).Seconds())
	}

	c.emit(event.KindMetricsUpdated, cyc.correlationID, c.stats.Snapshot())
}

// ─── Emission helpers ────────────────────────────────────────────────────────

// emit publishes one event on the bus; the bus handles the session channel
// and the observer fan-out.
func (c *Controller) emit(kind event.Kind, correlationID string, payload any) {
	c.hub.bus.Publish(event.Event{
		Kind:          kind,
		SessionID:     c.sessionID,
		UserID:        c.userID,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}

func (c *Controller) serviceError(source string, err error, recoverable bool) {
	c.stats.CountError()
	c.mu.Lock()
	var corrID string
	if c.cyc != nil {
		corrID = c.cyc.correlationID
	}
	c.mu.Unlock()
	c.emit(event.KindServiceError, corrID, event.ServiceError{
		Source:      source,
		Message:     err.Error(),
		Recoverable: recoverable,
	})
}

func (c *Controller) recordError(ctx context.Context, source string) {
	c.hub.metrics.RecordPipelineError(ctx, source, true)
}

// toIdle returns the state machine to idle unless the session is already
// terminated.
func (c *Controller) toIdle() {
	c.mu.Lock()
	if c.state != StateTerminated {
		c.state = StateIdle
	}
	c.turnCancel = nil
	c.mu.Unlock()
}
