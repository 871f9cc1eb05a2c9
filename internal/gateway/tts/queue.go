// Package tts delivers synthesized audio for each extracted sentence of a
// session, strictly in emission order.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("tts: queue closed")

// sentenceBudget bounds one sentence including all retries.
const sentenceBudget = 60 * time.Second

// retryBackoff paces synthesis retries within the sentence budget.
var retryBackoff = resilience.Backoff{Initial: 500 * time.Millisecond, Max: 5 * time.Second}

// queueDepth bounds how many sentences may wait for synthesis. The LLM
// produces sentences far faster than they are spoken, so this mostly tracks
// one response's worth of backlog.
const queueDepth = 64

// Callbacks receive the per-sentence delivery protocol. OnChunk is called
// synchronously for every audio chunk and must not return until the chunk
// has been handed to the transport; OnComplete fires only after the last
// chunk of that sentence was delivered. OnError reports a dropped sentence
// after all retries failed. Callbacks run on the queue's worker goroutine.
type Callbacks struct {
	OnStart    func(index int, text string)
	OnChunk    func(index int, chunk []byte) error
	OnComplete func(index int, meta tts.Metadata)
	OnError    func(index int, err error)
}

// Option configures a [Queue].
type Option func(*Queue)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// sentence is one queued synthesis job.
type sentence struct {
	index int
	req   tts.Request
}

// Queue is the per-session ordered synthesis queue. A single worker
// synthesizes at most one sentence at a time, so audio reaches the client
// in sentence order without client-side re-sequencing.
type Queue struct {
	prov tts.Provider
	cfg  config.TTSConfig
	cb   Callbacks
	log  *slog.Logger

	items  chan sentence
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewQueue creates the queue and starts its worker.
func NewQueue(prov tts.Provider, cfg config.TTSConfig, cb Callbacks, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		prov:   prov,
		cfg:    cfg,
		cb:     cb,
		log:    slog.Default(),
		items:  make(chan sentence, queueDepth),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Enqueue schedules one sentence. Index must reflect LLM emission order;
// delivery follows enqueue order regardless.
func (q *Queue) Enqueue(index int, req tts.Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending.Add(1)
	q.mu.Unlock()

	select {
	case q.items <- sentence{index: index, req: req}:
		return nil
	case <-q.ctx.Done():
		q.pending.Done()
		return ErrClosed
	}
}

// Drain blocks until every sentence enqueued so far has been delivered or
// dropped. Call after the last Enqueue of a response to order the
// response-complete event after all audio.
func (q *Queue) Drain() {
	q.pending.Wait()
}

// Close aborts the in-flight sentence, discards the backlog and stops the
// worker. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done

	// Release Drain callers waiting on discarded backlog.
	for {
		select {
		case <-q.items:
			q.pending.Done()
		default:
			return
		}
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-q.items:
			q.deliver(item)
			q.pending.Done()
		}
	}
}

// deliver synthesizes one sentence and forwards its audio. Retries apply
// only while no chunk has been forwarded yet; once audio reached the
// transport a retry would duplicate playback, so a mid-stream failure drops
// the sentence instead.
func (q *Queue) deliver(item sentence) {
	if q.cb.OnStart != nil {
		q.cb.OnStart(item.index, item.req.Text)
	}

	ctx, cancel := context.WithTimeout(q.ctx, sentenceBudget)
	defer cancel()

	var meta tts.Metadata
	var midStream error
	attempts := q.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	err := resilience.Retry(ctx, "tts synthesis", attempts, retryBackoff, func() error {
		chunks, wait, err := q.prov.Synthesize(ctx, item.req)
		if err != nil {
			return err
		}

		forwarded := false
		for chunk := range chunks {
			if q.cb.OnChunk != nil {
				if err := q.cb.OnChunk(item.index, chunk); err != nil {
					midStream = fmt.Errorf("tts: forward chunk: %w", err)
					return nil // do not retry past delivered audio
				}
			}
			forwarded = true
		}
		m, err := wait()
		if err != nil {
			if forwarded {
				midStream = err
				return nil
			}
			return err
		}
		meta = m
		return nil
	})

	switch {
	case midStream != nil:
		q.dropSentence(item, midStream)
	case err != nil:
		q.dropSentence(item, err)
	default:
		if q.cb.OnComplete != nil {
			q.cb.OnComplete(item.index, meta)
		}
	}
}

func (q *Queue) dropSentence(item sentence, err error) {
	// A sentence cut off by Close was interrupted, not failed; reporting it
	// would surface a synthesis error for every barge-in.
	if q.ctx.Err() != nil {
		q.log.Debug("tts: sentence discarded on close", "sentence_index", item.index)
		return
	}
	q.log.Warn("tts: dropping sentence",
		"sentence_index", item.index, "error", err)
	if q.cb.OnError != nil {
		q.cb.OnError(item.index, err)
	}
}
