package event

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultObserverBuffer = 256
	defaultWriteTimeout   = time.Second
)

// Sink receives events for a single session, in emission order. The client
// transport implements Sink; delivery errors are logged by the bus and never
// affect other subscribers.
type Sink interface {
	Deliver(ev Event) error
}

// Option configures a [Bus] during construction.
type Option func(*Bus)

// WithObserverBuffer sets the per-observer buffer size. When an observer's
// buffer fills, the oldest buffered event is dropped to admit the new one.
// The default is 256.
func WithObserverBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.observerBuffer = n
		}
	}
}

// WithWriteTimeout bounds how long Publish waits on a contended observer
// buffer before dropping the event outright. The default is 1 second.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// Bus fans events out to the owning session's Sink and, for conversation
// events, to every observer subscription. Publishing is safe for concurrent
// use; events published by a single goroutine reach each receiver in
// publication order.
type Bus struct {
	mu        sync.RWMutex
	sinks     map[string]Sink // session id → client sink
	observers map[*Subscription]struct{}
	closed    bool

	observerBuffer int
	writeTimeout   time.Duration
	log            *slog.Logger
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		sinks:          make(map[string]Sink),
		observers:      make(map[*Subscription]struct{}),
		observerBuffer: defaultObserverBuffer,
		writeTimeout:   defaultWriteTimeout,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers the client sink for a session, replacing any previous one.
func (b *Bus) Attach(sessionID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.sinks[sessionID] = sink
}

// Detach removes the session's sink. Events published afterwards are still
// broadcast to observers.
func (b *Bus) Detach(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, sessionID)
}

// Subscription is one observer's view of the bus. Events arrive on C until
// Cancel is called or the bus shuts down, after which C is closed.
type Subscription struct {
	C <-chan Event

	bus *Bus
	ch  chan Event

	mu     sync.Mutex
	closed bool
}

// Cancel removes the subscription and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	delete(s.bus.observers, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe registers a new observer. The caller must drain C or accept that
// old events are dropped once the buffer fills.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, b.observerBuffer)}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.observers[sub] = struct{}{}
	return sub
}

// Publish delivers ev to the session's sink and, when [Observed] reports the
// kind as conversation-relevant, to every observer. A missing or failing sink
// never blocks the observer copies. A zero Timestamp is stamped here.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	sink := b.sinks[ev.SessionID]
	var subs []*Subscription
	if Observed(ev.Kind) {
		subs = make([]*Subscription, 0, len(b.observers))
		for s := range b.observers {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	if sink != nil {
		if err := sink.Deliver(ev); err != nil {
			b.log.Warn("event: session delivery failed",
				"session_id", ev.SessionID, "kind", ev.Kind, "error", err)
		}
	}
	for _, s := range subs {
		b.offer(s, ev)
	}
}

// offer enqueues ev on one observer, evicting the oldest buffered event when
// the buffer is full. If the buffer stays contended past the write timeout
// the event is dropped.
func (b *Bus) offer(s *Subscription, ev Event) {
	// The subscription lock serializes against Cancel closing the channel.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	deadline := time.Now().Add(b.writeTimeout)
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		if time.Now().After(deadline) {
			b.log.Warn("event: observer buffer contended, dropping event",
				"session_id", ev.SessionID, "kind", ev.Kind)
			return
		}
		// Drop-oldest. A concurrent reader may win the race for the head;
		// either way the loop makes room and retries.
		select {
		case <-s.ch:
		default:
		}
	}
}

// Close detaches all sinks and closes every observer channel. Publish becomes
// a no-op for observers afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.observers))
	for s := range b.observers {
		subs = append(subs, s)
	}
	b.sinks = make(map[string]Sink)
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}
