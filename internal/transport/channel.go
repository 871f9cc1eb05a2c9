// Package transport carries the client-facing WebSocket protocol: JSON control
// frames for events and binary frames for audio, multiplexed over a single
// connection per session plus a process-wide observer endpoint.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/event"
)

// ErrChannelClosed is returned by Deliver and SendAudio once the underlying
// connection has failed or been closed.
var ErrChannelClosed = errors.New("transport: channel is closed")

const (
	// writeTimeout bounds a single frame write to a misbehaving client.
	writeTimeout = 10 * time.Second

	// frameQueueDepth is the writer queue capacity. Audio chunks and control
	// frames share the queue so their relative order is preserved.
	frameQueueDepth = 128
)

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// ClientChannel is the session-side half of a client connection. All outbound
// traffic funnels through a single writer goroutine consuming an ordered
// queue, so an event enqueued after an audio chunk is always written after it.
// That is what guarantees a client never sees tts_complete before the last
// binary chunk of the sentence it names.
type ClientChannel struct {
	conn *websocket.Conn
	log  *slog.Logger

	frames chan frame
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

var _ event.Sink = (*ClientChannel)(nil)

// NewClientChannel wraps an accepted connection and starts its writer.
// The caller keeps ownership of the read side.
func NewClientChannel(conn *websocket.Conn, log *slog.Logger) *ClientChannel {
	if log == nil {
		log = slog.Default()
	}
	c := &ClientChannel{
		conn:   conn,
		log:    log,
		frames: make(chan frame, frameQueueDepth),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Deliver encodes the event as a JSON text frame and queues it for writing.
// It implements event.Sink, so a channel can be attached to the bus directly.
func (c *ClientChannel) Deliver(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("transport: encode %s event: %w", ev.Kind, err)
	}
	return c.enqueue(frame{typ: websocket.MessageText, data: data})
}

// SendAudio queues a binary audio chunk. It blocks when the writer queue is
// full, which back-pressures the TTS worker rather than buffering unboundedly.
func (c *ClientChannel) SendAudio(chunk []byte) error {
	return c.enqueue(frame{typ: websocket.MessageBinary, data: chunk})
}

func (c *ClientChannel) enqueue(f frame) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.frames <- f:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// Done is closed when the channel can no longer deliver frames, either
// because Close was called or because a write failed.
func (c *ClientChannel) Done() <-chan struct{} { return c.done }

// Close flushes queued frames best-effort and closes the connection with a
// normal closure status. It is safe to call more than once.
func (c *ClientChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
		_ = c.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}

// fail marks the channel dead without a clean close handshake. The read side
// notices via Done and tears down the session.
func (c *ClientChannel) fail() {
	c.once.Do(func() {
		close(c.done)
		go func() {
			c.wg.Wait()
			_ = c.conn.Close(websocket.StatusInternalError, "write failed")
		}()
	})
}

func (c *ClientChannel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case f := <-c.frames:
			if !c.write(f) {
				return
			}
		case <-c.done:
			// Drain what was queued before the close.
			for {
				select {
				case f := <-c.frames:
					if !c.write(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *ClientChannel) write(f frame) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err := c.conn.Write(ctx, f.typ, f.data)
	cancel()
	if err != nil {
		c.log.Debug("client channel write failed", "error", err)
		go c.fail()
		return false
	}
	return true
}
