package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// StatusSessionReplaced is the close code sent to a connection displaced by a newer
// init for the same user.
const StatusSessionReplaced websocket.StatusCode = 4001

// Client is the live handle of one websocket connection.
//
// Design notes:
//   - send is never closed, so concurrent pushers cannot panic.
//   - done is closed exactly once by Close; the gateway watches it to tear down the socket.
type Client struct {
	SessionID string

	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// synced is set once the backlog of the current init has been flushed. Until then a
	// live push must not advance the delivery checkpoint past messages still awaiting replay.
	synced atomic.Bool

	mu          sync.Mutex
	closeCode   websocket.StatusCode
	closeReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		closeCode: websocket.StatusNormalClosure,
	}
}

// Outbound is drained by the connection writer.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Push enqueues a frame without blocking. It reports false when the client is closing
// or its queue is full; the caller treats that as "not writable".
func (c *Client) Push(frame []byte) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Enqueue blocks until the frame is queued, the client closes, or ctx ends.
func (c *Client) Enqueue(ctx context.Context, frame []byte) error {
	if c == nil {
		return ErrClientClosed
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	case c.send <- frame:
		return nil
	}
}

// Close signals shutdown with the given websocket close status. Only the first call wins.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// CloseStatus returns the code and reason recorded by the first Close.
func (c *Client) CloseStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Synced reports whether the backlog flush for the current identity has completed.
func (c *Client) Synced() bool { return c != nil && c.synced.Load() }

func (c *Client) setSynced(v bool) { c.synced.Store(v) }
