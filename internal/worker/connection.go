// ABOUTME: Represents one connected worker process and its bidirectional stream.
// ABOUTME: Tracks supported agent types and correlates responses by request id.

package worker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

// ErrConnectionClosed is delivered to waiters when the worker disconnects
// with requests still in flight.
var ErrConnectionClosed = errors.New("worker connection closed")

// Stream is the subset of the channel stream a Connection needs to send.
// Satisfied by wire.WorkerGateway_ChannelServer; narrowed for tests.
type Stream interface {
	Send(*wire.Message) error
}

// Connection is one live worker stream. It is created when the stream is
// accepted and discarded on teardown; reconnection is the worker's job and
// arrives as a fresh Connection with fresh registrations.
type Connection struct {
	ID string

	stream  Stream
	sendMu  sync.Mutex
	logger  *slog.Logger
	mu      sync.RWMutex
	types   map[string]struct{}
	pending map[string]chan *wire.Response
	closed  bool
}

// New creates a Connection wrapping an accepted stream.
func New(id string, stream Stream, logger *slog.Logger) *Connection {
	return &Connection{
		ID:      id,
		stream:  stream,
		logger:  logger,
		types:   make(map[string]struct{}),
		pending: make(map[string]chan *wire.Response),
	}
}

// Send transmits a message to the worker. Sends are serialized so
// concurrent dispatchers cannot interleave frames on the stream.
func (c *Connection) Send(msg *wire.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(msg)
}

// AddSupportedType records that this worker can instantiate the given
// agent type. Idempotent.
func (c *Connection) AddSupportedType(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[t] = struct{}{}
}

// SupportsType reports whether the worker registered the given type.
func (c *Connection) SupportsType(t string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[t]
	return ok
}

// SupportedTypes returns a snapshot of the worker's registered types.
func (c *Connection) SupportedTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	return out
}

// CreateRequest registers a pending request slot and returns the channel
// the matching response will arrive on. The slot resolves exactly once:
// by HandleResponse, by CloseRequest on timeout, or by Close on teardown.
func (c *Connection) CreateRequest(requestID string) (<-chan *wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	ch := make(chan *wire.Response, 1)
	c.pending[requestID] = ch
	return ch, nil
}

// CloseRequest removes a pending request that will no longer be waited on.
// Safe to call after the response already resolved the slot.
func (c *Connection) CloseRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.pending[requestID]; ok {
		delete(c.pending, requestID)
		close(ch)
	}
}

// HandleResponse resolves the pending request matching the response's id.
// A response with no matching slot (typically one that already timed out)
// is dropped with a warning.
func (c *Connection) HandleResponse(resp *wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestId]
	if ok {
		delete(c.pending, resp.RequestId)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping response for unknown or timed-out request",
			"request_id", resp.RequestId,
			"connection_id", c.ID,
		)
		return
	}
	ch <- resp
	close(ch)
}

// PendingCount reports the number of unresolved requests.
func (c *Connection) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Close fails every outstanding request and refuses new ones. Called by
// the owning gateway when the stream tears down.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}
