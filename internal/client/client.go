// ABOUTME: Worker-side library for the gateway channel protocol.
// ABOUTME: Dials a gateway, registers types, subscribes, serves and issues RPCs.

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client closed")

// RequestHandler serves an inbound RPC addressed to an agent hosted by
// this worker. The returned response's request id is filled in by the
// client; handlers only populate payload or error.
type RequestHandler func(ctx context.Context, req *wire.Request) *wire.Response

// EventHandler receives CloudEvents fanned out to this worker.
type EventHandler func(ctx context.Context, ev *wire.CloudEvent)

// Options configures a Client.
type Options struct {
	Logger *slog.Logger

	// OnRequest serves inbound requests. Nil means requests are answered
	// with an error response.
	OnRequest RequestHandler

	// OnEvent receives inbound events. Nil means events are dropped.
	OnEvent EventHandler
}

// Client is one worker's connection to a gateway. Safe for concurrent use.
type Client struct {
	cc     *grpc.ClientConn
	raw    wire.WorkerGatewayClient
	stream wire.WorkerGateway_ChannelClient
	logger *slog.Logger
	opts   Options

	cancel context.CancelFunc

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *wire.Message
	closed  bool

	// Done is closed when the receive loop exits (gateway gone or Close).
	Done chan struct{}
}

// Dial connects to a gateway and opens the channel stream.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	raw := wire.NewWorkerGatewayClient(cc)

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := raw.Channel(streamCtx)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	c := &Client{
		cc:      cc,
		raw:     raw,
		stream:  stream,
		logger:  opts.Logger,
		opts:    opts,
		cancel:  cancel,
		pending: make(map[string]chan *wire.Message),
		Done:    make(chan struct{}),
	}
	go c.recvLoop(streamCtx)
	return c, nil
}

func (c *Client) send(msg *wire.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(msg)
}

func (c *Client) createPending(id string) (<-chan *wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan *wire.Message, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) resolvePending(id string, msg *wire.Message) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("dropping reply for unknown request", "request_id", id)
		return
	}
	ch <- msg
	close(ch)
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.pending[id]; ok {
		delete(c.pending, id)
		close(ch)
	}
}

func (c *Client) recvLoop(ctx context.Context) {
	defer close(c.Done)
	defer c.failAll()

	for {
		msg, err := c.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Warn("channel receive failed", "error", err)
			}
			return
		}

		kind, err := msg.Kind()
		if err != nil {
			c.logger.Error("protocol error from gateway", "error", err)
			return
		}

		switch kind {
		case wire.KindResponse:
			c.resolvePending(msg.Response.RequestId, msg)
		case wire.KindRegisterAgentTypeResponse:
			c.resolvePending(msg.RegisterAgentTypeResponse.RequestId, msg)
		case wire.KindAddSubscriptionResponse:
			c.resolvePending(msg.AddSubscriptionResponse.RequestId, msg)
		case wire.KindRequest:
			go c.serveRequest(ctx, msg.Request)
		case wire.KindCloudEvent:
			if c.opts.OnEvent != nil {
				go c.opts.OnEvent(ctx, msg.CloudEvent)
			}
		default:
			c.logger.Warn("ignoring unexpected message kind from gateway", "kind", int(kind))
		}
	}
}

func (c *Client) serveRequest(ctx context.Context, req *wire.Request) {
	var resp *wire.Response
	if c.opts.OnRequest != nil {
		resp = c.opts.OnRequest(ctx, req)
	} else {
		resp = &wire.Response{Error: "worker has no request handler"}
	}
	resp.RequestId = req.RequestId
	if err := c.send(&wire.Message{Response: resp}); err != nil {
		c.logger.Error("sending response", "request_id", req.RequestId, "error", err)
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// RegisterAgentType announces that this worker can host the agent type
// and waits for the gateway's acknowledgement.
func (c *Client) RegisterAgentType(ctx context.Context, agentType string) error {
	id := uuid.New().String()
	ch, err := c.createPending(id)
	if err != nil {
		return err
	}
	if err := c.send(&wire.Message{RegisterAgentType: &wire.RegisterAgentTypeRequest{
		RequestId: id,
		Type:      agentType,
	}}); err != nil {
		c.dropPending(id)
		return fmt.Errorf("sending registration: %w", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		ack := msg.RegisterAgentTypeResponse
		if !ack.Success {
			return fmt.Errorf("registering type %q: %s", agentType, ack.Error)
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// AddSubscription subscribes an agent type to an exact topic or a topic
// prefix and waits for the acknowledgement.
func (c *Client) AddSubscription(ctx context.Context, topic, agentType string, prefix bool) error {
	id := uuid.New().String()
	ch, err := c.createPending(id)
	if err != nil {
		return err
	}

	sub := &wire.Subscription{}
	if prefix {
		sub.Prefix = &wire.TypePrefixSubscription{TopicTypePrefix: topic, AgentType: agentType}
	} else {
		sub.Exact = &wire.TypeSubscription{TopicType: topic, AgentType: agentType}
	}

	if err := c.send(&wire.Message{AddSubscription: &wire.AddSubscriptionRequest{
		RequestId:    id,
		Subscription: sub,
	}}); err != nil {
		c.dropPending(id)
		return fmt.Errorf("sending subscription: %w", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		ack := msg.AddSubscriptionResponse
		if !ack.Success {
			return fmt.Errorf("subscribing %q to %q: %s", agentType, topic, ack.Error)
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// Invoke sends an RPC to the agent and waits for the response. Routing
// failures arrive in Response.Error with a nil error return.
func (c *Client) Invoke(ctx context.Context, target wire.AgentId, method string, payload []byte) (*wire.Response, error) {
	id := uuid.New().String()
	ch, err := c.createPending(id)
	if err != nil {
		return nil, err
	}
	if err := c.send(&wire.Message{Request: &wire.Request{
		RequestId: id,
		Target:    target,
		Method:    method,
		Payload:   payload,
	}}); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return msg.Response, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// Publish emits a CloudEvent into the mesh. Delivery is fire-and-forget;
// the gateway fans it out to subscribed agent types.
func (c *Client) Publish(ev *wire.CloudEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return c.send(&wire.Message{CloudEvent: ev})
}

// GetState reads this worker's persisted state for an agent.
func (c *Client) GetState(ctx context.Context, id wire.AgentId) (*wire.GetStateResponse, error) {
	return c.raw.GetState(ctx, &wire.GetStateRequest{AgentId: id})
}

// SaveState writes agent state with optimistic concurrency.
func (c *Client) SaveState(ctx context.Context, rec wire.StateRecord) (*wire.SaveStateResponse, error) {
	return c.raw.SaveState(ctx, &wire.SaveStateRequest{State: rec})
}

// Close tears down the stream and fails outstanding waits.
func (c *Client) Close() error {
	c.cancel()
	c.failAll()
	return c.cc.Close()
}
