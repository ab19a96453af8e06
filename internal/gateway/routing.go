// ABOUTME: Request routing, agent placement, and event fan-out.
// ABOUTME: Local caches front the cluster directory on the hot path.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshgate/mesh-gateway/internal/registry"
	"github.com/meshgate/mesh-gateway/internal/worker"
	"github.com/meshgate/mesh-gateway/internal/wire"
)

// ErrAgentNotFound means no live connection could serve the target agent type.
var ErrAgentNotFound = errors.New("no worker available for agent type")

// ErrRequestTimeout means the worker did not answer within the request timeout.
var ErrRequestTimeout = errors.New("request timed out")

// SelectionPolicy picks one connection from the candidates able to host an
// agent type. Candidates is never empty.
type SelectionPolicy func(candidates []*worker.Connection) *worker.Connection

// RandomSelection picks a candidate uniformly at random.
func RandomSelection(candidates []*worker.Connection) *worker.Connection {
	return candidates[rand.IntN(len(candidates))]
}

// RoundRobinSelection returns a policy cycling through candidates in order.
func RoundRobinSelection() SelectionPolicy {
	var n atomic.Uint64
	return func(candidates []*worker.Connection) *worker.Connection {
		i := n.Add(1) - 1
		return candidates[i%uint64(len(candidates))]
	}
}

// routingFailure builds the error response for a request that could not be
// routed or answered.
func routingFailure(requestID string, err error) *wire.Response {
	return &wire.Response{RequestId: requestID, Error: err.Error()}
}

// RegisterAgentType records a worker's ability to host an agent type, both
// on the connection and in the cluster directory. The local index is
// updated before the directory call so requests arriving concurrently with
// the ack can already route here.
func (g *Gateway) RegisterAgentType(ctx context.Context, conn *worker.Connection, req *wire.RegisterAgentTypeRequest) *wire.RegisterAgentTypeResponse {
	if req.Type == "" {
		return &wire.RegisterAgentTypeResponse{
			RequestId: req.RequestId,
			Error:     "agent type is required",
		}
	}

	conn.AddSupportedType(req.Type)

	g.typesMu.Lock()
	bucket, ok := g.supported[req.Type]
	if !ok {
		bucket = make(map[string]*worker.Connection)
		g.supported[req.Type] = bucket
	}
	bucket[conn.ID] = conn
	g.typesMu.Unlock()

	if err := g.directory.RegisterAgentType(ctx, req.Type, g.id); err != nil {
		g.logger.Error("registering agent type in directory",
			"agent_type", req.Type,
			"connection_id", conn.ID,
			"error", err,
		)
		return &wire.RegisterAgentTypeResponse{
			RequestId: req.RequestId,
			Error:     fmt.Sprintf("directory registration failed: %v", err),
		}
	}

	g.logger.Info("agent type registered", "agent_type", req.Type, "connection_id", conn.ID)
	return &wire.RegisterAgentTypeResponse{RequestId: req.RequestId, Success: true}
}

// AddSubscription records a topic subscription locally and in the cluster
// directory. The local table is updated before the ack is sent, so an
// event published right after the ack cannot miss the subscription.
func (g *Gateway) AddSubscription(ctx context.Context, req *wire.AddSubscriptionRequest) *wire.AddSubscriptionResponse {
	topic, agentType, isPrefix, err := req.Subscription.Parts()
	if err != nil {
		return &wire.AddSubscriptionResponse{RequestId: req.RequestId, Error: err.Error()}
	}
	if agentType == "" {
		return &wire.AddSubscriptionResponse{RequestId: req.RequestId, Error: "agent type is required"}
	}

	g.subs.Add(topic, agentType, isPrefix)

	if err := g.directory.Subscribe(ctx, topic, agentType, isPrefix); err != nil {
		g.subs.Remove(topic, agentType, isPrefix)
		g.logger.Error("recording subscription in directory",
			"topic", topic,
			"agent_type", agentType,
			"error", err,
		)
		return &wire.AddSubscriptionResponse{
			RequestId: req.RequestId,
			Error:     fmt.Sprintf("directory subscription failed: %v", err),
		}
	}

	g.logger.Info("subscription added", "topic", topic, "agent_type", agentType, "prefix", isPrefix)
	return &wire.AddSubscriptionResponse{RequestId: req.RequestId, Success: true}
}

// InvokeRequest routes an RPC to its target agent and waits for the
// response. Failures come back as a Response with Error set, never as a
// stream fault, so callers always get an answer correlated to their id.
func (g *Gateway) InvokeRequest(ctx context.Context, req *wire.Request) *wire.Response {
	start := time.Now()
	resp := g.invoke(ctx, req)
	outcome := "ok"
	if resp.Error != "" {
		outcome = "error"
	}
	g.metrics.observeRPC(outcome, time.Since(start))
	return resp
}

func (g *Gateway) invoke(ctx context.Context, req *wire.Request) *wire.Response {
	if req.Target.Type == "" {
		return routingFailure(req.RequestId, errors.New("request target is required"))
	}

	conn, resp := g.resolve(ctx, req)
	if resp != nil {
		return resp
	}
	return g.deliverLocal(ctx, conn, req)
}

// resolve finds the connection owning the target agent. It returns either
// a local connection to deliver on, or a terminal response (a peer-forwarded
// result or a routing failure).
func (g *Gateway) resolve(ctx context.Context, req *wire.Request) (*worker.Connection, *wire.Response) {
	agentKey := req.Target.String()

	if conn := g.cachedPlacement(agentKey); conn != nil {
		return conn, nil
	}

	info, _, err := g.directory.GetOrPlaceAgent(ctx, req.Target)
	if err != nil {
		if errors.Is(err, registry.ErrNoCompatibleWorker) {
			return nil, routingFailure(req.RequestId, fmt.Errorf("%w: %s", ErrAgentNotFound, req.Target.Type))
		}
		return nil, routingFailure(req.RequestId, fmt.Errorf("resolving placement for %s: %w", agentKey, err))
	}

	if info.ID != g.id {
		return nil, g.forwardToPeer(ctx, info, req)
	}

	conn := g.selectLocalConn(req.Target.Type)
	if conn == nil {
		// The directory placed the agent here but the hosting worker is
		// gone. The placement frees when the disconnect is processed.
		return nil, routingFailure(req.RequestId, fmt.Errorf("%w: %s", ErrAgentNotFound, req.Target.Type))
	}
	g.cachePlacement(agentKey, conn)
	return conn, nil
}

// deliverLocal sends the request down a worker stream and waits for the
// matching response. The wire carries a gateway-assigned correlation id;
// the caller's original id is restored on the way back.
func (g *Gateway) deliverLocal(ctx context.Context, conn *worker.Connection, req *wire.Request) *wire.Response {
	corrID := uuid.NewString()

	respCh, err := conn.CreateRequest(corrID)
	if err != nil {
		return routingFailure(req.RequestId, err)
	}

	fwd := *req
	fwd.RequestId = corrID
	if err := conn.Send(&wire.Message{Request: &fwd}); err != nil {
		conn.CloseRequest(corrID)
		return routingFailure(req.RequestId, fmt.Errorf("sending to worker: %w", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return routingFailure(req.RequestId, worker.ErrConnectionClosed)
		}
		out := *resp
		out.RequestId = req.RequestId
		return &out
	case <-waitCtx.Done():
		conn.CloseRequest(corrID)
		g.logger.Warn("request timed out",
			"request_id", req.RequestId,
			"target", req.Target.String(),
			"connection_id", conn.ID,
			"timeout", g.requestTimeout,
		)
		return routingFailure(req.RequestId, fmt.Errorf("%w after %s", ErrRequestTimeout, g.requestTimeout))
	}
}

func (g *Gateway) cachedPlacement(agentKey string) *worker.Connection {
	g.placeMu.RLock()
	defer g.placeMu.RUnlock()
	return g.placements[agentKey]
}

func (g *Gateway) cachePlacement(agentKey string, conn *worker.Connection) {
	g.placeMu.Lock()
	defer g.placeMu.Unlock()
	g.placements[agentKey] = conn
}

// selectLocalConn picks a live local connection supporting the agent type
// using the configured selection policy. Returns nil when none exists.
func (g *Gateway) selectLocalConn(agentType string) *worker.Connection {
	g.typesMu.RLock()
	bucket := g.supported[agentType]
	candidates := make([]*worker.Connection, 0, len(bucket))
	for _, c := range bucket {
		candidates = append(candidates, c)
	}
	g.typesMu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}
	return g.selectConn(candidates)
}

// DispatchEvent fans an event out to every live local connection registered
// for a subscribed agent type. The matched types are the union of the
// cluster directory's view and the local table; each connection receives at
// most one copy even when it hosts several subscribed types. Selection
// policies apply to RPC placement only, never to event delivery.
func (g *Gateway) DispatchEvent(ctx context.Context, ev *wire.CloudEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	types := make(map[string]struct{})
	for _, at := range g.subs.Match(ev.Type) {
		types[at] = struct{}{}
	}
	cluster, err := g.directory.SubscribedAndHandlingAgents(ctx, ev.Source, ev.Type)
	if err != nil {
		g.logger.Warn("directory subscription lookup failed, using local table only",
			"event_type", ev.Type,
			"error", err,
		)
	}
	for _, at := range cluster {
		types[at] = struct{}{}
	}

	targets := make(map[string]*worker.Connection)
	g.typesMu.RLock()
	for at := range types {
		for id, conn := range g.supported[at] {
			targets[id] = conn
		}
	}
	g.typesMu.RUnlock()

	g.metrics.observeDispatch(len(targets))
	g.logger.Debug("dispatching event",
		"event_id", ev.Id,
		"event_type", ev.Type,
		"subscribed_types", len(types),
		"targets", len(targets),
	)
	if len(targets) == 0 {
		return nil
	}

	// Deliveries run concurrently; one slow or dead connection must not
	// hold up the others.
	var wg sync.WaitGroup
	for _, conn := range targets {
		wg.Add(1)
		go func(c *worker.Connection) {
			defer wg.Done()
			if err := c.Send(&wire.Message{CloudEvent: ev}); err != nil {
				g.logger.Error("delivering event to worker",
					"event_id", ev.Id,
					"connection_id", c.ID,
					"error", err,
				)
			}
		}(conn)
	}
	wg.Wait()
	return nil
}

// OnWorkerDisconnected tears down everything tied to a dead connection:
// its type index entries, its cached placements, and its pending requests.
// Agent types with no remaining local connection are unregistered from the
// directory so placement moves elsewhere.
func (g *Gateway) OnWorkerDisconnected(ctx context.Context, conn *worker.Connection) {
	g.connMu.Lock()
	delete(g.conns, conn.ID)
	total := len(g.conns)
	g.connMu.Unlock()

	var orphaned []string
	g.typesMu.Lock()
	for at, bucket := range g.supported {
		if _, ok := bucket[conn.ID]; !ok {
			continue
		}
		delete(bucket, conn.ID)
		if len(bucket) == 0 {
			delete(g.supported, at)
			orphaned = append(orphaned, at)
		}
	}
	g.typesMu.Unlock()

	g.placeMu.Lock()
	for key, c := range g.placements {
		if c == conn {
			delete(g.placements, key)
		}
	}
	g.placeMu.Unlock()

	for _, at := range orphaned {
		if err := g.directory.UnregisterAgentType(ctx, at, g.id); err != nil {
			g.logger.Warn("unregistering orphaned agent type",
				"agent_type", at,
				"error", err,
			)
		}
	}

	conn.Close()

	g.metrics.setConnectedWorkers(total)
	g.logger.Info("worker disconnected",
		"connection_id", conn.ID,
		"orphaned_types", len(orphaned),
		"total_workers", total,
	)
}
