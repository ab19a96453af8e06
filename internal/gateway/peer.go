// ABOUTME: Cross-gateway request forwarding over cached peer channels.
// ABOUTME: Used when the directory pins an agent to a different live gateway.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshgate/mesh-gateway/internal/client"
	"github.com/meshgate/mesh-gateway/internal/registry"
	"github.com/meshgate/mesh-gateway/internal/wire"
)

// peerPool caches channel clients to peer gateways by address. A peer
// connection is just the worker protocol used gateway-to-gateway: the
// remote side routes the forwarded request like any other inbound RPC.
type peerPool struct {
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[string]*client.Client // advertise addr -> client
	closed bool
}

func newPeerPool(logger *slog.Logger) *peerPool {
	return &peerPool{
		logger: logger,
		peers:  make(map[string]*client.Client),
	}
}

func (p *peerPool) get(ctx context.Context, addr string) (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, client.ErrClosed
	}
	if c, ok := p.peers[addr]; ok {
		return c, nil
	}
	c, err := client.Dial(ctx, addr, client.Options{Logger: p.logger})
	if err != nil {
		return nil, err
	}
	p.peers[addr] = c
	return c, nil
}

func (p *peerPool) drop(addr string) {
	p.mu.Lock()
	c, ok := p.peers[addr]
	if ok {
		delete(p.peers, addr)
	}
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

func (p *peerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for addr, c := range p.peers {
		delete(p.peers, addr)
		_ = c.Close()
	}
}

// forwardToPeer relays the request to the gateway owning the placement and
// returns its response under the caller's original request id.
func (g *Gateway) forwardToPeer(ctx context.Context, peer registry.GatewayInfo, req *wire.Request) *wire.Response {
	if peer.Addr == "" {
		return routingFailure(req.RequestId, fmt.Errorf("gateway %s has no advertised address", peer.ID))
	}

	c, err := g.peers.get(ctx, peer.Addr)
	if err != nil {
		return routingFailure(req.RequestId, fmt.Errorf("connecting to gateway %s: %w", peer.ID, err))
	}

	fwdCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	g.logger.Debug("forwarding request to peer gateway",
		"request_id", req.RequestId,
		"target", req.Target.String(),
		"peer", peer.ID,
	)

	resp, err := c.Invoke(fwdCtx, req.Target, req.Method, req.Payload)
	if err != nil {
		// The peer channel is suspect; drop it so the next call redials.
		g.peers.drop(peer.Addr)
		return routingFailure(req.RequestId, fmt.Errorf("forwarding to gateway %s: %w", peer.ID, err))
	}

	out := *resp
	out.RequestId = req.RequestId
	return &out
}
