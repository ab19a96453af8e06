// ABOUTME: Cluster directory contract: agent-type registration, gateway liveness,
// ABOUTME: sticky agent placement, and cluster-wide topic subscriptions.

package registry

import (
	"context"
	"errors"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

// ErrNoCompatibleWorker means no live gateway has registered the agent type.
var ErrNoCompatibleWorker = errors.New("no compatible worker for agent type")

// ErrUnknownGateway means the referenced gateway is not a live member.
var ErrUnknownGateway = errors.New("unknown gateway")

// GatewayInfo identifies one live gateway and where peers can reach it.
type GatewayInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Directory is the cluster-wide source of truth for routing decisions.
// Implementations must be safe for concurrent use; GetOrPlaceAgent in
// particular must retain exactly one placement per AgentId under races,
// with losers receiving the winning placement.
type Directory interface {
	// RegisterAgentType records that the gateway can host the agent type.
	RegisterAgentType(ctx context.Context, agentType, gatewayID string) error
	// UnregisterAgentType removes a type registration.
	UnregisterAgentType(ctx context.Context, agentType, gatewayID string) error

	// AddWorker marks the gateway live. Gateways call this periodically as
	// a heartbeat; missed heartbeats are the eviction signal.
	AddWorker(ctx context.Context, info GatewayInfo) error
	// RemoveWorker explicitly deregisters a gateway and frees its placements.
	RemoveWorker(ctx context.Context, gatewayID string) error

	// GetOrPlaceAgent returns the gateway the agent is pinned to, placing
	// it on a compatible live gateway first if needed. The second result
	// is true when this call made a new placement decision.
	GetOrPlaceAgent(ctx context.Context, id wire.AgentId) (GatewayInfo, bool, error)
	// GetCompatibleWorker returns any live gateway registered for the type.
	GetCompatibleWorker(ctx context.Context, agentType string) (GatewayInfo, error)

	// Subscribe records a cluster-wide topic subscription for an agent type.
	Subscribe(ctx context.Context, topic, agentType string, isPrefix bool) error
	// SubscribedAndHandlingAgents returns the agent types subscribed to the
	// event type that at least one live gateway can currently host.
	SubscribedAndHandlingAgents(ctx context.Context, source, eventType string) ([]string, error)
}
