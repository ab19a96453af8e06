// ABOUTME: Circuit-breaker decorator around a Directory backend.
// ABOUTME: Repeated directory failures fail fast instead of stalling every stream.

package registry

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

type placement struct {
	info GatewayInfo
	new  bool
}

// Breaker wraps a Directory so that a run of backend failures opens the
// circuit and subsequent calls return gobreaker.ErrOpenState immediately.
// The gateway converts those into {success:false} responses, and the
// heartbeat loop keeps probing so the circuit can close again.
type Breaker struct {
	next    Directory
	calls   *gobreaker.CircuitBreaker[any]
	queries *gobreaker.CircuitBreaker[placement]
}

// WithBreaker decorates a Directory with a shared circuit breaker.
func WithBreaker(next Directory, name string) *Breaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Breaker{
		next:    next,
		calls:   gobreaker.NewCircuitBreaker[any](settings),
		queries: gobreaker.NewCircuitBreaker[placement](settings),
	}
}

func (b *Breaker) do(fn func() error) error {
	_, err := b.calls.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (b *Breaker) RegisterAgentType(ctx context.Context, agentType, gatewayID string) error {
	return b.do(func() error { return b.next.RegisterAgentType(ctx, agentType, gatewayID) })
}

func (b *Breaker) UnregisterAgentType(ctx context.Context, agentType, gatewayID string) error {
	return b.do(func() error { return b.next.UnregisterAgentType(ctx, agentType, gatewayID) })
}

func (b *Breaker) AddWorker(ctx context.Context, info GatewayInfo) error {
	return b.do(func() error { return b.next.AddWorker(ctx, info) })
}

func (b *Breaker) RemoveWorker(ctx context.Context, gatewayID string) error {
	return b.do(func() error { return b.next.RemoveWorker(ctx, gatewayID) })
}

func (b *Breaker) GetOrPlaceAgent(ctx context.Context, id wire.AgentId) (GatewayInfo, bool, error) {
	p, err := b.queries.Execute(func() (placement, error) {
		info, wasNew, err := b.next.GetOrPlaceAgent(ctx, id)
		if err == ErrNoCompatibleWorker {
			// A routing miss is an answer, not a backend fault.
			return placement{}, nil
		}
		return placement{info: info, new: wasNew}, err
	})
	if err != nil {
		return GatewayInfo{}, false, err
	}
	if p.info.ID == "" {
		return GatewayInfo{}, false, ErrNoCompatibleWorker
	}
	return p.info, p.new, nil
}

func (b *Breaker) GetCompatibleWorker(ctx context.Context, agentType string) (GatewayInfo, error) {
	p, err := b.queries.Execute(func() (placement, error) {
		info, err := b.next.GetCompatibleWorker(ctx, agentType)
		if err == ErrNoCompatibleWorker {
			return placement{}, nil
		}
		return placement{info: info}, err
	})
	if err != nil {
		return GatewayInfo{}, err
	}
	if p.info.ID == "" {
		return GatewayInfo{}, ErrNoCompatibleWorker
	}
	return p.info, nil
}

func (b *Breaker) Subscribe(ctx context.Context, topic, agentType string, isPrefix bool) error {
	return b.do(func() error { return b.next.Subscribe(ctx, topic, agentType, isPrefix) })
}

func (b *Breaker) SubscribedAndHandlingAgents(ctx context.Context, source, eventType string) ([]string, error) {
	v, err := b.calls.Execute(func() (any, error) {
		return b.next.SubscribedAndHandlingAgents(ctx, source, eventType)
	})
	if err != nil {
		return nil, err
	}
	types, _ := v.([]string)
	return types, nil
}
