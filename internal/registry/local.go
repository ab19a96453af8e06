// ABOUTME: Single-process authoritative Directory backend for small deployments.
// ABOUTME: Placement decisions use sharded one-writer-wins maps, no global lock.

package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/meshgate/mesh-gateway/internal/subscription"
	"github.com/meshgate/mesh-gateway/internal/wire"
)

const placementShards = 64

// placementShard pins a slice of the AgentId key space under its own lock,
// so one-writer-wins placement never contends across unrelated agents.
type placementShard struct {
	mu sync.Mutex
	m  map[string]string // agent id -> gateway id
}

type workerRecord struct {
	info     GatewayInfo
	deadline time.Time
}

// Local is an in-process Directory. It is semantically the same singleton
// authority the clustered backends provide, backed by local tables: useful
// for single-gateway deployments and for tests.
type Local struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	workers map[string]*workerRecord
	types   map[string]map[string]struct{} // agent type -> gateway ids

	subs *subscription.Table

	shards [placementShards]placementShard
}

// NewLocal creates a Local directory. Gateways that do not re-announce
// within ttl are treated as dead and their placements freed.
func NewLocal(ttl time.Duration, logger *slog.Logger) *Local {
	l := &Local{
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		workers: make(map[string]*workerRecord),
		types:   make(map[string]map[string]struct{}),
		subs:    subscription.NewTable(),
	}
	for i := range l.shards {
		l.shards[i].m = make(map[string]string)
	}
	return l
}

func (l *Local) shard(agentID string) *placementShard {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return &l.shards[h.Sum32()%placementShards]
}

// AddWorker marks the gateway live until the next heartbeat deadline.
func (l *Local) AddWorker(_ context.Context, info GatewayInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workers[info.ID] = &workerRecord{info: info, deadline: l.now().Add(l.ttl)}
	return nil
}

// RemoveWorker deregisters the gateway and frees everything pinned to it.
func (l *Local) RemoveWorker(_ context.Context, gatewayID string) error {
	l.mu.Lock()
	delete(l.workers, gatewayID)
	for t, set := range l.types {
		delete(set, gatewayID)
		if len(set) == 0 {
			delete(l.types, t)
		}
	}
	l.mu.Unlock()

	l.freePlacements(gatewayID)
	return nil
}

// freePlacements drops every placement pointing at the gateway.
func (l *Local) freePlacements(gatewayID string) {
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, gw := range s.m {
			if gw == gatewayID {
				delete(s.m, id)
			}
		}
		s.mu.Unlock()
	}
}

// liveLocked reports whether the gateway exists and its heartbeat is fresh.
// Caller holds l.mu (read or write).
func (l *Local) liveLocked(gatewayID string) (GatewayInfo, bool) {
	rec, ok := l.workers[gatewayID]
	if !ok || l.now().After(rec.deadline) {
		return GatewayInfo{}, false
	}
	return rec.info, true
}

// evictExpired removes gateways whose heartbeat deadline passed, along
// with their type registrations and placements.
func (l *Local) evictExpired() {
	var dead []string
	l.mu.Lock()
	now := l.now()
	for id, rec := range l.workers {
		if now.After(rec.deadline) {
			dead = append(dead, id)
			delete(l.workers, id)
		}
	}
	for _, id := range dead {
		for t, set := range l.types {
			delete(set, id)
			if len(set) == 0 {
				delete(l.types, t)
			}
		}
	}
	l.mu.Unlock()

	for _, id := range dead {
		l.logger.Info("evicting gateway after missed heartbeats", "gateway_id", id)
		l.freePlacements(id)
	}
}

// RegisterAgentType records the gateway as a host for the agent type.
func (l *Local) RegisterAgentType(_ context.Context, agentType, gatewayID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.workers[gatewayID]; !ok {
		return ErrUnknownGateway
	}
	set, ok := l.types[agentType]
	if !ok {
		set = make(map[string]struct{})
		l.types[agentType] = set
	}
	set[gatewayID] = struct{}{}
	return nil
}

// UnregisterAgentType removes the registration if present.
func (l *Local) UnregisterAgentType(_ context.Context, agentType, gatewayID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.types[agentType]; ok {
		delete(set, gatewayID)
		if len(set) == 0 {
			delete(l.types, agentType)
		}
	}
	return nil
}

// GetCompatibleWorker returns any live gateway registered for the type.
func (l *Local) GetCompatibleWorker(_ context.Context, agentType string) (GatewayInfo, error) {
	l.evictExpired()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.compatibleLocked(agentType)
}

func (l *Local) compatibleLocked(agentType string) (GatewayInfo, error) {
	for gw := range l.types[agentType] {
		if info, ok := l.liveLocked(gw); ok {
			return info, nil
		}
	}
	return GatewayInfo{}, ErrNoCompatibleWorker
}

// GetOrPlaceAgent returns the agent's pinned gateway, choosing and
// recording one first if the agent is unplaced or its gateway is dead.
// Concurrent callers racing on the same AgentId serialize on the shard
// lock: exactly one records a placement, the rest read it back.
func (l *Local) GetOrPlaceAgent(_ context.Context, id wire.AgentId) (GatewayInfo, bool, error) {
	l.evictExpired()
	key := id.String()
	s := l.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	l.mu.RLock()
	defer l.mu.RUnlock()

	if gw, ok := s.m[key]; ok {
		if info, live := l.liveLocked(gw); live {
			return info, false, nil
		}
		// Sticky until failure: the owner is gone, place afresh.
		delete(s.m, key)
	}

	info, err := l.compatibleLocked(id.Type)
	if err != nil {
		return GatewayInfo{}, false, err
	}
	s.m[key] = info.ID
	return info, true, nil
}

// Subscribe records a cluster-wide subscription.
func (l *Local) Subscribe(_ context.Context, topic, agentType string, isPrefix bool) error {
	l.subs.Add(topic, agentType, isPrefix)
	return nil
}

// SubscribedAndHandlingAgents returns subscribed agent types that some
// live gateway can host. Matching is keyed on the event type; the source
// is accepted for contract parity but does not narrow the result.
func (l *Local) SubscribedAndHandlingAgents(_ context.Context, _ string, eventType string) ([]string, error) {
	l.evictExpired()
	matched := l.subs.Match(eventType)

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := matched[:0]
	for _, at := range matched {
		for gw := range l.types[at] {
			if _, ok := l.liveLocked(gw); ok {
				out = append(out, at)
				break
			}
		}
	}
	return out, nil
}
