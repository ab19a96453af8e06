// ABOUTME: etcd-backed Directory for multi-gateway deployments.
// ABOUTME: Liveness via leases, one-writer-wins placement via create-revision txns.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

const (
	gatewaysPrefix   = "/meshgate/gateways/"
	typesPrefix      = "/meshgate/types/"
	placementPrefix  = "/meshgate/placements/"
	subsExactPrefix  = "/meshgate/subs/exact/"
	subsPrefixPrefix = "/meshgate/subs/prefix/"
)

// Etcd implements Directory on an etcd cluster. Gateway liveness and type
// registrations are lease-scoped, so a gateway that stops heartbeating
// disappears from the directory when its lease expires. Placements are
// durable keys claimed with a create-revision compare, which makes the
// placement race a strict one-writer-wins.
type Etcd struct {
	cli    *clientv3.Client
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // gateway id -> lease
}

// NewEtcd connects to etcd. ttl bounds how long a silent gateway stays live.
func NewEtcd(endpoints []string, ttl time.Duration, logger *slog.Logger) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &Etcd{
		cli:    cli,
		ttl:    ttl,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

// Close releases the etcd client.
func (e *Etcd) Close() error {
	return e.cli.Close()
}

func (e *Etcd) leaseFor(ctx context.Context, gatewayID string) (clientv3.LeaseID, bool, error) {
	e.mu.Lock()
	id, ok := e.leases[gatewayID]
	e.mu.Unlock()
	if ok {
		return id, false, nil
	}

	seconds := int64(e.ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	grant, err := e.cli.Grant(ctx, seconds)
	if err != nil {
		return 0, false, fmt.Errorf("granting lease: %w", err)
	}
	e.mu.Lock()
	e.leases[gatewayID] = grant.ID
	e.mu.Unlock()
	return grant.ID, true, nil
}

// AddWorker announces the gateway. The first call grants a lease and
// writes the member key; subsequent calls refresh the lease, which is the
// heartbeat.
func (e *Etcd) AddWorker(ctx context.Context, info GatewayInfo) error {
	lease, fresh, err := e.leaseFor(ctx, info.ID)
	if err != nil {
		return err
	}
	if !fresh {
		if _, err := e.cli.KeepAliveOnce(ctx, lease); err != nil {
			// Lease may have expired while we were partitioned; start over.
			e.mu.Lock()
			delete(e.leases, info.ID)
			e.mu.Unlock()
			return fmt.Errorf("refreshing lease: %w", err)
		}
		return nil
	}

	val, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding gateway info: %w", err)
	}
	if _, err := e.cli.Put(ctx, gatewaysPrefix+info.ID, string(val), clientv3.WithLease(lease)); err != nil {
		return fmt.Errorf("registering gateway: %w", err)
	}
	return nil
}

// RemoveWorker revokes the gateway's lease (dropping its member and type
// keys) and frees its placements.
func (e *Etcd) RemoveWorker(ctx context.Context, gatewayID string) error {
	e.mu.Lock()
	lease, ok := e.leases[gatewayID]
	delete(e.leases, gatewayID)
	e.mu.Unlock()

	if ok {
		if _, err := e.cli.Revoke(ctx, lease); err != nil {
			e.logger.Warn("revoking gateway lease", "gateway_id", gatewayID, "error", err)
		}
	} else {
		if _, err := e.cli.Delete(ctx, gatewaysPrefix+gatewayID); err != nil {
			return fmt.Errorf("deleting gateway key: %w", err)
		}
	}

	return e.freePlacements(ctx, gatewayID)
}

func (e *Etcd) freePlacements(ctx context.Context, gatewayID string) error {
	resp, err := e.cli.Get(ctx, placementPrefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("scanning placements: %w", err)
	}
	for _, kv := range resp.Kvs {
		if string(kv.Value) != gatewayID {
			continue
		}
		// Guard with mod-revision so a racing re-placement is not clobbered.
		_, err := e.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(string(kv.Key))).
			Commit()
		if err != nil {
			return fmt.Errorf("freeing placement %s: %w", kv.Key, err)
		}
	}
	return nil
}

// RegisterAgentType writes a lease-scoped registration key, so the
// registration disappears with the gateway.
func (e *Etcd) RegisterAgentType(ctx context.Context, agentType, gatewayID string) error {
	lease, _, err := e.leaseFor(ctx, gatewayID)
	if err != nil {
		return err
	}
	key := typesPrefix + agentType + "/" + gatewayID
	if _, err := e.cli.Put(ctx, key, "", clientv3.WithLease(lease)); err != nil {
		return fmt.Errorf("registering agent type: %w", err)
	}
	return nil
}

// UnregisterAgentType deletes the registration key.
func (e *Etcd) UnregisterAgentType(ctx context.Context, agentType, gatewayID string) error {
	if _, err := e.cli.Delete(ctx, typesPrefix+agentType+"/"+gatewayID); err != nil {
		return fmt.Errorf("unregistering agent type: %w", err)
	}
	return nil
}

func (e *Etcd) gatewayInfo(ctx context.Context, gatewayID string) (GatewayInfo, bool, error) {
	resp, err := e.cli.Get(ctx, gatewaysPrefix+gatewayID)
	if err != nil {
		return GatewayInfo{}, false, fmt.Errorf("reading gateway %s: %w", gatewayID, err)
	}
	if len(resp.Kvs) == 0 {
		return GatewayInfo{}, false, nil
	}
	var info GatewayInfo
	if err := json.Unmarshal(resp.Kvs[0].Value, &info); err != nil {
		return GatewayInfo{}, false, fmt.Errorf("decoding gateway %s: %w", gatewayID, err)
	}
	return info, true, nil
}

// GetCompatibleWorker returns any live gateway registered for the type.
func (e *Etcd) GetCompatibleWorker(ctx context.Context, agentType string) (GatewayInfo, error) {
	resp, err := e.cli.Get(ctx, typesPrefix+agentType+"/", clientv3.WithPrefix())
	if err != nil {
		return GatewayInfo{}, fmt.Errorf("listing hosts for type %s: %w", agentType, err)
	}
	for _, kv := range resp.Kvs {
		gatewayID := path.Base(string(kv.Key))
		info, live, err := e.gatewayInfo(ctx, gatewayID)
		if err != nil {
			return GatewayInfo{}, err
		}
		if live {
			return info, nil
		}
	}
	return GatewayInfo{}, ErrNoCompatibleWorker
}

// GetOrPlaceAgent resolves or claims the agent's placement. The claim is a
// transaction conditioned on the placement key not existing: concurrent
// callers for the same AgentId all converge on whichever write landed.
func (e *Etcd) GetOrPlaceAgent(ctx context.Context, id wire.AgentId) (GatewayInfo, bool, error) {
	key := placementPrefix + id.String()

	for attempt := 0; attempt < 3; attempt++ {
		resp, err := e.cli.Get(ctx, key)
		if err != nil {
			return GatewayInfo{}, false, fmt.Errorf("reading placement: %w", err)
		}
		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			info, live, err := e.gatewayInfo(ctx, string(kv.Value))
			if err != nil {
				return GatewayInfo{}, false, err
			}
			if live {
				return info, false, nil
			}
			// Owner is gone: clear the stale claim and place afresh.
			if _, err := e.cli.Txn(ctx).
				If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
				Then(clientv3.OpDelete(key)).
				Commit(); err != nil {
				return GatewayInfo{}, false, fmt.Errorf("clearing stale placement: %w", err)
			}
		}

		candidate, err := e.GetCompatibleWorker(ctx, id.Type)
		if err != nil {
			return GatewayInfo{}, false, err
		}

		txn, err := e.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, candidate.ID)).
			Else(clientv3.OpGet(key)).
			Commit()
		if err != nil {
			return GatewayInfo{}, false, fmt.Errorf("claiming placement: %w", err)
		}
		if txn.Succeeded {
			return candidate, true, nil
		}

		// Lost the race: adopt the winner if it is still live.
		kvs := txn.Responses[0].GetResponseRange().Kvs
		if len(kvs) == 0 {
			continue
		}
		info, live, err := e.gatewayInfo(ctx, string(kvs[0].Value))
		if err != nil {
			return GatewayInfo{}, false, err
		}
		if live {
			return info, false, nil
		}
	}
	return GatewayInfo{}, false, fmt.Errorf("placement for %s did not settle", id)
}

// subKey builds a subscription key. Topic and agent type are URL-escaped so
// a slash inside either cannot shift the key's segment boundary.
func subKey(prefix, topic, agentType string) string {
	return prefix + url.PathEscape(topic) + "/" + url.PathEscape(agentType)
}

// parseSubKey recovers the topic and agent type from a subscription key.
// Returns ok=false for keys that do not decode.
func parseSubKey(key, prefix string) (topic, agentType string, ok bool) {
	rest := strings.TrimPrefix(key, prefix)
	encTopic, encType, found := strings.Cut(rest, "/")
	if !found {
		return "", "", false
	}
	topic, err := url.PathUnescape(encTopic)
	if err != nil {
		return "", "", false
	}
	agentType, err = url.PathUnescape(encType)
	if err != nil {
		return "", "", false
	}
	return topic, agentType, true
}

// Subscribe records a durable cluster-wide subscription key.
func (e *Etcd) Subscribe(ctx context.Context, topic, agentType string, isPrefix bool) error {
	prefix := subsExactPrefix
	if isPrefix {
		prefix = subsPrefixPrefix
	}
	if _, err := e.cli.Put(ctx, subKey(prefix, topic, agentType), ""); err != nil {
		return fmt.Errorf("recording subscription: %w", err)
	}
	return nil
}

// SubscribedAndHandlingAgents unions the exact and prefix subscription
// matches for the event type and keeps the agent types some live gateway
// hosts. Type registrations are lease-scoped, so key presence implies
// liveness.
func (e *Etcd) SubscribedAndHandlingAgents(ctx context.Context, _ string, eventType string) ([]string, error) {
	matched, err := e.matchSubscriptions(ctx, eventType)
	if err != nil {
		return nil, err
	}

	out := matched[:0]
	for _, at := range matched {
		resp, err := e.cli.Get(ctx, typesPrefix+at+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			return nil, fmt.Errorf("checking hosts for type %s: %w", at, err)
		}
		if resp.Count > 0 {
			out = append(out, at)
		}
	}
	return out, nil
}

// matchSubscriptions returns the agent types whose exact or prefix
// subscriptions match the event type, deduplicated across both scans.
func (e *Etcd) matchSubscriptions(ctx context.Context, eventType string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(at string) {
		if _, dup := seen[at]; dup {
			return
		}
		seen[at] = struct{}{}
		out = append(out, at)
	}

	exact, err := e.cli.Get(ctx, subsExactPrefix+url.PathEscape(eventType)+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("reading exact subscriptions: %w", err)
	}
	for _, kv := range exact.Kvs {
		if _, agentType, ok := parseSubKey(string(kv.Key), subsExactPrefix); ok {
			add(agentType)
		}
	}

	all, err := e.cli.Get(ctx, subsPrefixPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("reading prefix subscriptions: %w", err)
	}
	for _, kv := range all.Kvs {
		topicPrefix, agentType, ok := parseSubKey(string(kv.Key), subsPrefixPrefix)
		if !ok || !strings.HasPrefix(eventType, topicPrefix) {
			continue
		}
		add(agentType)
	}
	return out, nil
}
