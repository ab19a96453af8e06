// ABOUTME: Exact-topic and prefix-topic subscription index consulted on event dispatch.
// ABOUTME: Subscriptions are add/remove only; entries are never mutated in place.

package subscription

import "sync"

// Entry is one subscription row as reported by Snapshot.
type Entry struct {
	Topic     string `json:"topic"`
	AgentType string `json:"agent_type"`
	Prefix    bool   `json:"prefix"`
}

// Table indexes topic subscriptions for dispatch-time lookup. Exact and
// prefix entries live in separate indexes; every subscription is matched
// independently and Match returns the deduplicated union.
type Table struct {
	mu     sync.RWMutex
	exact  map[string]map[string]struct{} // topic -> agent types
	prefix map[string]map[string]struct{} // topic prefix -> agent types
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{
		exact:  make(map[string]map[string]struct{}),
		prefix: make(map[string]map[string]struct{}),
	}
}

// Add registers a subscription. Idempotent for identical entries. The
// entry is visible to Match before Add returns, so a worker's ack never
// races ahead of dispatch visibility.
func (t *Table) Add(topic, agentType string, isPrefix bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.exact
	if isPrefix {
		idx = t.prefix
	}
	set, ok := idx[topic]
	if !ok {
		set = make(map[string]struct{})
		idx[topic] = set
	}
	set[agentType] = struct{}{}
}

// Remove deletes a subscription if present.
func (t *Table) Remove(topic, agentType string, isPrefix bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.exact
	if isPrefix {
		idx = t.prefix
	}
	if set, ok := idx[topic]; ok {
		delete(set, agentType)
		if len(set) == 0 {
			delete(idx, topic)
		}
	}
}

// RemoveAgentType deletes every subscription held by an agent type.
func (t *Table) RemoveAgentType(agentType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, idx := range []map[string]map[string]struct{}{t.exact, t.prefix} {
		for topic, set := range idx {
			delete(set, agentType)
			if len(set) == 0 {
				delete(idx, topic)
			}
		}
	}
}

// Match returns the agent types subscribed to the event type: every exact
// entry for the type plus every prefix entry whose topic is a string prefix
// of the event type, deduplicated across both indexes.
func (t *Table) Match(eventType string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	add := func(at string) {
		if _, dup := seen[at]; dup {
			return
		}
		seen[at] = struct{}{}
		out = append(out, at)
	}

	for at := range t.exact[eventType] {
		add(at)
	}
	for p, set := range t.prefix {
		if len(p) > len(eventType) || eventType[:len(p)] != p {
			continue
		}
		for at := range set {
			add(at)
		}
	}
	return out
}

// Snapshot returns every subscription for inspection endpoints.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for topic, set := range t.exact {
		for at := range set {
			out = append(out, Entry{Topic: topic, AgentType: at})
		}
	}
	for topic, set := range t.prefix {
		for at := range set {
			out = append(out, Entry{Topic: topic, AgentType: at, Prefix: true})
		}
	}
	return out
}
