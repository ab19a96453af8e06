// ABOUTME: Tests for gateway request routing and event fan-out against
// ABOUTME: fake worker streams and the in-process directory backend.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/mesh-gateway/internal/config"
	"github.com/meshgate/mesh-gateway/internal/registry"
	"github.com/meshgate/mesh-gateway/internal/state"
	"github.com/meshgate/mesh-gateway/internal/worker"
	"github.com/meshgate/mesh-gateway/internal/wire"
)

var connSeq atomic.Int64

// fakeWorker is a worker stream stub. When respond is true it echoes every
// forwarded request's payload back through the connection.
type fakeWorker struct {
	conn    *worker.Connection
	respond bool

	mu       sync.Mutex
	requests []*wire.Request
	events   []*wire.CloudEvent
}

func (f *fakeWorker) Send(msg *wire.Message) error {
	f.mu.Lock()
	if msg.Request != nil {
		f.requests = append(f.requests, msg.Request)
	}
	if msg.CloudEvent != nil {
		f.events = append(f.events, msg.CloudEvent)
	}
	f.mu.Unlock()

	if msg.Request != nil && f.respond {
		go f.conn.HandleResponse(&wire.Response{
			RequestId: msg.Request.RequestId,
			Payload:   msg.Request.Payload,
		})
	}
	return nil
}

func (f *fakeWorker) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeWorker) lastRequest() *wire.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func newTestGateway(t *testing.T, timeout time.Duration) *Gateway {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.RequestTimeout = timeout
	cfg.Database.Path = filepath.Join(t.TempDir(), "state.db")

	directory := registry.NewLocal(cfg.Registry.WorkerTTL, slog.Default())
	states, err := state.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)

	g, err := NewWithBackends(cfg, directory, states, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { states.Close() })

	require.NoError(t, directory.AddWorker(context.Background(), registry.GatewayInfo{
		ID:   g.ID(),
		Addr: cfg.Server.AdvertiseAddr,
	}))
	return g
}

// connectWorker attaches a fake worker to the gateway and registers types
// through the same path a real stream registration takes.
func connectWorker(t *testing.T, g *Gateway, respond bool, types ...string) *fakeWorker {
	t.Helper()

	fw := &fakeWorker{respond: respond}
	id := fmt.Sprintf("conn-test-%d", connSeq.Add(1))
	fw.conn = worker.New(id, fw, slog.Default())
	g.addConnection(fw.conn)

	ctx := context.Background()
	for _, at := range types {
		resp := g.RegisterAgentType(ctx, fw.conn, &wire.RegisterAgentTypeRequest{
			RequestId: "reg-" + at,
			Type:      at,
		})
		require.True(t, resp.Success, "registering %s: %s", at, resp.Error)
	}
	return fw
}

func TestGateway_RegisterAgentType(t *testing.T) {
	g := newTestGateway(t, time.Second)
	fw := connectWorker(t, g, false, "chat")

	assert.True(t, fw.conn.SupportsType("chat"))
	assert.Equal(t, 1, g.WorkerCount())

	info, err := g.Directory().GetCompatibleWorker(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, g.ID(), info.ID)
}

func TestGateway_RegisterAgentType_EmptyType(t *testing.T) {
	g := newTestGateway(t, time.Second)
	fw := connectWorker(t, g, false)

	resp := g.RegisterAgentType(context.Background(), fw.conn, &wire.RegisterAgentTypeRequest{
		RequestId: "reg-1",
	})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, "reg-1", resp.RequestId)
}

func TestGateway_InvokeRequest_Echo(t *testing.T) {
	g := newTestGateway(t, 5*time.Second)
	fw := connectWorker(t, g, true, "chat")

	resp := g.InvokeRequest(context.Background(), &wire.Request{
		RequestId: "caller-id-1",
		Target:    wire.AgentId{Type: "chat", Key: "room-1"},
		Method:    "say",
		Payload:   []byte("hello"),
	})

	assert.Empty(t, resp.Error)
	assert.Equal(t, []byte("hello"), resp.Payload)
	assert.Equal(t, "caller-id-1", resp.RequestId, "caller's id must be restored")

	// The wire carried a gateway-assigned correlation id, not the caller's.
	fwd := fw.lastRequest()
	require.NotNil(t, fwd)
	assert.NotEqual(t, "caller-id-1", fwd.RequestId)
	assert.Equal(t, 0, fw.conn.PendingCount())
}

func TestGateway_InvokeRequest_NoWorker(t *testing.T) {
	g := newTestGateway(t, time.Second)

	resp := g.InvokeRequest(context.Background(), &wire.Request{
		RequestId: "r-1",
		Target:    wire.AgentId{Type: "missing", Key: "k"},
	})
	assert.Equal(t, "r-1", resp.RequestId)
	assert.Contains(t, resp.Error, ErrAgentNotFound.Error())
}

func TestGateway_InvokeRequest_MissingTarget(t *testing.T) {
	g := newTestGateway(t, time.Second)

	resp := g.InvokeRequest(context.Background(), &wire.Request{RequestId: "r-1"})
	assert.NotEmpty(t, resp.Error)
}

func TestGateway_InvokeRequest_Timeout(t *testing.T) {
	g := newTestGateway(t, 50*time.Millisecond)
	fw := connectWorker(t, g, false, "chat") // never responds

	start := time.Now()
	resp := g.InvokeRequest(context.Background(), &wire.Request{
		RequestId: "r-1",
		Target:    wire.AgentId{Type: "chat", Key: "room-1"},
	})
	elapsed := time.Since(start)

	assert.Contains(t, resp.Error, ErrRequestTimeout.Error())
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, fw.conn.PendingCount(), "timed-out slot must be released")
}

func TestGateway_InvokeRequest_Concurrent(t *testing.T) {
	g := newTestGateway(t, 5*time.Second)
	connectWorker(t, g, true, "chat")

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			callerID := fmt.Sprintf("caller-%d", i)
			payload := []byte(fmt.Sprintf("payload-%d", i))
			resp := g.InvokeRequest(context.Background(), &wire.Request{
				RequestId: callerID,
				Target:    wire.AgentId{Type: "chat", Key: fmt.Sprintf("room-%d", i%7)},
				Payload:   payload,
			})
			if resp.Error != "" {
				t.Errorf("request %d failed: %s", i, resp.Error)
				return
			}
			if resp.RequestId != callerID {
				t.Errorf("request %d: got response id %s", i, resp.RequestId)
			}
			if string(resp.Payload) != string(payload) {
				t.Errorf("request %d: payload mismatch", i)
			}
		}(i)
	}
	wg.Wait()
}

func TestGateway_PlacementSticksToConnection(t *testing.T) {
	g := newTestGateway(t, 5*time.Second)
	fw1 := connectWorker(t, g, true, "chat")
	fw2 := connectWorker(t, g, true, "chat")

	target := wire.AgentId{Type: "chat", Key: "room-1"}
	for i := 0; i < 10; i++ {
		resp := g.InvokeRequest(context.Background(), &wire.Request{
			RequestId: fmt.Sprintf("r-%d", i),
			Target:    target,
		})
		require.Empty(t, resp.Error)
	}

	// All ten requests landed on a single connection.
	fw1.mu.Lock()
	n1 := len(fw1.requests)
	fw1.mu.Unlock()
	fw2.mu.Lock()
	n2 := len(fw2.requests)
	fw2.mu.Unlock()
	assert.Equal(t, 10, n1+n2)
	assert.True(t, n1 == 0 || n2 == 0, "placement must pin to one connection")
}

func TestGateway_AddSubscription_InvalidVariant(t *testing.T) {
	g := newTestGateway(t, time.Second)

	resp := g.AddSubscription(context.Background(), &wire.AddSubscriptionRequest{
		RequestId:    "s-1",
		Subscription: &wire.Subscription{},
	})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestGateway_DispatchEvent_ExactSubscription(t *testing.T) {
	g := newTestGateway(t, time.Second)
	fw := connectWorker(t, g, false, "billing")

	ctx := context.Background()
	ack := g.AddSubscription(ctx, &wire.AddSubscriptionRequest{
		RequestId: "s-1",
		Subscription: &wire.Subscription{
			Exact: &wire.TypeSubscription{TopicType: "orders.created", AgentType: "billing"},
		},
	})
	require.True(t, ack.Success)

	text := "1 widget"
	err := g.DispatchEvent(ctx, &wire.CloudEvent{
		Id:          "evt-1",
		Source:      "shop",
		SpecVersion: wire.SpecVersion,
		Type:        "orders.created",
		TextData:    &text,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fw.eventCount())
}

func TestGateway_DispatchEvent_PrefixSubscription(t *testing.T) {
	g := newTestGateway(t, time.Second)
	fw := connectWorker(t, g, false, "audit")

	ctx := context.Background()
	ack := g.AddSubscription(ctx, &wire.AddSubscriptionRequest{
		RequestId: "s-1",
		Subscription: &wire.Subscription{
			Prefix: &wire.TypePrefixSubscription{TopicTypePrefix: "orders.", AgentType: "audit"},
		},
	})
	require.True(t, ack.Success)

	err := g.DispatchEvent(ctx, &wire.CloudEvent{
		Id:          "evt-1",
		Source:      "shop",
		SpecVersion: wire.SpecVersion,
		Type:        "orders.canceled",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fw.eventCount())

	err = g.DispatchEvent(ctx, &wire.CloudEvent{
		Id:          "evt-2",
		Source:      "shop",
		SpecVersion: wire.SpecVersion,
		Type:        "payments.captured",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fw.eventCount(), "non-matching topic is not delivered")
}

func TestGateway_DispatchEvent_DedupesByConnection(t *testing.T) {
	g := newTestGateway(t, time.Second)
	// One connection hosts both subscribed types; it gets one copy.
	fw := connectWorker(t, g, false, "billing", "audit")

	ctx := context.Background()
	for _, at := range []string{"billing", "audit"} {
		ack := g.AddSubscription(ctx, &wire.AddSubscriptionRequest{
			RequestId: "s-" + at,
			Subscription: &wire.Subscription{
				Exact: &wire.TypeSubscription{TopicType: "orders.created", AgentType: at},
			},
		})
		require.True(t, ack.Success)
	}

	err := g.DispatchEvent(ctx, &wire.CloudEvent{
		Id:          "evt-1",
		Source:      "shop",
		SpecVersion: wire.SpecVersion,
		Type:        "orders.created",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fw.eventCount())
}

func TestGateway_DispatchEvent_ExactAndPrefixSubscribers(t *testing.T) {
	g := newTestGateway(t, time.Second)
	exactFW := connectWorker(t, g, false, "billing")
	prefixFW := connectWorker(t, g, false, "audit")

	ctx := context.Background()
	ack := g.AddSubscription(ctx, &wire.AddSubscriptionRequest{
		RequestId: "s-1",
		Subscription: &wire.Subscription{
			Exact: &wire.TypeSubscription{TopicType: "orders.created", AgentType: "billing"},
		},
	})
	require.True(t, ack.Success)
	ack = g.AddSubscription(ctx, &wire.AddSubscriptionRequest{
		RequestId: "s-2",
		Subscription: &wire.Subscription{
			Prefix: &wire.TypePrefixSubscription{TopicTypePrefix: "orders.", AgentType: "audit"},
		},
	})
	require.True(t, ack.Success)

	err := g.DispatchEvent(ctx, &wire.CloudEvent{
		Id:          "evt-1",
		Source:      "shop",
		SpecVersion: wire.SpecVersion,
		Type:        "orders.created",
	})
	require.NoError(t, err)

	// Both subscriptions match independently; the exact subscriber does
	// not shadow the prefix subscriber.
	assert.Equal(t, 1, exactFW.eventCount())
	assert.Equal(t, 1, prefixFW.eventCount())
}

func TestGateway_DispatchEvent_AllConnectionsOfType(t *testing.T) {
	g := newTestGateway(t, time.Second)
	first := connectWorker(t, g, false, "billing")
	second := connectWorker(t, g, false, "billing")

	ctx := context.Background()
	ack := g.AddSubscription(ctx, &wire.AddSubscriptionRequest{
		RequestId: "s-1",
		Subscription: &wire.Subscription{
			Exact: &wire.TypeSubscription{TopicType: "orders.created", AgentType: "billing"},
		},
	})
	require.True(t, ack.Success)

	err := g.DispatchEvent(ctx, &wire.CloudEvent{
		Id:          "evt-1",
		Source:      "shop",
		SpecVersion: wire.SpecVersion,
		Type:        "orders.created",
	})
	require.NoError(t, err)

	// Events fan out to every connection registered for the type; the
	// selection policy only applies to request routing.
	assert.Equal(t, 1, first.eventCount())
	assert.Equal(t, 1, second.eventCount())
}

func TestGateway_DispatchEvent_InvalidEvent(t *testing.T) {
	g := newTestGateway(t, time.Second)
	err := g.DispatchEvent(context.Background(), &wire.CloudEvent{Type: "orders.created"})
	assert.Error(t, err)
}

func TestGateway_OnWorkerDisconnected(t *testing.T) {
	g := newTestGateway(t, 5*time.Second)
	fw := connectWorker(t, g, true, "chat")

	ctx := context.Background()
	target := wire.AgentId{Type: "chat", Key: "room-1"}
	resp := g.InvokeRequest(ctx, &wire.Request{RequestId: "r-1", Target: target})
	require.Empty(t, resp.Error)

	g.OnWorkerDisconnected(ctx, fw.conn)

	assert.Equal(t, 0, g.WorkerCount())

	// The orphaned type is gone from the directory, so routing now misses.
	resp = g.InvokeRequest(ctx, &wire.Request{RequestId: "r-2", Target: target})
	assert.Contains(t, resp.Error, ErrAgentNotFound.Error())

	// A replacement worker picks up a fresh placement for the same agent.
	fw2 := connectWorker(t, g, true, "chat")
	resp = g.InvokeRequest(ctx, &wire.Request{RequestId: "r-3", Target: target})
	assert.Empty(t, resp.Error)
	require.NotNil(t, fw2.lastRequest())
}

func TestGateway_OnWorkerDisconnected_FailsPending(t *testing.T) {
	g := newTestGateway(t, 5*time.Second)
	fw := connectWorker(t, g, false, "chat") // never responds

	done := make(chan *wire.Response, 1)
	go func() {
		done <- g.InvokeRequest(context.Background(), &wire.Request{
			RequestId: "r-1",
			Target:    wire.AgentId{Type: "chat", Key: "room-1"},
		})
	}()

	// Wait for the request to be in flight, then kill the connection.
	require.Eventually(t, func() bool {
		return fw.conn.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	g.OnWorkerDisconnected(context.Background(), fw.conn)

	select {
	case resp := <-done:
		assert.Contains(t, resp.Error, worker.ErrConnectionClosed.Error())
	case <-time.After(time.Second):
		t.Fatal("in-flight request did not fail on disconnect")
	}
}

func TestRoundRobinSelection(t *testing.T) {
	policy := RoundRobinSelection()
	conns := []*worker.Connection{
		worker.New("a", &fakeWorker{}, slog.Default()),
		worker.New("b", &fakeWorker{}, slog.Default()),
	}
	first := policy(conns)
	second := policy(conns)
	third := policy(conns)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID, third.ID)
}
