// ABOUTME: Tests for the Directory circuit breaker: tripping on backend
// ABOUTME: faults, fast-failing while open, and passing routing misses through.

package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

// failingDirectory returns a fixed error from every method.
type failingDirectory struct {
	err   error
	calls int
}

func (f *failingDirectory) RegisterAgentType(context.Context, string, string) error {
	f.calls++
	return f.err
}
func (f *failingDirectory) UnregisterAgentType(context.Context, string, string) error {
	f.calls++
	return f.err
}
func (f *failingDirectory) AddWorker(context.Context, GatewayInfo) error {
	f.calls++
	return f.err
}
func (f *failingDirectory) RemoveWorker(context.Context, string) error {
	f.calls++
	return f.err
}
func (f *failingDirectory) GetOrPlaceAgent(context.Context, wire.AgentId) (GatewayInfo, bool, error) {
	f.calls++
	return GatewayInfo{}, false, f.err
}
func (f *failingDirectory) GetCompatibleWorker(context.Context, string) (GatewayInfo, error) {
	f.calls++
	return GatewayInfo{}, f.err
}
func (f *failingDirectory) Subscribe(context.Context, string, string, bool) error {
	f.calls++
	return f.err
}
func (f *failingDirectory) SubscribedAndHandlingAgents(context.Context, string, string) ([]string, error) {
	f.calls++
	return nil, f.err
}

func TestBreaker_PassesThroughHealthyBackend(t *testing.T) {
	l := newTestLocal(t)
	b := WithBreaker(l, "test")

	ctx := context.Background()
	require.NoError(t, b.AddWorker(ctx, GatewayInfo{ID: "gw-1", Addr: "gw-1:50051"}))
	require.NoError(t, b.RegisterAgentType(ctx, "chat", "gw-1"))

	info, wasNew, err := b.GetOrPlaceAgent(ctx, wire.AgentId{Type: "chat", Key: "k"})
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, "gw-1", info.ID)
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	backend := &failingDirectory{err: errors.New("backend down")}
	b := WithBreaker(backend, "test")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := b.AddWorker(ctx, GatewayInfo{ID: "gw-1"})
		require.Error(t, err)
	}
	callsBeforeOpen := backend.calls

	// The circuit is open now: calls fail fast without touching the backend.
	err := b.AddWorker(ctx, GatewayInfo{ID: "gw-1"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, callsBeforeOpen, backend.calls)
}

func TestBreaker_NoCompatibleWorkerIsNotAFault(t *testing.T) {
	backend := &failingDirectory{err: ErrNoCompatibleWorker}
	b := WithBreaker(backend, "test")

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, _, err := b.GetOrPlaceAgent(ctx, wire.AgentId{Type: "chat", Key: "k"})
		assert.ErrorIs(t, err, ErrNoCompatibleWorker)
	}
	// Routing misses never open the circuit; the backend sees every call.
	assert.Equal(t, 20, backend.calls)
}

func TestBreaker_GetCompatibleWorkerMissPassesThrough(t *testing.T) {
	backend := &failingDirectory{err: ErrNoCompatibleWorker}
	b := WithBreaker(backend, "test")

	for i := 0; i < 10; i++ {
		_, err := b.GetCompatibleWorker(context.Background(), "chat")
		assert.ErrorIs(t, err, ErrNoCompatibleWorker)
	}
	assert.Equal(t, 10, backend.calls)
}
