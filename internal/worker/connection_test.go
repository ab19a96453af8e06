// ABOUTME: Tests for worker connection request correlation and teardown.
// ABOUTME: Covers exactly-once resolution, late responses, and closed streams.

package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

// mockStream records sent messages.
type mockStream struct {
	mu   sync.Mutex
	sent []*wire.Message
	err  error
}

func (m *mockStream) Send(msg *wire.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockStream) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestConn(t *testing.T) (*Connection, *mockStream) {
	t.Helper()
	stream := &mockStream{}
	return New("conn-test", stream, slog.Default()), stream
}

func TestConnection_SupportedTypes(t *testing.T) {
	conn, _ := newTestConn(t)

	assert.False(t, conn.SupportsType("chat"))

	conn.AddSupportedType("chat")
	conn.AddSupportedType("chat") // idempotent
	conn.AddSupportedType("search")

	assert.True(t, conn.SupportsType("chat"))
	assert.True(t, conn.SupportsType("search"))
	assert.ElementsMatch(t, []string{"chat", "search"}, conn.SupportedTypes())
}

func TestConnection_RequestResponse(t *testing.T) {
	conn, _ := newTestConn(t)

	ch, err := conn.CreateRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, conn.PendingCount())

	conn.HandleResponse(&wire.Response{RequestId: "req-1", Payload: []byte("pong")})

	resp, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "req-1", resp.RequestId)
	assert.Equal(t, []byte("pong"), resp.Payload)
	assert.Equal(t, 0, conn.PendingCount())
}

func TestConnection_LateResponseDropped(t *testing.T) {
	conn, _ := newTestConn(t)

	ch, err := conn.CreateRequest("req-1")
	require.NoError(t, err)

	// Caller gave up before the response arrived.
	conn.CloseRequest("req-1")
	_, ok := <-ch
	assert.False(t, ok, "abandoned slot is closed, not resolved")

	// The late response has no slot; it must be dropped silently.
	conn.HandleResponse(&wire.Response{RequestId: "req-1"})
	assert.Equal(t, 0, conn.PendingCount())
}

func TestConnection_CloseFailsPending(t *testing.T) {
	conn, _ := newTestConn(t)

	ch1, err := conn.CreateRequest("req-1")
	require.NoError(t, err)
	ch2, err := conn.CreateRequest("req-2")
	require.NoError(t, err)

	conn.Close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)
	assert.Equal(t, 0, conn.PendingCount())

	_, err = conn.CreateRequest("req-3")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnection_CloseIdempotent(t *testing.T) {
	conn, _ := newTestConn(t)
	conn.Close()
	conn.Close()
}

func TestConnection_ConcurrentRequests(t *testing.T) {
	conn, _ := newTestConn(t)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			ch, err := conn.CreateRequest(id)
			if err != nil {
				t.Error(err)
				return
			}
			conn.HandleResponse(&wire.Response{RequestId: id})
			if resp := <-ch; resp.RequestId != id {
				t.Errorf("got response for %s, want %s", resp.RequestId, id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, conn.PendingCount())
}

func TestConnection_SendSerialized(t *testing.T) {
	conn, stream := newTestConn(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := conn.Send(&wire.Message{Response: &wire.Response{RequestId: "x"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, n, stream.sentCount())
}
