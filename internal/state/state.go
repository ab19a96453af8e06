// ABOUTME: Store interface and errors for per-agent opaque state persistence.
// ABOUTME: Writes are guarded by ETag optimistic concurrency; stale writes fail.

package state

import (
	"context"
	"fmt"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

// ConflictError reports a write with a stale ETag. CurrentETag carries the
// version actually stored so the caller can re-read and retry.
type ConflictError struct {
	AgentID     string
	CurrentETag string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict for %s: current etag %q", e.AgentID, e.CurrentETag)
}

// Store persists one opaque state blob per agent, versioned by ETag.
// Used for agent activation and recovery, never for routing.
type Store interface {
	// Read returns the agent's state and current ETag. A never-written
	// agent yields empty state and a fresh ETag that a subsequent Write
	// accepts.
	Read(ctx context.Context, id wire.AgentId) (data []byte, etag string, err error)

	// Write stores the blob if expectedETag matches the stored version and
	// returns the new ETag. A mismatch returns *ConflictError and leaves
	// the stored state untouched. An empty expectedETag is accepted only
	// for an agent with no state row yet.
	Write(ctx context.Context, id wire.AgentId, data []byte, expectedETag string) (newETag string, err error)

	Close() error
}
