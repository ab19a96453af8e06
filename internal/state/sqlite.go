// ABOUTME: SQLite implementation of the agent state store using modernc.org/sqlite.
// ABOUTME: One row per agent; ETag compare-and-swap happens inside the UPDATE.

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for an ephemeral store. Parent directories are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "state-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("state store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_state (
			agent_id   TEXT PRIMARY KEY,
			data       BLOB,
			etag       TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Read returns the stored blob and ETag. For a never-written agent it
// creates an empty row first so the returned ETag is immediately writable.
func (s *SQLiteStore) Read(ctx context.Context, id wire.AgentId) ([]byte, string, error) {
	key := id.String()

	var data []byte
	var etag string
	err := s.db.QueryRowContext(ctx,
		"SELECT data, etag FROM agent_state WHERE agent_id = ?", key,
	).Scan(&data, &etag)
	if err == nil {
		return data, etag, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("reading state for %s: %w", key, err)
	}

	etag = uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO agent_state (agent_id, data, etag, updated_at) VALUES (?, NULL, ?, ?) ON CONFLICT(agent_id) DO NOTHING",
		key, etag, time.Now().UTC(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("initializing state for %s: %w", key, err)
	}

	// A concurrent Read may have initialized the row first; re-read so
	// both callers see the same ETag.
	err = s.db.QueryRowContext(ctx,
		"SELECT data, etag FROM agent_state WHERE agent_id = ?", key,
	).Scan(&data, &etag)
	if err != nil {
		return nil, "", fmt.Errorf("re-reading state for %s: %w", key, err)
	}
	return data, etag, nil
}

// Write performs the compare-and-swap inside a single UPDATE so a stale
// ETag can never clobber newer state.
func (s *SQLiteStore) Write(ctx context.Context, id wire.AgentId, data []byte, expectedETag string) (string, error) {
	key := id.String()
	newETag := uuid.New().String()
	now := time.Now().UTC()

	if expectedETag == "" {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO agent_state (agent_id, data, etag, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(agent_id) DO NOTHING",
			key, data, newETag, now,
		)
		if err != nil {
			return "", fmt.Errorf("inserting state for %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return newETag, nil
		}
		return "", s.conflict(ctx, key)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_state SET data = ?, etag = ?, updated_at = ? WHERE agent_id = ? AND etag = ?",
		data, newETag, now, key, expectedETag,
	)
	if err != nil {
		return "", fmt.Errorf("updating state for %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return newETag, nil
	}
	return "", s.conflict(ctx, key)
}

// conflict builds a ConflictError carrying whatever ETag is stored now.
func (s *SQLiteStore) conflict(ctx context.Context, key string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		"SELECT etag FROM agent_state WHERE agent_id = ?", key,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading current etag for %s: %w", key, err)
	}
	return &ConflictError{AgentID: key, CurrentETag: current}
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
