// ABOUTME: Tests for config loading, env var expansion, durations, and validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"
  advertise_addr: "gw1.internal:50051"

database:
  path: "/tmp/test/gateway.db"

registry:
  backend: "etcd"
  endpoints:
    - "localhost:2379"
  worker_ttl: "60s"
  breaker: true

gateway:
  heartbeat_interval: "10s"
  request_timeout: "20s"
  selection_policy: "round_robin"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "gw1.internal:50051", cfg.Server.AdvertiseAddr)
	assert.Equal(t, "etcd", cfg.Registry.Backend)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, 60*time.Second, cfg.Registry.WorkerTTL)
	assert.True(t, cfg.Registry.Breaker)
	assert.Equal(t, 10*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, cfg.Gateway.RequestTimeout)
	assert.Equal(t, "round_robin", cfg.Gateway.SelectionPolicy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"

database:
  path: "/tmp/test/gateway.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Registry.Backend)
	assert.Equal(t, DefaultWorkerTTL, cfg.Registry.WorkerTTL)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, DefaultRequestTimeout, cfg.Gateway.RequestTimeout)
	assert.Equal(t, "random", cfg.Gateway.SelectionPolicy)
	assert.Equal(t, cfg.Server.GRPCAddr, cfg.Server.AdvertiseAddr, "advertise defaults to the gRPC address")
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_MESH_DB", "/var/lib/meshgate/state.db")

	path := writeConfig(t, `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"

database:
  path: "${TEST_MESH_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/meshgate/state.db", cfg.Database.Path)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"

database:
  path: "/tmp/gateway.db"

gateway:
  request_timeout: "not-a-duration"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing grpc addr",
			mutate:  func(c *Config) { c.Server.GRPCAddr = "" },
			wantErr: "grpc_addr",
		},
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "http_addr",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "etcd without endpoints",
			mutate:  func(c *Config) { c.Registry.Backend = "etcd" },
			wantErr: "registry.endpoints",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Registry.Backend = "zookeeper" },
			wantErr: "registry.backend",
		},
		{
			name:    "unknown selection policy",
			mutate:  func(c *Config) { c.Gateway.SelectionPolicy = "sticky" },
			wantErr: "selection_policy",
		},
		{
			name:    "tailscale without hostname",
			mutate:  func(c *Config) { c.Tailscale.Enabled = true },
			wantErr: "tailscale.hostname",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
