// ABOUTME: Configuration loading and parsing for mesh-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mesh-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Registry  RegistryConfig  `yaml:"registry"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listener address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`

	// AdvertiseAddr is the address peer gateways use to reach this one for
	// cross-gateway request forwarding. Defaults to GRPCAddr.
	AdvertiseAddr string `yaml:"advertise_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds state store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig selects and configures the cluster directory backend
type RegistryConfig struct {
	// Backend is "local" (single-process authoritative table) or "etcd".
	Backend string `yaml:"backend"`

	// Endpoints lists etcd endpoints when backend is "etcd".
	Endpoints []string `yaml:"endpoints"`

	// WorkerTTL is how long a gateway stays live without a heartbeat.
	WorkerTTL    time.Duration `yaml:"-"`
	WorkerTTLRaw string        `yaml:"worker_ttl"`

	// Breaker enables the circuit breaker around directory calls.
	Breaker bool `yaml:"breaker"`
}

// GatewayConfig holds routing timing and policy configuration
type GatewayConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`

	// SelectionPolicy picks among connections supporting a type on a
	// placement cache miss: "random" or "round_robin".
	SelectionPolicy string `yaml:"selection_policy"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default timing values applied when the config file leaves them unset.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultWorkerTTL         = 45 * time.Second
)

// Default returns a runnable configuration for local development.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			GRPCAddr: "localhost:50051",
			HTTPAddr: "localhost:8080",
		},
		Database: DatabaseConfig{Path: ":memory:"},
		Metrics:  MetricsConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Registry.Backend == "" {
		c.Registry.Backend = "local"
	}
	if c.Registry.WorkerTTL == 0 {
		c.Registry.WorkerTTL = DefaultWorkerTTL
	}
	if c.Gateway.HeartbeatInterval == 0 {
		c.Gateway.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = DefaultRequestTimeout
	}
	if c.Gateway.SelectionPolicy == "" {
		c.Gateway.SelectionPolicy = "random"
	}
	if c.Server.AdvertiseAddr == "" {
		c.Server.AdvertiseAddr = c.Server.GRPCAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Registry.Backend {
	case "local":
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			return fmt.Errorf("registry.endpoints is required when backend is etcd")
		}
	default:
		return fmt.Errorf("registry.backend must be local or etcd, got %q", c.Registry.Backend)
	}

	switch c.Gateway.SelectionPolicy {
	case "random", "round_robin":
	default:
		return fmt.Errorf("gateway.selection_policy must be random or round_robin, got %q", c.Gateway.SelectionPolicy)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.HeartbeatIntervalRaw != "" {
		cfg.Gateway.HeartbeatInterval, err = time.ParseDuration(cfg.Gateway.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Gateway.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Gateway.RequestTimeoutRaw != "" {
		cfg.Gateway.RequestTimeout, err = time.ParseDuration(cfg.Gateway.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Gateway.RequestTimeoutRaw, err)
		}
	}

	if cfg.Registry.WorkerTTLRaw != "" {
		cfg.Registry.WorkerTTL, err = time.ParseDuration(cfg.Registry.WorkerTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing worker_ttl %q: %w", cfg.Registry.WorkerTTLRaw, err)
		}
	}

	return nil
}
