// Package config handles configuration loading for mesh-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MESHGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/meshgate/gateway.yaml
//  3. ~/.config/meshgate/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  heartbeat_interval: "15s"
//	  request_timeout: "30s"
//
// # Example
//
//	server:
//	  grpc_addr: "localhost:50051"
//	  http_addr: "localhost:8080"
//	  advertise_addr: "gw1.internal:50051"
//
//	database:
//	  path: "/var/lib/meshgate/gateway.db"
//
//	registry:
//	  backend: "etcd"
//	  endpoints:
//	    - "localhost:2379"
//	  worker_ttl: "45s"
//	  breaker: true
//
//	gateway:
//	  heartbeat_interval: "15s"
//	  request_timeout: "30s"
//	  selection_policy: "random"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
package config
