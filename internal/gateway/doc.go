// Package gateway orchestrates the mesh-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the mesh-gateway
// server. It owns the gRPC server workers connect to, the HTTP inspection
// surface, the cluster directory client, the agent state store, and the
// local routing caches.
//
// # Routing
//
// Every RPC targets one agent instance (wire.AgentId). Routing resolves
// the target in three steps:
//
//  1. Local placement cache: agent id -> connection. A hit sends at once.
//  2. Cluster directory: GetOrPlaceAgent pins the agent to a gateway,
//     choosing one compatible live gateway on first contact. One writer
//     wins the race; losers adopt the winning placement.
//  3. Delivery: a placement on this gateway picks a local connection via
//     the configured selection policy; a placement on a peer gateway
//     forwards the request over a pooled channel client.
//
// Placements are sticky until failure. A worker disconnect frees its
// cached placements and, when it was the last local host of a type,
// unregisters the type from the directory.
//
// # Request Correlation
//
// Requests forwarded to a worker carry a gateway-assigned correlation id;
// the caller's original request id is restored on the response. Each
// in-flight request resolves exactly once: by the worker's response, by
// the request timeout, or by connection teardown.
//
// # Events
//
// CloudEvents fan out to every connection registered for a subscribed
// agent type, matched by exact topic or topic prefix; every subscription
// is evaluated independently. The matched types are the union of the
// cluster directory's view and the local subscription table; each
// connection receives at most one copy.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /healthz - Liveness check
//   - GET /readyz - Readiness check (requires a connected worker)
//   - GET /metrics - Prometheus metrics
//   - GET /api/workers - List connected workers
//   - GET /api/subscriptions - List local subscriptions
//   - POST /api/events - Publish a CloudEvent
//   - POST /api/rpc - Invoke an agent RPC
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)
//
// Run announces the gateway to the directory, serves until the context is
// canceled, then deregisters and drains. A heartbeat loop re-announces on
// an interval so the directory evicts gateways that go silent.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - routing.go: placement resolution, RPC correlation, event fan-out
//   - grpc.go: channel stream and state RPC handlers
//   - peer.go: cross-gateway request forwarding
//   - api.go: HTTP handlers
package gateway
