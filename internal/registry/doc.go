// Package registry provides the cluster directory: the source of truth for
// gateway liveness, agent type registrations, agent placement, and
// cluster-wide subscriptions.
//
// Two backends implement the Directory interface:
//
//   - Local: an in-process table for single-gateway deployments and tests.
//     Liveness is tracked by heartbeat deadlines; placement uses sharded
//     maps so races on unrelated agents never contend.
//   - Etcd: for multi-gateway deployments. Liveness and type
//     registrations are lease-scoped keys that disappear when a gateway
//     stops heartbeating; placements are claimed with create-revision
//     transactions, making the placement race strict one-writer-wins.
//
// WithBreaker decorates either backend with a circuit breaker so a run of
// backend faults fails fast instead of stalling every worker stream. A
// routing miss (ErrNoCompatibleWorker) is an answer, not a fault, and
// never trips the circuit.
package registry
