// Package wire defines the worker channel protocol.
//
// Workers and gateways exchange a single Message envelope over a
// bidirectional gRPC stream (mesh.v1.WorkerGateway/Channel). The envelope
// carries exactly one of: Request, Response, CloudEvent,
// RegisterAgentTypeRequest/Response, AddSubscriptionRequest/Response.
// Envelopes with zero or multiple variants are protocol errors and abort
// the stream.
//
// Messages are framed as JSON through a codec registered under the
// "mesh-json" content subtype; the service descriptor is written by hand
// so the repository carries no generated bindings. Agent state persistence
// is exposed as unary GetState/SaveState RPCs on the same service.
package wire
