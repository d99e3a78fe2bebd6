// Package gateway serves the frontdesk backend to channel adapters.
//
// # Transports
//
// HTTP JSON API under /api (see registerAPIRoutes for the route table):
//
//	POST   /api/customers/identify          identify a customer on a channel
//	POST   /api/conversations               start (or return) a customer's conversation
//	POST   /api/conversations/{id}/assign   assign to a workplace or an agent
//	POST   /api/conversations/{id}/messages append a message
//	GET    /api/events                      Server-Sent Events stream
//
// The gRPC service frontdesk.v1.Backend mirrors the write operations with
// google.protobuf.Struct payloads whose fields match the JSON bodies, plus
// a server-streaming Events call. The standard gRPC health service reports
// frontdesk.v1.Backend as SERVING until shutdown.
//
// # Errors
//
// Backend error kinds map to transport codes:
//
//	not found       404  NotFound
//	conflict        409  Aborted
//	invalid state   422  FailedPrecondition
//	validation      400  InvalidArgument
//	forbidden       403  PermissionDenied
//	storage         500  Unavailable
//
// # Access
//
// Service tokens may call everything. Agent tokens may read, and may act
// only in their own name: assigning to their own workplaces, writing agent
// messages as themselves, and postponing or resolving conversations
// assigned to them.
//
// # Listeners
//
// Run listens on server.grpc_addr and server.http_addr, or on a tsnet node
// (:50051 and :80) when tailscale is enabled. Both servers shut down
// together when the context is canceled.
package gateway
