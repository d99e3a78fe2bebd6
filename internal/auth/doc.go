// Package auth authenticates callers of the frontdesk HTTP and gRPC APIs.
//
// # Tokens
//
// Callers present an HS256 JWT as "Authorization: Bearer <token>". The
// subject claim names the caller:
//
//   - service:<name>: a trusted service such as a channel adapter. Services
//     may call every endpoint.
//   - agent:<id>: a support agent. The agent must exist and be active;
//     deactivated agents are refused with 403 / PermissionDenied.
//
// Tokens are minted with `frontdesk token`.
//
// # Middleware
//
// HTTPAuthMiddleware and the gRPC interceptors share one Authenticator and
// store the result with WithAuth. Handlers read it back with FromContext.
// When auth is disabled the NoAuth variants inject an anonymous service
// caller instead.
package auth
