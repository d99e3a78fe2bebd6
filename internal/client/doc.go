// Package client is the Go client for the frontdesk HTTP API.
//
// # Overview
//
// Channel adapters run as separate processes and talk to the frontdesk
// server through this package. Every backend operation the HTTP API exposes
// has a method here, and StreamEvents consumes the Server-Sent Events
// endpoint so adapters can react to conversation changes.
//
// # Errors
//
// Non-2xx responses become *APIError. APIError unwraps to the matching
// errs sentinel, so callers test failures the same way in-process callers do:
//
//	_, err := c.Assign(ctx, convID, client.AssignByWorkplace(wpID))
//	if errors.Is(err, errs.ErrConflict) {
//		// someone else took it
//	}
//
// # Authentication
//
// A non-empty token is sent as "Authorization: Bearer <token>" on every
// request. Adapters use service tokens minted with "frontdesk token".
//
// # Idempotent messages
//
// AddMessage accepts the channel and the channel's own message ID. The
// server drops repeats of the same pair, which makes redelivered inbound
// messages harmless:
//
//	res, err := c.AddMessage(ctx, convID, msg, client.Idempotent("matrix", evt.ID.String()))
//	if err == nil && res.Duplicate {
//		return
//	}
package client
