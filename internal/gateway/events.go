// ABOUTME: Server-Sent Events endpoint streaming backend events to frontends
// ABOUTME: Filters by kind, conversation, customer or agent and sends keepalive comments

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/auth"
)

// sseKeepalive is the interval between keepalive comments.
const sseKeepalive = 15 * time.Second

// formatSSEEvent formats one SSE frame.
func formatSSEEvent(eventType, id string, data []byte) string {
	return fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", eventType, id, data)
}

// handleEvents handles GET /api/events. Query parameters: kinds (comma
// separated), conversation_id, customer_id, agent_id. Agent callers only
// receive events about themselves unless they ask for a conversation.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := EventsRequest{
		ConversationID: q.Get("conversation_id"),
		CustomerID:     q.Get("customer_id"),
		AgentID:        q.Get("agent_id"),
	}
	if kinds := q.Get("kinds"); kinds != "" {
		req.Kinds = strings.Split(kinds, ",")
	}
	if authCtx := auth.FromContext(r.Context()); !authCtx.IsService() && req.ConversationID == "" {
		req.AgentID = authCtx.AgentID()
	}
	filter, err := req.filter()
	if err != nil {
		g.fail(w, r, err)
		return
	}

	// Subscribe before the headers go out so a client that saw the response
	// start cannot miss an event.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := g.backend.Stream(ctx, filter)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		g.logger.Error("streaming not supported", "error", err)
		return
	}

	if g.metrics != nil {
		g.metrics.SSEClients.Inc()
		defer g.metrics.SSEClients.Dec()
	}
	g.logger.Debug("event stream opened", "remote_addr", r.RemoteAddr, "kinds", req.Kinds)

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(api.FromEvent(ev))
			if err != nil {
				g.logger.Error("failed to marshal SSE data", "error", err)
				continue
			}
			if _, err := fmt.Fprint(w, formatSSEEvent(string(ev.Kind), ev.ID, data)); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
