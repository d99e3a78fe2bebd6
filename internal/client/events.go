// ABOUTME: Server-Sent Events consumer for /api/events
// ABOUTME: Parses event frames into api.Event values and hands them to a callback

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/frontdesk/internal/api"
)

// EventFilter narrows an event stream. Zero fields match everything.
type EventFilter struct {
	Kinds          []string
	ConversationID string
	CustomerID     string
	AgentID        string
}

func (f EventFilter) values() url.Values {
	v := url.Values{}
	if len(f.Kinds) > 0 {
		v.Set("kinds", strings.Join(f.Kinds, ","))
	}
	if f.ConversationID != "" {
		v.Set("conversation_id", f.ConversationID)
	}
	if f.CustomerID != "" {
		v.Set("customer_id", f.CustomerID)
	}
	if f.AgentID != "" {
		v.Set("agent_id", f.AgentID)
	}
	return v
}

// SSEEvent is one raw frame from the stream.
type SSEEvent struct {
	Type string
	ID   string
	Data string
}

// StreamEvents subscribes to backend events and calls onEvent for each one
// until ctx is cancelled or the server closes the stream. A cancelled ctx
// returns ctx.Err(); a server-side close returns io.EOF.
func (c *Client) StreamEvents(ctx context.Context, filter EventFilter, onEvent func(api.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, path("events"), filter.values(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client may carry a timeout; streams are bounded by ctx alone.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp)
	}

	err = parseSSEStream(resp.Body, func(frame SSEEvent) {
		var ev api.Event
		if json.Unmarshal([]byte(frame.Data), &ev) != nil {
			return
		}
		onEvent(ev)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// parseSSEStream reads frames from body until EOF.
func parseSSEStream(body io.Reader, onFrame func(SSEEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var frame SSEEvent
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 {
				frame.Data = strings.Join(dataLines, "\n")
				onFrame(frame)
			}
			frame = SSEEvent{}
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment (keepalive)
		case strings.HasPrefix(line, "event:"):
			frame.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			frame.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return io.EOF
}
