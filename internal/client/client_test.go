// ABOUTME: Tests for the frontdesk API client against a live gateway handler
// ABOUTME: Covers the conversation lifecycle, error kinds, idempotent appends and event streaming

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/auth"
	"github.com/2389/frontdesk/internal/backend"
	"github.com/2389/frontdesk/internal/config"
	"github.com/2389/frontdesk/internal/dedupe"
	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/gateway"
	"github.com/2389/frontdesk/internal/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer starts a gateway over an in-memory backend and returns a
// client holding a service token.
func newTestServer(t *testing.T) (*Client, *backend.Backend) {
	t.Helper()
	b, err := backend.New(backend.Config{
		Store:  store.NewMemoryStore(),
		Bus:    eventbus.Options{Synchronous: true},
		Logger: testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)
	cache := dedupe.New(dedupe.Options{})
	t.Cleanup(cache.Close)

	gw, err := gateway.New(gateway.Options{
		Config:  &config.Config{},
		Backend: b,
		Tokens:  verifier,
		Dedupe:  cache,
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	token, err := verifier.Generate(auth.Subject{Kind: auth.SubjectService, ID: "test"}, time.Hour)
	require.NoError(t, err)
	return New(srv.URL+"/", token), b
}

func TestClientConversationLifecycle(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := t.Context()

	require.NoError(t, c.Health(ctx, false))
	require.NoError(t, c.Health(ctx, true))

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "en", info.Language)

	customer, err := c.IdentifyCustomer(ctx, api.Identification{Channel: "matrix", Key: "@alice:hs", Metadata: map[string]string{"room": "!dm:hs"}})
	require.NoError(t, err)
	again, err := c.IdentifyCustomer(ctx, api.Identification{Channel: "matrix", Key: "@alice:hs"})
	require.NoError(t, err)
	assert.Equal(t, customer.ID, again.ID)

	name := "Alice"
	customer, err = c.UpdateCustomer(ctx, customer.ID, CustomerUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alice", customer.Name)

	_, err = c.OpenConversation(ctx, customer.ID)
	assert.True(t, IsNotFound(err))

	conv, err := c.StartConversation(ctx, customer.ID)
	require.NoError(t, err)
	open, err := c.OpenConversation(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, open.ID)

	res, err := c.AddMessage(ctx, conv.ID, api.Message{Author: "customer", AuthorID: customer.ID, Text: "help"})
	require.NoError(t, err)
	require.NotNil(t, res.Message)

	queue, err := c.Queue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	agent, err := c.GrantAgent(ctx, "", "matrix", "@bob:hs")
	require.NoError(t, err)
	found, err := c.FindAgent(ctx, "matrix", "@bob:hs")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, found.ID)

	wp, err := c.RegisterWorkplace(ctx, agent.ID, "matrix", "!work:hs")
	require.NoError(t, err)
	free, err := c.AgentWorkplaces(ctx, agent.ID, true)
	require.NoError(t, err)
	assert.Len(t, free, 1)

	_, err = c.WorkplaceConversation(ctx, wp.ID)
	assert.True(t, IsNotFound(err))

	conv, err = c.Assign(ctx, conv.ID, AssignByAgent(agent.ID, ""))
	require.NoError(t, err)
	assert.Equal(t, wp.ID, conv.AssignedWorkplaceID)

	bound, err := c.WorkplaceConversation(ctx, wp.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, bound.ID)

	conv, err = c.AddTag(ctx, conv.ID, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, conv.Tags)
	conv, err = c.RemoveTag(ctx, conv.ID, "billing")
	require.NoError(t, err)
	assert.Empty(t, conv.Tags)

	tags, err := c.ListTags(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 1)

	conv, err = c.Postpone(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", conv.State)

	conv, err = c.Assign(ctx, conv.ID, AssignByWorkplace(wp.ID))
	require.NoError(t, err)
	conv, err = c.Resolve(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "resolved", conv.State)

	conv, err = c.Rate(ctx, conv.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, conv.CustomerRating)

	msgs, err := c.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(msgs), 4)

	full, err := c.GetConversation(ctx, conv.ID, true)
	require.NoError(t, err)
	assert.Len(t, full.Messages, len(msgs))

	history, err := c.CustomerConversations(ctx, customer.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	resolved, err := c.ListConversations(ctx, ConversationQuery{State: "resolved", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, resolved, 1)

	deact, err := c.DeactivateAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, deact.Agent.Deactivated)
	assert.Empty(t, deact.Postponed)
	reactivated, err := c.ReactivateAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, reactivated.Deactivated)
}

func TestClientErrorKinds(t *testing.T) {
	c, b := newTestServer(t)
	ctx := t.Context()

	_, err := c.GetConversation(ctx, "missing", false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Kind)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	customer, err := b.IdentifyCustomer(ctx, store.ChannelIdentification{Channel: "matrix", Key: "@c:hs"})
	require.NoError(t, err)
	conv, err := b.StartConversation(ctx, customer.ID)
	require.NoError(t, err)

	_, err = c.Postpone(ctx, conv.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = c.IdentifyCustomer(ctx, api.Identification{Channel: "matrix"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	agent, err := b.GrantAgent(ctx, "", store.ChannelIdentification{Channel: "matrix", Key: "@a:hs"})
	require.NoError(t, err)
	wp, err := b.RegisterWorkplace(ctx, agent.ID, "matrix", "!r:hs")
	require.NoError(t, err)
	_, err = c.Assign(ctx, conv.ID, AssignByWorkplace(wp.ID))
	require.NoError(t, err)
	_, err = c.Assign(ctx, conv.ID, AssignByWorkplace(wp.ID))
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = c.CreateTag(ctx, "vip", agent.ID)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestClientRejectsBadToken(t *testing.T) {
	c, _ := newTestServer(t)
	bad := New(c.baseURL, "garbage")
	_, err := bad.Queue(t.Context(), 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClientIdempotentAddMessage(t *testing.T) {
	c, b := newTestServer(t)
	ctx := t.Context()

	customer, err := b.IdentifyCustomer(ctx, store.ChannelIdentification{Channel: "matrix", Key: "@c:hs"})
	require.NoError(t, err)
	conv, err := b.StartConversation(ctx, customer.ID)
	require.NoError(t, err)

	msg := api.Message{Author: "customer", AuthorID: customer.ID, Text: "once"}
	first, err := c.AddMessage(ctx, conv.ID, msg, Idempotent("matrix", "$evt"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := c.AddMessage(ctx, conv.ID, msg, Idempotent("matrix", "$evt"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Message)

	msgs, err := c.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestClientStreamEvents(t *testing.T) {
	c, b := newTestServer(t)
	customer, err := b.IdentifyCustomer(t.Context(), store.ChannelIdentification{Channel: "matrix", Key: "@c:hs"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	got := make(chan api.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.StreamEvents(ctx, EventFilter{Kinds: []string{"new_conversation"}, CustomerID: customer.ID}, func(ev api.Event) {
			got <- ev
		})
	}()

	require.Eventually(t, func() bool { return b.StreamCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	conv, err := b.StartConversation(t.Context(), customer.ID)
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, "new_conversation", ev.Kind)
		assert.Equal(t, conv.ID, ev.ConversationID)
		require.NotNil(t, ev.Conversation)
		assert.Equal(t, "new", ev.Conversation.State)
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	err = <-done
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestParseSSEStream(t *testing.T) {
	stream := ": keepalive\n\n" +
		"event: message\nid: 1\ndata: {\"a\":1}\n\n" +
		"event: multi\ndata: line1\ndata: line2\n\n" +
		"event: empty\n\n"

	var frames []SSEEvent
	err := parseSSEStream(strings.NewReader(stream), func(f SSEEvent) { frames = append(frames, f) })
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 2)
	assert.Equal(t, SSEEvent{Type: "message", ID: "1", Data: `{"a":1}`}, frames[0])
	assert.Equal(t, "line1\nline2", frames[1].Data)
}

func TestAPIErrorUnwrapFallsBackToStatus(t *testing.T) {
	assert.ErrorIs(t, &APIError{StatusCode: http.StatusNotFound}, errs.ErrNotFound)
	assert.ErrorIs(t, &APIError{StatusCode: http.StatusForbidden}, errs.ErrPermissionDenied)
	assert.Nil(t, (&APIError{StatusCode: http.StatusTeapot}).Unwrap())
	assert.Equal(t, "/api/conversations/a%2Fb/tags/x%20y", path("conversations", "a/b", "tags", "x y"))
}
