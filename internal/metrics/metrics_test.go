// ABOUTME: Tests for Prometheus metrics
// ABOUTME: Checks event counting, request recording and the exposition handler

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/frontdesk/internal/eventbus"
)

func TestEventsAreCounted(t *testing.T) {
	m := New()
	bus := eventbus.New(eventbus.Options{Synchronous: true}, nil)
	defer bus.Close()
	m.Attach(bus)

	for _, ev := range []eventbus.Event{
		{Kind: eventbus.KindNewConversation, ConversationID: "c"},
		{Kind: eventbus.KindMessage, ConversationID: "c"},
		{Kind: eventbus.KindMessage, ConversationID: "c"},
		{Kind: eventbus.KindRated, ConversationID: "c", Rating: 4},
	} {
		require.NoError(t, bus.Wait(t.Context(), bus.Publish(ev)))
	}

	assert.InDelta(t, 2, testutil.ToFloat64(m.EventsTotal.WithLabelValues("message")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EventsTotal.WithLabelValues("new_conversation")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.Ratings))
}

func TestHandlerExposesRequests(t *testing.T) {
	m := New()
	m.RecordRequest(http.MethodGet, "/api/conversations", 200, 3*time.Millisecond)
	m.RecordRPC("/frontdesk.v1.Backend/Assign", "OK")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `frontdesk_http_requests_total{method="GET",route="/api/conversations",status="200"} 1`)
	assert.Contains(t, string(body), `frontdesk_grpc_requests_total{code="OK",method="/frontdesk.v1.Backend/Assign"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
