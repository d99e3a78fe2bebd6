// ABOUTME: Tests for the RabbitMQ event relay
// ABOUTME: A recording channel stands in for the broker

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/store"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type recordingChannel struct {
	mu     sync.Mutex
	out    []published
	fail   error
	closed bool
}

func (c *recordingChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	c.out = append(c.out, published{exchange: exchange, key: key, msg: msg})
	return nil, nil
}

func (c *recordingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestHandlePublishesEnvelope(t *testing.T) {
	ch := &recordingChannel{}
	r := New(ch, "", nil)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := r.Handle(t.Context(), eventbus.Event{
		ID:             "ev-1",
		Kind:           eventbus.KindAssigned,
		ConversationID: "conv-1",
		WorkplaceID:    "wp-1",
		Timestamp:      at,
		Conversation:   &store.Conversation{ID: "conv-1", State: store.StateAssigned},
	})
	require.NoError(t, err)

	require.Len(t, ch.out, 1)
	p := ch.out[0]
	assert.Equal(t, DefaultExchange, p.exchange)
	assert.Equal(t, "frontdesk.conversation.assigned", p.key)
	assert.Equal(t, "ev-1", p.msg.MessageId)
	assert.Equal(t, "conv-1", p.msg.CorrelationId)
	assert.Equal(t, uint8(amqp.Persistent), p.msg.DeliveryMode)

	var env Envelope
	require.NoError(t, json.Unmarshal(p.msg.Body, &env))
	assert.Equal(t, "assigned", env.Meta.Type)
	assert.True(t, at.Equal(env.Meta.Time))
	require.NotNil(t, env.Data)
	assert.Equal(t, "wp-1", env.Data.WorkplaceID)
	assert.Equal(t, "assigned", env.Data.Conversation.State)
}

func TestHandleErrorIsReturned(t *testing.T) {
	ch := &recordingChannel{fail: errors.New("channel closed")}
	r := New(ch, "x", nil)
	err := r.Handle(t.Context(), eventbus.Event{ID: "e", Kind: eventbus.KindMessage})
	assert.ErrorContains(t, err, "channel closed")
}

func TestRelayAsBusSubscriber(t *testing.T) {
	ch := &recordingChannel{}
	r := New(ch, "x", nil)

	bus := eventbus.New(eventbus.Options{Synchronous: true}, nil)
	defer bus.Close()
	detach := r.Attach(bus)

	done := bus.Publish(eventbus.Event{Kind: eventbus.KindTagCreated, Tag: &store.Tag{Name: "vip"}})
	require.NoError(t, bus.Wait(t.Context(), done))
	detach()
	done = bus.Publish(eventbus.Event{Kind: eventbus.KindTagCreated})
	require.NoError(t, bus.Wait(t.Context(), done))

	require.Len(t, ch.out, 1)
	assert.Equal(t, "frontdesk.tag.created", ch.out[0].key)

	require.NoError(t, r.Close())
	assert.True(t, ch.closed)
}

func TestRoutingKeys(t *testing.T) {
	for _, kind := range eventbus.Kinds {
		assert.NotEmpty(t, RoutingKey(kind))
	}
	assert.Equal(t, "frontdesk.identity.updated", RoutingKey(eventbus.KindIdentityUpdated))
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(t.Context(), Config{}, nil)
	assert.Error(t, err)
}
