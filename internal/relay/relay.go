// ABOUTME: Relays backend events to a RabbitMQ topic exchange as JSON envelopes
// ABOUTME: Runs as a bus subscriber; publishes use broker confirms when available

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/eventbus"
)

// DefaultExchange is used when Config.Exchange is empty.
const DefaultExchange = "frontdesk.events"

// Config configures the relay connection.
type Config struct {
	URL         string
	Exchange    string
	DialTimeout time.Duration
}

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source"`
}

// Envelope is the message body published for each event.
type Envelope struct {
	Meta Meta       `json:"meta"`
	Data *api.Event `json:"data"`
}

// Channel is the part of *amqp.Channel the relay publishes through.
type Channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// Relay publishes bus events to an exchange.
type Relay struct {
	exchange string
	logger   *slog.Logger

	mu   sync.Mutex
	ch   Channel
	conn *amqp.Connection
}

// Dial connects to the broker, declares a durable topic exchange, and puts
// the channel in confirm mode.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Relay, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay: url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	logger.Info("connecting to rabbitmq", "host", host, "exchange", exchange)

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: confirm mode: %w", err)
	}

	r := New(ch, exchange, logger)
	r.conn = conn
	return r, nil
}

// New creates a relay over an already prepared channel.
func New(ch Channel, exchange string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Relay{
		exchange: exchange,
		ch:       ch,
		logger:   logger.With("component", "relay"),
	}
}

// RoutingKey returns the topic key for an event kind, e.g.
// "frontdesk.conversation.assigned".
func RoutingKey(kind eventbus.Kind) string {
	switch kind {
	case eventbus.KindIdentityUpdated:
		return "frontdesk.identity.updated"
	case eventbus.KindTagCreated:
		return "frontdesk.tag.created"
	default:
		return "frontdesk.conversation." + string(kind)
	}
}

// Attach subscribes the relay to every event on sub.
func (r *Relay) Attach(sub interface {
	SubscribeAll(h eventbus.Handler) (unsubscribe func())
}) (detach func()) {
	return sub.SubscribeAll(r.Handle)
}

// Handle publishes one event. An error makes the bus retry.
func (r *Relay) Handle(ctx context.Context, ev eventbus.Event) error {
	env := Envelope{
		Meta: Meta{
			ID:            ev.ID,
			Type:          string(ev.Kind),
			Time:          ev.Timestamp,
			CorrelationID: ev.ConversationID,
			Source:        "frontdesk",
		},
		Data: api.FromEvent(ev),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := RoutingKey(ev.Kind)
	r.mu.Lock()
	defer r.mu.Unlock()

	confirm, err := r.ch.PublishWithDeferredConfirmWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         "frontdesk",
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("waiting for confirm: %w", err)
		}
		if !acked {
			return fmt.Errorf("broker nacked %s", key)
		}
	}

	r.logger.Debug("event relayed", "key", key, "event_id", ev.ID)
	return nil
}

// Close closes the channel and, for dialed relays, the connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.ch.Close()
	if r.conn != nil {
		err = errors.Join(err, r.conn.Close())
	}
	return err
}
