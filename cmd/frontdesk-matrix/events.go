// ABOUTME: Backend event loop for the Matrix adapter
// ABOUTME: Turns conversation events into messages for customer rooms, workplaces and the queue room

package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/client"
	"github.com/2389/frontdesk/internal/dedupe"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/store"
	"github.com/2389/frontdesk/internal/texts"
)

// streamKinds are the events the adapter reacts to.
var streamKinds = []string{
	string(eventbus.KindNewConversation),
	string(eventbus.KindAssigned),
	string(eventbus.KindPostponed),
	string(eventbus.KindResolved),
	string(eventbus.KindMessage),
	string(eventbus.KindRated),
}

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
	// A stream that stayed up this long resets the backoff.
	stableStream = time.Minute
)

// runEvents keeps an event stream open until ctx is cancelled.
func (b *Bridge) runEvents(ctx context.Context) error {
	delay := minReconnectDelay
	for {
		opened := time.Now()
		err := b.api.StreamEvents(ctx, client.EventFilter{Kinds: streamKinds}, func(ev api.Event) {
			b.handleEvent(ctx, ev)
		})
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(opened) > stableStream {
			delay = minReconnectDelay
		}
		if errors.Is(err, io.EOF) {
			b.logger.Info("event stream closed by backend, reconnecting", "delay", delay)
		} else {
			b.logger.Warn("event stream failed, reconnecting", "error", err, "delay", delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// handleEvent delivers one backend event to the rooms that care about it.
func (b *Bridge) handleEvent(ctx context.Context, ev api.Event) {
	if ev.ID != "" && b.seen.CheckAndMark(dedupe.Key("event", ev.ID)) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	t := b.text()
	switch eventbus.Kind(ev.Kind) {
	case eventbus.KindNewConversation:
		b.reply(ctx, b.customerRoom(ctx, ev.CustomerID), t.CustomerStart())
		if room := b.config.Bridge.QueueRoom; room != "" && ev.Conversation != nil {
			b.send(ctx, room, b.notification(ctx, ev.Conversation, true))
		}

	case eventbus.KindAssigned:
		room := b.workplaceRoom(ctx, ev.WorkplaceID)
		if room == "" {
			return
		}
		conv, err := b.api.GetConversation(ctx, ev.ConversationID, true)
		if err != nil {
			b.logger.Error("loading assigned conversation", "conversation_id", ev.ConversationID, "error", err)
			return
		}
		b.send(ctx, room, b.notification(ctx, conv, false))

	case eventbus.KindMessage:
		b.relayMessage(ctx, ev)

	case eventbus.KindPostponed:
		b.reply(ctx, b.workplaceRoom(ctx, ev.WorkplaceID), t.AgentConversationPostponed())

	case eventbus.KindResolved:
		b.reply(ctx, b.workplaceRoom(ctx, ev.WorkplaceID), t.AgentConversationResolved())
		b.reply(ctx, b.customerRoom(ctx, ev.CustomerID), t.RatingPrompt())

	case eventbus.KindRated:
		b.reply(ctx, b.customerRoom(ctx, ev.CustomerID), t.CustomerResolved(ev.Rating))
	}
}

// relayMessage forwards customer messages to the assigned workplace and
// agent messages to the customer. System markers ride on transition events.
func (b *Bridge) relayMessage(ctx context.Context, ev api.Event) {
	msg := ev.Message
	if msg == nil {
		return
	}
	var room string
	switch store.AuthorKind(msg.Author) {
	case store.AuthorCustomer:
		room = b.workplaceRoom(ctx, ev.WorkplaceID)
	case store.AuthorAgent:
		room = b.customerRoom(ctx, ev.CustomerID)
	default:
		return
	}
	if room == "" {
		return
	}
	if msg.Attachment != nil {
		if err := b.out.SendAttachment(ctx, room, *msg.Attachment); err != nil {
			b.logger.Error("failed to send attachment", "room", room, "error", err)
		}
	}
	if msg.Text != "" {
		b.reply(ctx, room, msg.Text)
	}
}

// notification renders a conversation for agents. Queue notifications
// end with the command that takes it.
func (b *Bridge) notification(ctx context.Context, conv *api.Conversation, withTake bool) texts.Text {
	var customer *store.Customer
	if cust, err := b.api.GetCustomer(ctx, conv.CustomerID); err == nil {
		customer = cust.ToCustomer()
	} else {
		b.logger.Warn("loading customer for notification", "customer_id", conv.CustomerID, "error", err)
		customer = &store.Customer{ID: conv.CustomerID}
	}
	text := b.text().NewConversationNotification(conv.ToConversation(), customer)
	if withTake {
		text.Body = strings.TrimRight(text.Body, "\n") + "\n\n" +
			b.text().AssignToMeButton() + ": `" + b.config.Bridge.CommandPrefix + "take " + conv.ID + "`"
		text.Format = texts.FormatMarkdown
	}
	return text
}

// customerRoom returns the customer's Matrix DM room, or "" when the
// customer is on another channel.
func (b *Bridge) customerRoom(ctx context.Context, customerID string) string {
	if customerID == "" {
		return ""
	}
	if v, ok := b.customerRooms.Load(customerID); ok {
		return v.(string)
	}
	cust, err := b.api.GetCustomer(ctx, customerID)
	if err != nil {
		b.logger.Warn("loading customer", "customer_id", customerID, "error", err)
		return ""
	}
	room := ""
	for _, ident := range cust.Identifications {
		if ident.Channel == channel && ident.Metadata[roomMetadataKey] != "" {
			room = ident.Metadata[roomMetadataKey]
			break
		}
	}
	b.customerRooms.Store(customerID, room)
	return room
}

// workplaceRoom returns the Matrix room of a workplace, or "" when the
// workplace is on another channel.
func (b *Bridge) workplaceRoom(ctx context.Context, workplaceID string) string {
	if workplaceID == "" {
		return ""
	}
	if v, ok := b.workplaceRooms.Load(workplaceID); ok {
		return v.(string)
	}
	wp, err := b.api.GetWorkplace(ctx, workplaceID)
	if err != nil {
		b.logger.Warn("loading workplace", "workplace_id", workplaceID, "error", err)
		return ""
	}
	room := ""
	if wp.Channel == channel {
		room = wp.Address
	}
	b.workplaceRooms.Store(workplaceID, room)
	return room
}
