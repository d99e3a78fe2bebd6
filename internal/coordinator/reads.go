// ABOUTME: Read-only coordinator queries over conversations and messages
// ABOUTME: Reads take no locks and return store snapshots

package coordinator

import (
	"context"

	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/store"
)

// Get returns a conversation, with its full history when withMessages is set.
func (c *Coordinator) Get(ctx context.Context, id string, withMessages bool) (*store.Conversation, error) {
	if id == "" {
		return nil, errs.Validation("conversation id is required")
	}
	conv, err := c.store.GetConversation(ctx, id, withMessages)
	if err != nil {
		return nil, storeErr("conversation "+id, err)
	}
	return conv, nil
}

// List returns conversations matching filter, oldest first.
func (c *Coordinator) List(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	convs, err := c.store.ListConversations(ctx, filter)
	if err != nil {
		return nil, errs.Storage("list conversations", err)
	}
	return convs, nil
}

// Queue returns NEW conversations waiting for an agent.
func (c *Coordinator) Queue(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return c.List(ctx, store.ConversationFilter{State: store.StateNew, Limit: limit})
}

// CustomerConversations returns every conversation of a customer.
func (c *Coordinator) CustomerConversations(ctx context.Context, customerID string) ([]*store.Conversation, error) {
	return c.List(ctx, store.ConversationFilter{CustomerID: customerID})
}

// OpenConversation returns the customer's NEW or ASSIGNED conversation.
func (c *Coordinator) OpenConversation(ctx context.Context, customerID string) (*store.Conversation, error) {
	conv, err := c.store.FindOpenConversation(ctx, customerID)
	if err != nil {
		return nil, storeErr("open conversation for customer "+customerID, err)
	}
	return conv, nil
}

// WorkplaceConversation returns the conversation a workplace is bound to.
func (c *Coordinator) WorkplaceConversation(ctx context.Context, workplaceID string) (*store.Conversation, error) {
	w, err := c.workplaces.Get(ctx, workplaceID)
	if err != nil {
		return nil, err
	}
	if w.ActiveConversationID == "" {
		return nil, errs.NotFound("workplace %s has no active conversation", workplaceID)
	}
	return c.Get(ctx, w.ActiveConversationID, false)
}

// Messages returns up to limit of the latest messages in seq order. A limit
// of zero returns all of them.
func (c *Coordinator) Messages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if _, err := c.load(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := c.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, errs.Storage("list messages", err)
	}
	return msgs, nil
}
