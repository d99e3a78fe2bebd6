// ABOUTME: Agent-driven coordinator operations: tag management, assigning others, ratings, release
// ABOUTME: Checks agent permissions before delegating to the state machine

package coordinator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/store"
)

// activeAgent loads an agent and rejects deactivated ones.
func (c *Coordinator) activeAgent(ctx context.Context, id string) (*store.Agent, error) {
	if id == "" {
		return nil, errs.Validation("agent id is required")
	}
	agent, err := c.store.GetAgent(ctx, id)
	if err != nil {
		return nil, storeErr("agent "+id, err)
	}
	if agent.Deactivated {
		return nil, errs.PermissionDenied("agent %s is deactivated", id)
	}
	return agent, nil
}

// CreateTag creates a named tag on behalf of an agent allowed to manage tags.
func (c *Coordinator) CreateTag(ctx context.Context, name, agentID string) (*store.Tag, error) {
	if name == "" {
		return nil, errs.Validation("tag name is required")
	}
	agent, err := c.activeAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Permissions.ManageTags {
		return nil, errs.PermissionDenied("agent %s may not manage tags", agentID)
	}

	tag := &store.Tag{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: agentID,
		CreatedAt: c.now(),
	}
	if err := c.store.CreateTag(ctx, tag); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errs.Conflict("tag %q already exists", name)
		}
		return nil, errs.Storage("create tag", err)
	}

	c.logger.Info("tag created", "tag", name, "agent_id", agentID)
	done := c.bus.Publish(eventbus.Event{Kind: eventbus.KindTagCreated, AgentID: agentID, Tag: tag, Timestamp: tag.CreatedAt})
	if werr := c.bus.Wait(ctx, done); werr != nil {
		c.logger.Debug("stopped waiting for event delivery", "tag", name, "error", werr)
	}
	return tag, nil
}

// ListTags returns every known tag ordered by name.
func (c *Coordinator) ListTags(ctx context.Context) ([]*store.Tag, error) {
	tags, err := c.store.ListTags(ctx)
	if err != nil {
		return nil, errs.Storage("list tags", err)
	}
	return tags, nil
}

// AssignAgent lets an agent holding AssignOthers hand a NEW conversation to
// another agent. The first free workplace of the assignee is used.
func (c *Coordinator) AssignAgent(ctx context.Context, conversationID, assignerID, assigneeID string) (*store.Conversation, error) {
	assigner, err := c.activeAgent(ctx, assignerID)
	if err != nil {
		return nil, err
	}
	if assignerID != assigneeID && !assigner.Permissions.AssignOthers {
		return nil, errs.PermissionDenied("agent %s may not assign others", assignerID)
	}
	if _, err := c.activeAgent(ctx, assigneeID); err != nil {
		return nil, err
	}

	free, err := c.workplaces.Available(ctx, assigneeID)
	if err != nil {
		return nil, err
	}
	if len(free) == 0 {
		return nil, errs.Conflict("agent %s has no free workplace", assigneeID)
	}

	var lastErr error
	for _, w := range free {
		conv, err := c.Assign(ctx, conversationID, w.ID)
		if err == nil {
			return conv, nil
		}
		lastErr = err
		// Only a workplace taken in the meantime is worth trying the next one.
		current, gerr := c.workplaces.Get(ctx, w.ID)
		if gerr != nil || current.ActiveConversationID == "" || current.ActiveConversationID == conversationID {
			return nil, err
		}
	}
	return nil, lastErr
}

// Rate records the customer's 1..5 rating of a resolved conversation.
// Rating again overwrites the previous value.
func (c *Coordinator) Rate(ctx context.Context, conversationID string, rating int) (*store.Conversation, error) {
	if rating < 1 || rating > 5 {
		return nil, errs.Validation("rating must be between 1 and 5, got %d", rating)
	}

	return locked(ctx, c, "conversation:"+conversationID, func() (*store.Conversation, <-chan struct{}, error) {
		conv, err := c.load(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		if conv.State != store.StateResolved {
			return nil, nil, errs.InvalidState("conversation %s is %s, only resolved conversations can be rated", conv.ID, conv.State)
		}
		if err := c.store.SetCustomerRating(ctx, conv.ID, rating); err != nil {
			return nil, nil, storeErr("rate conversation", err)
		}
		conv.CustomerRating = rating

		c.logger.Info("conversation rated", "conversation_id", conv.ID, "rating", rating)
		ev := conversationEvent(eventbus.KindRated, conv, c.now())
		ev.Rating = rating
		return conv, c.bus.Publish(ev), nil
	})
}

// ReleaseAgent postpones every conversation currently bound to one of the
// agent's workplaces. Used when an agent is deactivated. Conversations that
// moved on concurrently are skipped.
func (c *Coordinator) ReleaseAgent(ctx context.Context, agentID string) ([]*store.Conversation, error) {
	ws, err := c.workplaces.ForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var released []*store.Conversation
	for _, w := range ws {
		if w.ActiveConversationID == "" {
			continue
		}
		conv, err := c.Postpone(ctx, w.ActiveConversationID)
		switch {
		case err == nil:
			released = append(released, conv)
		case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrInvalidState):
			c.logger.Debug("conversation moved before release",
				"conversation_id", w.ActiveConversationID,
				"agent_id", agentID,
			)
		default:
			return released, err
		}
	}

	if len(released) > 0 {
		c.logger.Info("agent released", "agent_id", agentID, "conversations", len(released))
	}
	return released, nil
}
