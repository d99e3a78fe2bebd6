// ABOUTME: Conversation coordinator owning the NEW/ASSIGNED/RESOLVED state machine
// ABOUTME: Serializes per conversation, commits through the store CAS, then publishes events

package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/keylock"
	"github.com/2389/frontdesk/internal/store"
	"github.com/2389/frontdesk/internal/workplace"
)

// ConversationStore defines what the coordinator needs from storage
type ConversationStore interface {
	GetCustomer(ctx context.Context, id string) (*store.Customer, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)

	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string, withMessages bool) (*store.Conversation, error)
	FindOpenConversation(ctx context.Context, customerID string) (*store.Conversation, error)
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
	CommitTransition(ctx context.Context, tr *store.Transition) (*store.Conversation, error)
	SetCustomerRating(ctx context.Context, conversationID string, rating int) error

	AppendMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)

	CreateTag(ctx context.Context, tag *store.Tag) error
	GetTagByName(ctx context.Context, name string) (*store.Tag, error)
	ListTags(ctx context.Context) ([]*store.Tag, error)
	AppendTag(ctx context.Context, conversationID, tagID string) (bool, error)
	RemoveTag(ctx context.Context, conversationID, tagID string) (bool, error)
}

// Coordinator is the sole writer of conversations and messages.
//
// Locks are taken in the order customer, conversation, workplace. Events are
// enqueued while the conversation lock is held, which keeps their order equal
// to commit order; waiting for delivery happens after the lock is released.
type Coordinator struct {
	store      ConversationStore
	workplaces *workplace.Manager
	bus        eventbus.Publisher
	locks      *keylock.Map
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Coordinator. locks should be the map shared with the
// workplace manager and identity resolver. Pass nil logger for default.
func New(s ConversationStore, wm *workplace.Manager, bus eventbus.Publisher, locks *keylock.Map, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Coordinator{
		store:      s,
		workplaces: wm,
		bus:        bus,
		locks:      locks,
		logger:     logger.With("component", "coordinator"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// storeErr translates a store error into the backend taxonomy. Errors that
// already carry a kind pass through unchanged.
func storeErr(op string, err error) error {
	switch {
	case errs.Kind(err) != nil:
		return err
	case errors.Is(err, store.ErrNotFound):
		return errs.NotFound("%s", op)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate):
		return errs.Conflict("%s: concurrent update", op)
	default:
		return errs.Storage(op, err)
	}
}

// locked runs fn under the lock for key, then waits for the event it
// published (if any) once the lock is released.
func locked[T any](ctx context.Context, c *Coordinator, key string, fn func() (T, <-chan struct{}, error)) (T, error) {
	var zero T

	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return zero, err
	}
	result, done, err := fn()
	unlock()
	if err != nil {
		return zero, err
	}

	if done != nil {
		if werr := c.bus.Wait(ctx, done); werr != nil {
			// The transition is committed; only the caller's wait was cut short.
			c.logger.Debug("stopped waiting for event delivery", "key", key, "error", werr)
		}
	}
	return result, nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*store.Conversation, error) {
	if id == "" {
		return nil, errs.Validation("conversation id is required")
	}
	conv, err := c.store.GetConversation(ctx, id, false)
	if err != nil {
		return nil, storeErr("conversation "+id, err)
	}
	return conv, nil
}

func (c *Coordinator) systemMessage(conversationID, marker string, at time.Time) *store.Message {
	return &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Author:         store.AuthorSystem,
		Kind:           store.MessageKindEvent,
		Marker:         marker,
		CreatedAt:      at,
	}
}

func conversationEvent(kind eventbus.Kind, conv *store.Conversation, at time.Time) eventbus.Event {
	return eventbus.Event{
		Kind:           kind,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		AgentID:        conv.AssignedAgentID,
		WorkplaceID:    conv.AssignedWorkplaceID,
		Timestamp:      at,
		Conversation:   conv,
	}
}

// StartConversation returns the customer's open conversation, creating a NEW
// one if there is none. NewConversation is published only on creation.
func (c *Coordinator) StartConversation(ctx context.Context, customerID string) (*store.Conversation, error) {
	if customerID == "" {
		return nil, errs.Validation("customer id is required")
	}
	if _, err := c.store.GetCustomer(ctx, customerID); err != nil {
		return nil, storeErr("customer "+customerID, err)
	}

	return locked(ctx, c, "customer:"+customerID, func() (*store.Conversation, <-chan struct{}, error) {
		existing, err := c.store.FindOpenConversation(ctx, customerID)
		if err == nil {
			return existing, nil, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, errs.Storage("find open conversation", err)
		}

		now := c.now()
		conv := &store.Conversation{
			ID:         uuid.New().String(),
			CustomerID: customerID,
			State:      store.StateNew,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := c.store.CreateConversation(ctx, conv); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Another process opened one first
				existing, ferr := c.store.FindOpenConversation(ctx, customerID)
				if ferr != nil {
					return nil, nil, storeErr("find open conversation", ferr)
				}
				return existing, nil, nil
			}
			return nil, nil, storeErr("create conversation", err)
		}

		c.logger.Info("conversation started",
			"conversation_id", conv.ID,
			"customer_id", customerID,
		)
		snapshot := *conv
		done := c.bus.Publish(conversationEvent(eventbus.KindNewConversation, &snapshot, now))
		return conv, done, nil
	})
}

// Assign binds a NEW conversation to a free workplace. It fails with a
// Conflict error when the conversation is not NEW or the workplace is busy;
// concurrent callers are decided by whoever commits first.
func (c *Coordinator) Assign(ctx context.Context, conversationID, workplaceID string) (*store.Conversation, error) {
	if workplaceID == "" {
		return nil, errs.Validation("workplace id is required")
	}

	return locked(ctx, c, "conversation:"+conversationID, func() (*store.Conversation, <-chan struct{}, error) {
		conv, err := c.load(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		if conv.State != store.StateNew {
			return nil, nil, errs.Conflict("conversation %s is %s, not new", conv.ID, conv.State)
		}

		wp, err := c.workplaces.Get(ctx, workplaceID)
		if err != nil {
			return nil, nil, err
		}
		// Held until commit so a concurrent deactivation either sees this
		// assignment or is seen by it.
		unlockAgent, err := c.locks.Lock(ctx, "agent:"+wp.AgentID)
		if err != nil {
			return nil, nil, err
		}
		defer unlockAgent()
		agent, err := c.store.GetAgent(ctx, wp.AgentID)
		if err != nil {
			return nil, nil, storeErr("agent "+wp.AgentID, err)
		}
		if agent.Deactivated {
			return nil, nil, errs.PermissionDenied("agent %s is deactivated", agent.ID)
		}

		now := c.now()
		msg := c.systemMessage(conv.ID, store.MarkerAssigned, now)
		var updated *store.Conversation
		err = c.workplaces.Bind(ctx, workplaceID, conv.ID, func(ctx context.Context) error {
			var cerr error
			updated, cerr = c.store.CommitTransition(ctx, &store.Transition{
				ConversationID:  conv.ID,
				FromState:       store.StateNew,
				FromVersion:     conv.Version,
				ToState:         store.StateAssigned,
				BindWorkplaceID: workplaceID,
				Message:         msg,
				At:              now,
			})
			if cerr != nil {
				return storeErr("assign conversation "+conv.ID, cerr)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}

		c.logger.Info("conversation assigned",
			"conversation_id", conv.ID,
			"workplace_id", workplaceID,
			"agent_id", agent.ID,
		)
		ev := conversationEvent(eventbus.KindAssigned, updated, now)
		ev.Message = msg
		ev.Agent = agent
		return updated, c.bus.Publish(ev), nil
	})
}

// Postpone returns an ASSIGNED conversation to NEW, freeing its workplace so
// another agent can take it.
func (c *Coordinator) Postpone(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return locked(ctx, c, "conversation:"+conversationID, func() (*store.Conversation, <-chan struct{}, error) {
		conv, err := c.load(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		if conv.State != store.StateAssigned {
			return nil, nil, errs.InvalidState("conversation %s is %s, not assigned", conv.ID, conv.State)
		}

		now := c.now()
		wpID, agentID := conv.AssignedWorkplaceID, conv.AssignedAgentID
		msg := c.systemMessage(conv.ID, store.MarkerPostponed, now)
		var updated *store.Conversation
		err = c.workplaces.Unbind(ctx, wpID, conv.ID, func(ctx context.Context) error {
			var cerr error
			updated, cerr = c.store.CommitTransition(ctx, &store.Transition{
				ConversationID:    conv.ID,
				FromState:         store.StateAssigned,
				FromVersion:       conv.Version,
				ToState:           store.StateNew,
				UnbindWorkplaceID: wpID,
				Message:           msg,
				At:                now,
			})
			if cerr != nil {
				return storeErr("postpone conversation "+conv.ID, cerr)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}

		c.logger.Info("conversation postponed",
			"conversation_id", conv.ID,
			"workplace_id", wpID,
		)
		ev := conversationEvent(eventbus.KindPostponed, updated, now)
		// The previous assignment is what subscribers need to clean up.
		ev.AgentID = agentID
		ev.WorkplaceID = wpID
		ev.Message = msg
		return updated, c.bus.Publish(ev), nil
	})
}

// Resolve moves a NEW or ASSIGNED conversation to RESOLVED, frees its
// workplace, and appends the "resolved" system message last. Resolving an
// already resolved conversation succeeds without side effects.
func (c *Coordinator) Resolve(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return locked(ctx, c, "conversation:"+conversationID, func() (*store.Conversation, <-chan struct{}, error) {
		conv, err := c.load(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		if conv.State == store.StateResolved {
			return conv, nil, nil
		}

		now := c.now()
		wpID, agentID := conv.AssignedWorkplaceID, conv.AssignedAgentID
		msg := c.systemMessage(conv.ID, store.MarkerResolved, now)
		tr := &store.Transition{
			ConversationID:    conv.ID,
			FromState:         conv.State,
			FromVersion:       conv.Version,
			ToState:           store.StateResolved,
			UnbindWorkplaceID: wpID,
			Message:           msg,
			At:                now,
		}

		var updated *store.Conversation
		commit := func(ctx context.Context) error {
			var cerr error
			updated, cerr = c.store.CommitTransition(ctx, tr)
			if cerr != nil {
				return storeErr("resolve conversation "+conv.ID, cerr)
			}
			return nil
		}
		if wpID != "" {
			err = c.workplaces.Unbind(ctx, wpID, conv.ID, commit)
		} else {
			err = commit(ctx)
		}
		if err != nil {
			return nil, nil, err
		}

		c.logger.Info("conversation resolved",
			"conversation_id", conv.ID,
			"workplace_id", wpID,
		)
		ev := conversationEvent(eventbus.KindResolved, updated, now)
		ev.AgentID = agentID
		ev.WorkplaceID = wpID
		ev.Message = msg
		return updated, c.bus.Publish(ev), nil
	})
}

func validateMessage(msg store.Message) error {
	switch msg.Author {
	case store.AuthorCustomer, store.AuthorAgent, store.AuthorSystem:
	default:
		return errs.Validation("unknown message author %q", msg.Author)
	}
	switch msg.Kind {
	case "", store.MessageKindText:
		if msg.Text == "" {
			return errs.Validation("text message has no text")
		}
	case store.MessageKindAttachment:
		if msg.Attachment == nil || msg.Attachment.URL == "" {
			return errs.Validation("attachment message has no attachment")
		}
	case store.MessageKindEvent:
		if msg.Author != store.AuthorSystem {
			return errs.Validation("event messages are written by the system")
		}
	default:
		return errs.Validation("unknown message kind %q", msg.Kind)
	}
	return nil
}

// AddMessage appends msg to an open conversation. Messages for a resolved
// conversation are rejected with InvalidState and not stored.
func (c *Coordinator) AddMessage(ctx context.Context, conversationID string, msg store.Message) (*store.Message, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	return locked(ctx, c, "conversation:"+conversationID, func() (*store.Message, <-chan struct{}, error) {
		conv, err := c.load(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		if conv.State == store.StateResolved {
			return nil, nil, errs.InvalidState("conversation %s is resolved", conv.ID)
		}

		now := c.now()
		msg.ID = uuid.New().String()
		msg.ConversationID = conv.ID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if err := c.store.AppendMessage(ctx, &msg); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, nil, errs.InvalidState("conversation %s is resolved", conv.ID)
			}
			return nil, nil, storeErr("append message", err)
		}
		conv.UpdatedAt = msg.CreatedAt

		c.logger.Debug("message added",
			"conversation_id", conv.ID,
			"seq", msg.Seq,
			"author", msg.Author,
		)
		ev := conversationEvent(eventbus.KindMessage, conv, now)
		stored := msg
		ev.Message = &stored
		return &msg, c.bus.Publish(ev), nil
	})
}

// tagByName returns the named tag, creating it on first use.
func (c *Coordinator) tagByName(ctx context.Context, name, createdBy string) (*store.Tag, bool, error) {
	tag, err := c.store.GetTagByName(ctx, name)
	if err == nil {
		return tag, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, errs.Storage("get tag", err)
	}

	tag = &store.Tag{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: c.now(),
	}
	if err := c.store.CreateTag(ctx, tag); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			existing, gerr := c.store.GetTagByName(ctx, name)
			if gerr != nil {
				return nil, false, errs.Storage("get tag", gerr)
			}
			return existing, false, nil
		}
		return nil, false, errs.Storage("create tag", err)
	}
	return tag, true, nil
}

// AddTag attaches the named tag, creating the tag if needed. Attaching a tag
// that is already present succeeds without publishing anything.
func (c *Coordinator) AddTag(ctx context.Context, conversationID, tagName string) (*store.Conversation, error) {
	if tagName == "" {
		return nil, errs.Validation("tag name is required")
	}

	return locked(ctx, c, "conversation:"+conversationID, func() (*store.Conversation, <-chan struct{}, error) {
		conv, err := c.load(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		if conv.HasTag(tagName) {
			return conv, nil, nil
		}

		tag, created, err := c.tagByName(ctx, tagName, "")
		if err != nil {
			return nil, nil, err
		}
		now := c.now()
		if created {
			c.bus.Publish(eventbus.Event{Kind: eventbus.KindTagCreated, Tag: tag, Timestamp: now})
		}

		added, err := c.store.AppendTag(ctx, conv.ID, tag.ID)
		if err != nil {
			return nil, nil, storeErr("add tag", err)
		}
		if !added {
			return conv, nil, nil
		}
		updated, err := c.load(ctx, conv.ID)
		if err != nil {
			return nil, nil, err
		}

		ev := conversationEvent(eventbus.KindTag, updated, now)
		ev.Tag = tag
		ev.TagAdded = true
		return updated, c.bus.Publish(ev), nil
	})
}

// RemoveTag detaches the named tag. Removing a tag that is not attached
// succeeds without publishing anything.
func (c *Coordinator) RemoveTag(ctx context.Context, conversationID, tagName string) (*store.Conversation, error) {
	if tagName == "" {
		return nil, errs.Validation("tag name is required")
	}

	return locked(ctx, c, "conversation:"+conversationID, func() (*store.Conversation, <-chan struct{}, error) {
		conv, err := c.load(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		if !conv.HasTag(tagName) {
			return conv, nil, nil
		}

		tag, err := c.store.GetTagByName(ctx, tagName)
		if err != nil {
			return nil, nil, storeErr("tag "+tagName, err)
		}
		removed, err := c.store.RemoveTag(ctx, conv.ID, tag.ID)
		if err != nil {
			return nil, nil, storeErr("remove tag", err)
		}
		if !removed {
			return conv, nil, nil
		}
		updated, err := c.load(ctx, conv.ID)
		if err != nil {
			return nil, nil, err
		}

		ev := conversationEvent(eventbus.KindTag, updated, c.now())
		ev.Tag = tag
		ev.TagAdded = false
		return updated, c.bus.Publish(ev), nil
	})
}
