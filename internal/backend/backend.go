// ABOUTME: Backend facade wiring store, event bus, identity, workplaces and the coordinator
// ABOUTME: Frontends and the gateway talk only to this type

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/2389/frontdesk/internal/coordinator"
	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/identity"
	"github.com/2389/frontdesk/internal/keylock"
	"github.com/2389/frontdesk/internal/store"
	"github.com/2389/frontdesk/internal/texts"
	"github.com/2389/frontdesk/internal/workplace"
)

// Config enumerates everything the backend is built from.
type Config struct {
	// Store persists entities. Required.
	Store store.Store
	// Bus tunes event delivery.
	Bus eventbus.Options
	// Texts selects the language of adapter-facing strings ("en", "ru").
	Texts string
	// Channels lists the channel names frontends may identify people on.
	// Empty accepts any channel.
	Channels []string
	// Logger receives component logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.New("backend: store is required")
	}
	if _, err := texts.Lookup(c.Texts); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	for _, ch := range c.Channels {
		if ch == "" {
			return errors.New("backend: channel names must be non-empty")
		}
	}
	return nil
}

// Backend is the frontend-agnostic entry point.
type Backend struct {
	store      store.Store
	bus        *eventbus.Bus
	identity   *identity.Resolver
	workplaces *workplace.Manager
	coord      *coordinator.Coordinator
	texts      texts.Provider
	channels   []string
	logger     *slog.Logger
}

// New builds a Backend and starts its event bus.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider, _ := texts.Lookup(cfg.Texts)

	locks := keylock.New()
	bus := eventbus.New(cfg.Bus, logger)
	wm := workplace.New(cfg.Store, locks, logger)

	b := &Backend{
		store:      cfg.Store,
		bus:        bus,
		identity:   identity.New(cfg.Store, bus, locks, logger),
		workplaces: wm,
		coord:      coordinator.New(cfg.Store, wm, bus, locks, logger),
		texts:      provider,
		channels:   slices.Clone(cfg.Channels),
		logger:     logger.With("component", "backend"),
	}
	b.logger.Info("backend ready",
		"texts", provider.Language(),
		"channels", b.channels,
		"synchronous_events", cfg.Bus.Synchronous,
	)
	return b, nil
}

// Close stops the event bus after draining queued events. The store is
// owned by the caller.
func (b *Backend) Close() {
	b.bus.Close()
}

// Texts returns the configured text provider.
func (b *Backend) Texts() texts.Provider { return b.texts }

// Channels returns the configured channel names.
func (b *Backend) Channels() []string { return slices.Clone(b.channels) }

func (b *Backend) checkChannel(ident store.ChannelIdentification) error {
	if len(b.channels) == 0 || ident.Channel == "" {
		return nil
	}
	if !slices.Contains(b.channels, ident.Channel) {
		return errs.Validation("unknown channel %q", ident.Channel)
	}
	return nil
}

func required(name, value string) error {
	if value == "" {
		return errs.Validation("%s is required", name)
	}
	return nil
}

// Subscribe registers h for events of one kind.
func (b *Backend) Subscribe(kind eventbus.Kind, h eventbus.Handler) (unsubscribe func()) {
	return b.bus.Subscribe(kind, h)
}

// SubscribeAll registers h for every event.
func (b *Backend) SubscribeAll(h eventbus.Handler) (unsubscribe func()) {
	return b.bus.SubscribeAll(h)
}

// Stream returns a channel of events matching filter until ctx is done.
func (b *Backend) Stream(ctx context.Context, filter eventbus.StreamFilter) <-chan eventbus.Event {
	return b.bus.Stream(ctx, filter)
}

// StreamCount returns the number of open event streams.
func (b *Backend) StreamCount() int { return b.bus.StreamCount() }

// Identity

func (b *Backend) IdentifyCustomer(ctx context.Context, ident store.ChannelIdentification) (*store.Customer, error) {
	if err := b.checkChannel(ident); err != nil {
		return nil, err
	}
	return b.identity.IdentifyCustomer(ctx, ident)
}

func (b *Backend) IdentifyAgent(ctx context.Context, ident store.ChannelIdentification) (*store.Agent, error) {
	if err := b.checkChannel(ident); err != nil {
		return nil, err
	}
	return b.identity.IdentifyAgent(ctx, ident)
}

// FindAgent looks up an existing agent without creating one.
func (b *Backend) FindAgent(ctx context.Context, ident store.ChannelIdentification) (*store.Agent, error) {
	return b.identity.FindAgent(ctx, ident)
}

func (b *Backend) GetCustomer(ctx context.Context, id string) (*store.Customer, error) {
	if err := required("customer id", id); err != nil {
		return nil, err
	}
	return b.identity.GetCustomer(ctx, id)
}

func (b *Backend) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	if err := required("agent id", id); err != nil {
		return nil, err
	}
	return b.identity.GetAgent(ctx, id)
}

func (b *Backend) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return b.identity.ListAgents(ctx)
}

func (b *Backend) UpdateCustomer(ctx context.Context, id string, diff identity.ProfileDiff) (*store.Customer, error) {
	if err := required("customer id", id); err != nil {
		return nil, err
	}
	for _, ident := range diff.AddIdentifications {
		if err := b.checkChannel(ident); err != nil {
			return nil, err
		}
	}
	return b.identity.UpdateCustomer(ctx, id, diff)
}

func (b *Backend) UpdateAgent(ctx context.Context, id string, diff identity.AgentDiff) (*store.Agent, error) {
	if err := required("agent id", id); err != nil {
		return nil, err
	}
	for _, ident := range diff.AddIdentifications {
		if err := b.checkChannel(ident); err != nil {
			return nil, err
		}
	}
	return b.identity.UpdateAgent(ctx, id, diff)
}

// GrantAgent makes the identified person an agent. An empty granterID is the
// bootstrap path used by the CLI.
func (b *Backend) GrantAgent(ctx context.Context, granterID string, ident store.ChannelIdentification) (*store.Agent, error) {
	if err := b.checkChannel(ident); err != nil {
		return nil, err
	}
	return b.identity.GrantAgent(ctx, granterID, ident)
}

// DeactivateAgent blocks new assignments to the agent, then returns the
// agent's active conversations to the queue.
func (b *Backend) DeactivateAgent(ctx context.Context, agentID string) (*store.Agent, []*store.Conversation, error) {
	if err := required("agent id", agentID); err != nil {
		return nil, nil, err
	}
	agent, err := b.identity.SetDeactivated(ctx, agentID, true)
	if err != nil {
		return nil, nil, err
	}
	released, err := b.coord.ReleaseAgent(ctx, agentID)
	if err != nil {
		return agent, released, err
	}
	b.logger.Info("agent deactivated", "agent_id", agentID, "released", len(released))
	return agent, released, nil
}

// ReactivateAgent lets a deactivated agent take conversations again.
func (b *Backend) ReactivateAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	if err := required("agent id", agentID); err != nil {
		return nil, err
	}
	return b.identity.SetDeactivated(ctx, agentID, false)
}

// Workplaces

func (b *Backend) RegisterWorkplace(ctx context.Context, agentID, channel, address string) (*store.Workplace, error) {
	if err := b.checkChannel(store.ChannelIdentification{Channel: channel}); err != nil {
		return nil, err
	}
	return b.workplaces.Register(ctx, agentID, channel, address)
}

func (b *Backend) GetWorkplace(ctx context.Context, id string) (*store.Workplace, error) {
	if err := required("workplace id", id); err != nil {
		return nil, err
	}
	return b.workplaces.Get(ctx, id)
}

func (b *Backend) AgentWorkplaces(ctx context.Context, agentID string) ([]*store.Workplace, error) {
	if err := required("agent id", agentID); err != nil {
		return nil, err
	}
	return b.workplaces.ForAgent(ctx, agentID)
}

func (b *Backend) AvailableWorkplaces(ctx context.Context, agentID string) ([]*store.Workplace, error) {
	if err := required("agent id", agentID); err != nil {
		return nil, err
	}
	return b.workplaces.Available(ctx, agentID)
}

// Conversations

func (b *Backend) StartConversation(ctx context.Context, customerID string) (*store.Conversation, error) {
	return b.coord.StartConversation(ctx, customerID)
}

func (b *Backend) Assign(ctx context.Context, conversationID, workplaceID string) (*store.Conversation, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	return b.coord.Assign(ctx, conversationID, workplaceID)
}

func (b *Backend) AssignAgent(ctx context.Context, conversationID, assignerID, assigneeID string) (*store.Conversation, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	return b.coord.AssignAgent(ctx, conversationID, assignerID, assigneeID)
}

func (b *Backend) Postpone(ctx context.Context, conversationID string) (*store.Conversation, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	return b.coord.Postpone(ctx, conversationID)
}

func (b *Backend) Resolve(ctx context.Context, conversationID string) (*store.Conversation, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	return b.coord.Resolve(ctx, conversationID)
}

// AddMessage appends a customer or agent message. System messages are
// written only by lifecycle transitions.
func (b *Backend) AddMessage(ctx context.Context, conversationID string, msg store.Message) (*store.Message, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	if msg.Author == store.AuthorSystem {
		return nil, errs.Validation("system messages cannot be added directly")
	}
	if err := required("author id", msg.AuthorID); err != nil {
		return nil, err
	}
	return b.coord.AddMessage(ctx, conversationID, msg)
}

func (b *Backend) AddTag(ctx context.Context, conversationID, tagName string) (*store.Conversation, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	return b.coord.AddTag(ctx, conversationID, tagName)
}

func (b *Backend) RemoveTag(ctx context.Context, conversationID, tagName string) (*store.Conversation, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	return b.coord.RemoveTag(ctx, conversationID, tagName)
}

func (b *Backend) CreateTag(ctx context.Context, name, agentID string) (*store.Tag, error) {
	return b.coord.CreateTag(ctx, name, agentID)
}

func (b *Backend) ListTags(ctx context.Context) ([]*store.Tag, error) {
	return b.coord.ListTags(ctx)
}

func (b *Backend) Rate(ctx context.Context, conversationID string, rating int) (*store.Conversation, error) {
	if err := required("conversation id", conversationID); err != nil {
		return nil, err
	}
	return b.coord.Rate(ctx, conversationID, rating)
}

func (b *Backend) GetConversation(ctx context.Context, id string, withMessages bool) (*store.Conversation, error) {
	return b.coord.Get(ctx, id, withMessages)
}

func (b *Backend) ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	if filter.Limit < 0 {
		return nil, errs.Validation("limit must not be negative")
	}
	return b.coord.List(ctx, filter)
}

// Queue returns NEW conversations waiting for an agent.
func (b *Backend) Queue(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return b.coord.Queue(ctx, limit)
}

func (b *Backend) CustomerConversations(ctx context.Context, customerID string) ([]*store.Conversation, error) {
	if err := required("customer id", customerID); err != nil {
		return nil, err
	}
	return b.coord.CustomerConversations(ctx, customerID)
}

func (b *Backend) OpenConversation(ctx context.Context, customerID string) (*store.Conversation, error) {
	if err := required("customer id", customerID); err != nil {
		return nil, err
	}
	return b.coord.OpenConversation(ctx, customerID)
}

func (b *Backend) WorkplaceConversation(ctx context.Context, workplaceID string) (*store.Conversation, error) {
	if err := required("workplace id", workplaceID); err != nil {
		return nil, err
	}
	return b.coord.WorkplaceConversation(ctx, workplaceID)
}

func (b *Backend) Messages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit < 0 {
		return nil, errs.Validation("limit must not be negative")
	}
	return b.coord.Messages(ctx, conversationID, limit)
}
