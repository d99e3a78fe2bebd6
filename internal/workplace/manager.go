// ABOUTME: Workplace manager owning agent workplaces and their active-conversation pointer
// ABOUTME: Registration is idempotent; bind/unbind are serialized per workplace

package workplace

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/keylock"
	"github.com/2389/frontdesk/internal/store"
)

// WorkplaceStore defines what the manager needs from storage
type WorkplaceStore interface {
	CreateWorkplace(ctx context.Context, workplace *store.Workplace) error
	GetWorkplace(ctx context.Context, id string) (*store.Workplace, error)
	FindWorkplace(ctx context.Context, agentID, channel, address string) (*store.Workplace, error)
	ListAgentWorkplaces(ctx context.Context, agentID string) ([]*store.Workplace, error)
}

// CommitFunc performs the store write that moves the active pointer. It runs
// while the manager holds the workplace lock.
type CommitFunc func(ctx context.Context) error

// Manager is the sole writer of Workplace.ActiveConversationID. The write
// itself happens inside the coordinator's CommitFunc so the conversation and
// the workplace change in one store transaction.
type Manager struct {
	store  WorkplaceStore
	locks  *keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Manager. Pass nil logger for default.
func New(s WorkplaceStore, locks *keylock.Map, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Manager{
		store:  s,
		locks:  locks,
		logger: logger.With("component", "workplace"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register returns the workplace for (agentID, channel, address), creating
// it if needed.
func (m *Manager) Register(ctx context.Context, agentID, channel, address string) (*store.Workplace, error) {
	if agentID == "" || channel == "" || address == "" {
		return nil, errs.Validation("agent id, channel and address are required")
	}

	w, err := m.store.FindWorkplace(ctx, agentID, channel, address)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, errs.Storage("find workplace", err)
	}

	w = &store.Workplace{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Channel:   channel,
		Address:   address,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateWorkplace(ctx, w); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			existing, ferr := m.store.FindWorkplace(ctx, agentID, channel, address)
			if ferr != nil {
				return nil, errs.Storage("find workplace", ferr)
			}
			return existing, nil
		case errors.Is(err, store.ErrNotFound):
			return nil, errs.NotFound("agent %s", agentID)
		default:
			return nil, errs.Storage("create workplace", err)
		}
	}

	m.logger.Info("workplace registered",
		"workplace_id", w.ID,
		"agent_id", agentID,
		"channel", channel,
	)
	return w, nil
}

// Get returns a workplace by ID.
func (m *Manager) Get(ctx context.Context, id string) (*store.Workplace, error) {
	w, err := m.store.GetWorkplace(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NotFound("workplace %s", id)
	}
	if err != nil {
		return nil, errs.Storage("get workplace", err)
	}
	return w, nil
}

// ForAgent returns all of an agent's workplaces in registration order.
func (m *Manager) ForAgent(ctx context.Context, agentID string) ([]*store.Workplace, error) {
	ws, err := m.store.ListAgentWorkplaces(ctx, agentID)
	if err != nil {
		return nil, errs.Storage("list workplaces", err)
	}
	return ws, nil
}

// Available returns the agent's workplaces with no active conversation.
func (m *Manager) Available(ctx context.Context, agentID string) ([]*store.Workplace, error) {
	ws, err := m.ForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	free := ws[:0]
	for _, w := range ws {
		if w.ActiveConversationID == "" {
			free = append(free, w)
		}
	}
	return free, nil
}

// Bind points the workplace at conversationID by running commit under the
// workplace lock. Returns a Conflict error if the workplace is busy.
func (m *Manager) Bind(ctx context.Context, workplaceID, conversationID string, commit CommitFunc) error {
	unlock, err := m.locks.Lock(ctx, "workplace:"+workplaceID)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := m.Get(ctx, workplaceID)
	if err != nil {
		return err
	}
	if w.ActiveConversationID != "" {
		return errs.Conflict("workplace %s is busy with conversation %s", workplaceID, w.ActiveConversationID)
	}

	if err := commit(ctx); err != nil {
		return err
	}

	m.logger.Debug("workplace bound", "workplace_id", workplaceID, "conversation_id", conversationID)
	return nil
}

// Unbind clears the workplace's pointer to conversationID by running commit
// under the workplace lock.
func (m *Manager) Unbind(ctx context.Context, workplaceID, conversationID string, commit CommitFunc) error {
	unlock, err := m.locks.Lock(ctx, "workplace:"+workplaceID)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := m.Get(ctx, workplaceID)
	if err != nil {
		return err
	}
	if w.ActiveConversationID != conversationID {
		return errs.Conflict("workplace %s is not bound to conversation %s", workplaceID, conversationID)
	}

	if err := commit(ctx); err != nil {
		return err
	}

	m.logger.Debug("workplace unbound", "workplace_id", workplaceID, "conversation_id", conversationID)
	return nil
}
