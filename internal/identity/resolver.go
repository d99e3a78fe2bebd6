// ABOUTME: Identity resolver mapping channel identifications to customers and agents
// ABOUTME: Creates identities on first contact and applies partial profile updates

package identity

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/keylock"
	"github.com/2389/frontdesk/internal/store"
)

// IdentityStore defines what the resolver needs from storage
type IdentityStore interface {
	CreateCustomer(ctx context.Context, customer *store.Customer) error
	GetCustomer(ctx context.Context, id string) (*store.Customer, error)
	FindCustomerByChannel(ctx context.Context, channel, key string) (*store.Customer, error)
	UpdateCustomer(ctx context.Context, customer *store.Customer) error

	CreateAgent(ctx context.Context, agent *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	FindAgentByChannel(ctx context.Context, channel, key string) (*store.Agent, error)
	UpdateAgent(ctx context.Context, agent *store.Agent) error
	ListAgents(ctx context.Context) ([]*store.Agent, error)
}

// ProfileDiff is a partial customer update. Nil fields are left unchanged.
// Contacts are merged key by key; an empty value removes the key.
type ProfileDiff struct {
	Name               *string
	Username           *string
	Contacts           map[string]string
	AddIdentifications []store.ChannelIdentification
}

// AgentDiff is a partial agent update. Nil fields are left unchanged.
type AgentDiff struct {
	DisplayName        *string
	Username           *string
	Permissions        *store.Permissions
	AddIdentifications []store.ChannelIdentification
}

// Resolver is the sole writer of customers and agents.
type Resolver struct {
	store  IdentityStore
	bus    eventbus.Publisher
	locks  *keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Resolver. locks may be shared with other components; pass
// nil logger for default.
func New(s IdentityStore, bus eventbus.Publisher, locks *keylock.Map, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Resolver{
		store:  s,
		bus:    bus,
		locks:  locks,
		logger: logger.With("component", "identity"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func validateIdentification(ident store.ChannelIdentification) error {
	if ident.Channel == "" {
		return errs.Validation("identification channel is required")
	}
	if ident.Key == "" {
		return errs.Validation("identification key is required")
	}
	return nil
}

// storeErr translates a store error into the backend taxonomy.
func storeErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound("%s", op)
	}
	return errs.Storage(op, err)
}

// IdentifyCustomer returns the customer owning ident, creating one on first
// contact. Concurrent calls with the same identification yield one customer.
func (r *Resolver) IdentifyCustomer(ctx context.Context, ident store.ChannelIdentification) (*store.Customer, error) {
	if err := validateIdentification(ident); err != nil {
		return nil, err
	}

	c, err := r.store.FindCustomerByChannel(ctx, ident.Channel, ident.Key)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, errs.Storage("find customer", err)
	}

	unlock, err := r.locks.Lock(ctx, "customer-key:"+ident.Channel+":"+ident.Key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another caller may have created it while we waited
	if c, err := r.store.FindCustomerByChannel(ctx, ident.Channel, ident.Key); err == nil {
		return c, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, errs.Storage("find customer", err)
	}

	now := r.now()
	c = &store.Customer{
		ID:              uuid.New().String(),
		Identifications: []store.ChannelIdentification{ident},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreateCustomer(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with another process sharing the store
			existing, ferr := r.store.FindCustomerByChannel(ctx, ident.Channel, ident.Key)
			if ferr != nil {
				return nil, errs.Storage("find customer", ferr)
			}
			return existing, nil
		}
		return nil, errs.Storage("create customer", err)
	}

	r.logger.Info("customer created",
		"customer_id", c.ID,
		"channel", ident.Channel,
	)
	return c, nil
}

// IdentifyAgent returns the agent owning ident, creating one on first contact.
func (r *Resolver) IdentifyAgent(ctx context.Context, ident store.ChannelIdentification) (*store.Agent, error) {
	if err := validateIdentification(ident); err != nil {
		return nil, err
	}

	a, err := r.store.FindAgentByChannel(ctx, ident.Channel, ident.Key)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, errs.Storage("find agent", err)
	}

	unlock, err := r.locks.Lock(ctx, "agent-key:"+ident.Channel+":"+ident.Key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if a, err := r.store.FindAgentByChannel(ctx, ident.Channel, ident.Key); err == nil {
		return a, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, errs.Storage("find agent", err)
	}

	now := r.now()
	a = &store.Agent{
		ID:              uuid.New().String(),
		Identifications: []store.ChannelIdentification{ident},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			existing, ferr := r.store.FindAgentByChannel(ctx, ident.Channel, ident.Key)
			if ferr != nil {
				return nil, errs.Storage("find agent", ferr)
			}
			return existing, nil
		}
		return nil, errs.Storage("create agent", err)
	}

	r.logger.Info("agent created",
		"agent_id", a.ID,
		"channel", ident.Channel,
	)
	return a, nil
}

// FindAgent looks up an agent without creating one.
func (r *Resolver) FindAgent(ctx context.Context, ident store.ChannelIdentification) (*store.Agent, error) {
	if err := validateIdentification(ident); err != nil {
		return nil, err
	}
	a, err := r.store.FindAgentByChannel(ctx, ident.Channel, ident.Key)
	if err != nil {
		return nil, storeErr("agent "+ident.Channel+":"+ident.Key, err)
	}
	return a, nil
}

// GetCustomer returns a customer by ID.
func (r *Resolver) GetCustomer(ctx context.Context, id string) (*store.Customer, error) {
	c, err := r.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, storeErr("customer "+id, err)
	}
	return c, nil
}

// GetAgent returns an agent by ID.
func (r *Resolver) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, storeErr("agent "+id, err)
	}
	return a, nil
}

// ListAgents returns every agent.
func (r *Resolver) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, errs.Storage("list agents", err)
	}
	return agents, nil
}

// mergeIdentifications appends identifications not already present.
func mergeIdentifications(have, add []store.ChannelIdentification) ([]store.ChannelIdentification, error) {
	out := slices.Clone(have)
	for _, ident := range add {
		if err := validateIdentification(ident); err != nil {
			return nil, err
		}
		exists := slices.ContainsFunc(out, func(h store.ChannelIdentification) bool {
			return h.Channel == ident.Channel && h.Key == ident.Key
		})
		if !exists {
			out = append(out, ident)
		}
	}
	return out, nil
}

// UpdateCustomer applies diff to the customer and publishes IdentityUpdated.
func (r *Resolver) UpdateCustomer(ctx context.Context, id string, diff ProfileDiff) (*store.Customer, error) {
	return locked(ctx, r, "customer:"+id, func() (*store.Customer, <-chan struct{}, error) {
		return r.updateCustomer(ctx, id, diff)
	})
}

func (r *Resolver) updateCustomer(ctx context.Context, id string, diff ProfileDiff) (*store.Customer, <-chan struct{}, error) {
	c, err := r.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, nil, storeErr("customer "+id, err)
	}

	if diff.Name != nil {
		c.Profile.Name = *diff.Name
	}
	if diff.Username != nil {
		c.Profile.Username = *diff.Username
	}
	if len(diff.Contacts) > 0 {
		if c.Profile.Contacts == nil {
			c.Profile.Contacts = make(map[string]string)
		}
		for k, v := range diff.Contacts {
			if v == "" {
				delete(c.Profile.Contacts, k)
				continue
			}
			c.Profile.Contacts[k] = v
		}
	}
	if c.Identifications, err = mergeIdentifications(c.Identifications, diff.AddIdentifications); err != nil {
		return nil, nil, err
	}
	c.UpdatedAt = r.now()

	if err := r.store.UpdateCustomer(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, nil, errs.Conflict("identification already belongs to another customer")
		}
		return nil, nil, storeErr("update customer "+id, err)
	}

	snapshot := *c
	snapshot.Profile.Contacts = maps.Clone(c.Profile.Contacts)
	snapshot.Identifications = slices.Clone(c.Identifications)
	done := r.bus.Publish(eventbus.Event{
		Kind:       eventbus.KindIdentityUpdated,
		CustomerID: c.ID,
		Customer:   &snapshot,
		Timestamp:  c.UpdatedAt,
	})

	r.logger.Debug("customer updated", "customer_id", c.ID)
	return c, done, nil
}

// UpdateAgent applies diff to the agent and publishes IdentityUpdated.
func (r *Resolver) UpdateAgent(ctx context.Context, id string, diff AgentDiff) (*store.Agent, error) {
	return r.mutateAgent(ctx, id, func(a *store.Agent) error {
		if diff.DisplayName != nil {
			a.DisplayName = *diff.DisplayName
		}
		if diff.Username != nil {
			a.Username = *diff.Username
		}
		if diff.Permissions != nil {
			a.Permissions = *diff.Permissions
		}
		var err error
		a.Identifications, err = mergeIdentifications(a.Identifications, diff.AddIdentifications)
		return err
	})
}

// SetDeactivated flips the agent's deactivated flag. Releasing the agent's
// conversations is the coordinator's job; see backend.DeactivateAgent.
func (r *Resolver) SetDeactivated(ctx context.Context, id string, deactivated bool) (*store.Agent, error) {
	return r.mutateAgent(ctx, id, func(a *store.Agent) error {
		a.Deactivated = deactivated
		return nil
	})
}

// GrantAgent makes the person behind ident an active agent. granterID must
// hold the GrantAgent permission unless it is empty, which is reserved for
// the operator bootstrapping the first agents.
func (r *Resolver) GrantAgent(ctx context.Context, granterID string, ident store.ChannelIdentification) (*store.Agent, error) {
	if granterID != "" {
		granter, err := r.GetAgent(ctx, granterID)
		if err != nil {
			return nil, err
		}
		if granter.Deactivated {
			return nil, errs.PermissionDenied("agent %s is deactivated", granterID)
		}
		if !granter.Permissions.GrantAgent {
			return nil, errs.PermissionDenied("agent %s may not grant agents", granterID)
		}
	}

	a, err := r.IdentifyAgent(ctx, ident)
	if err != nil {
		return nil, err
	}
	if a.Deactivated {
		return r.SetDeactivated(ctx, a.ID, false)
	}
	return a, nil
}

func (r *Resolver) mutateAgent(ctx context.Context, id string, mutate func(a *store.Agent) error) (*store.Agent, error) {
	return locked(ctx, r, "agent:"+id, func() (*store.Agent, <-chan struct{}, error) {
		a, err := r.store.GetAgent(ctx, id)
		if err != nil {
			return nil, nil, storeErr("agent "+id, err)
		}
		if err := mutate(a); err != nil {
			return nil, nil, err
		}
		a.UpdatedAt = r.now()

		if err := r.store.UpdateAgent(ctx, a); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil, nil, errs.Conflict("identification already belongs to another agent")
			}
			return nil, nil, storeErr("update agent "+id, err)
		}

		snapshot := *a
		snapshot.Identifications = slices.Clone(a.Identifications)
		done := r.bus.Publish(eventbus.Event{
			Kind:      eventbus.KindIdentityUpdated,
			AgentID:   a.ID,
			Agent:     &snapshot,
			Timestamp: a.UpdatedAt,
		})

		r.logger.Debug("agent updated", "agent_id", a.ID, "deactivated", a.Deactivated)
		return a, done, nil
	})
}

// locked runs fn under key and waits for the event it published only after
// releasing the lock. A cut-short wait is not an error: fn already committed.
func locked[T any](ctx context.Context, r *Resolver, key string, fn func() (T, <-chan struct{}, error)) (T, error) {
	var zero T

	unlock, err := r.locks.Lock(ctx, key)
	if err != nil {
		return zero, err
	}
	result, done, err := fn()
	unlock()
	if err != nil {
		return zero, err
	}

	if done != nil {
		if werr := r.bus.Wait(ctx, done); werr != nil {
			r.logger.Debug("stopped waiting for event delivery", "key", key, "error", werr)
		}
	}
	return result, nil
}

