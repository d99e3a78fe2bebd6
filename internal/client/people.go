// ABOUTME: Client methods for customers, agents and workplaces
// ABOUTME: Thin wrappers over the /api/customers, /api/agents and /api/workplaces endpoints

package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/2389/frontdesk/internal/api"
)

type identifyBody struct {
	Channel  string            `json:"channel"`
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IdentifyCustomer returns the customer behind a channel identity, creating
// one on first contact.
func (c *Client) IdentifyCustomer(ctx context.Context, ident api.Identification) (*api.Customer, error) {
	var out api.Customer
	body := identifyBody{Channel: ident.Channel, Key: ident.Key, Metadata: ident.Metadata}
	if _, err := c.do(ctx, http.MethodPost, path("customers", "identify"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCustomer fetches a customer by ID.
func (c *Client) GetCustomer(ctx context.Context, id string) (*api.Customer, error) {
	var out api.Customer
	if _, err := c.do(ctx, http.MethodGet, path("customers", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CustomerUpdate patches a customer profile. Nil fields are left unchanged.
type CustomerUpdate struct {
	Name               *string              `json:"name,omitempty"`
	Username           *string              `json:"username,omitempty"`
	Contacts           map[string]string    `json:"contacts,omitempty"`
	AddIdentifications []api.Identification `json:"add_identifications,omitempty"`
}

// UpdateCustomer applies a profile patch.
func (c *Client) UpdateCustomer(ctx context.Context, id string, update CustomerUpdate) (*api.Customer, error) {
	var out api.Customer
	if _, err := c.do(ctx, http.MethodPatch, path("customers", id), nil, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CustomerConversations lists every conversation of a customer.
func (c *Client) CustomerConversations(ctx context.Context, id string) ([]api.Conversation, error) {
	var out []api.Conversation
	if _, err := c.do(ctx, http.MethodGet, path("customers", id, "conversations"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenConversation returns the customer's unresolved conversation. It fails
// with a not-found error when there is none.
func (c *Client) OpenConversation(ctx context.Context, customerID string) (*api.Conversation, error) {
	var out api.Conversation
	if _, err := c.do(ctx, http.MethodGet, path("customers", customerID, "conversation"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IdentifyAgent returns the agent behind a channel identity. Only people
// previously granted agent status are found.
func (c *Client) IdentifyAgent(ctx context.Context, ident api.Identification) (*api.Agent, error) {
	var out api.Agent
	body := identifyBody{Channel: ident.Channel, Key: ident.Key, Metadata: ident.Metadata}
	if _, err := c.do(ctx, http.MethodPost, path("agents", "identify"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindAgent looks an agent up by channel identity without side effects.
func (c *Client) FindAgent(ctx context.Context, channel, key string) (*api.Agent, error) {
	var out api.Agent
	body := identifyBody{Channel: channel, Key: key}
	if _, err := c.do(ctx, http.MethodPost, path("agents", "find"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GrantAgent makes the identified person an agent. granterID may be empty
// for service callers bootstrapping the first agent.
func (c *Client) GrantAgent(ctx context.Context, granterID, channel, key string) (*api.Agent, error) {
	var out api.Agent
	body := struct {
		GranterID string `json:"granter_id,omitempty"`
		Channel   string `json:"channel"`
		Key       string `json:"key"`
	}{granterID, channel, key}
	if _, err := c.do(ctx, http.MethodPost, path("agents", "grant"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent fetches an agent by ID.
func (c *Client) GetAgent(ctx context.Context, id string) (*api.Agent, error) {
	var out api.Agent
	if _, err := c.do(ctx, http.MethodGet, path("agents", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents lists every agent.
func (c *Client) ListAgents(ctx context.Context) ([]api.Agent, error) {
	var out []api.Agent
	if _, err := c.do(ctx, http.MethodGet, path("agents"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AgentUpdate patches an agent. Nil fields are left unchanged.
type AgentUpdate struct {
	DisplayName        *string              `json:"display_name,omitempty"`
	Username           *string              `json:"username,omitempty"`
	Permissions        *api.Permissions     `json:"permissions,omitempty"`
	AddIdentifications []api.Identification `json:"add_identifications,omitempty"`
}

// UpdateAgent applies an agent patch.
func (c *Client) UpdateAgent(ctx context.Context, id string, update AgentUpdate) (*api.Agent, error) {
	var out api.Agent
	if _, err := c.do(ctx, http.MethodPatch, path("agents", id), nil, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deactivation is the result of deactivating an agent.
type Deactivation struct {
	Agent     *api.Agent         `json:"agent"`
	Postponed []api.Conversation `json:"postponed"`
}

// DeactivateAgent blocks the agent and returns its conversations to the queue.
func (c *Client) DeactivateAgent(ctx context.Context, id string) (*Deactivation, error) {
	var out Deactivation
	if _, err := c.do(ctx, http.MethodPost, path("agents", id, "deactivate"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReactivateAgent lets a deactivated agent take conversations again.
func (c *Client) ReactivateAgent(ctx context.Context, id string) (*api.Agent, error) {
	var out api.Agent
	if _, err := c.do(ctx, http.MethodPost, path("agents", id, "reactivate"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterWorkplace registers (or returns) the agent's workplace at address.
func (c *Client) RegisterWorkplace(ctx context.Context, agentID, channel, address string) (*api.Workplace, error) {
	var out api.Workplace
	body := struct {
		Channel string `json:"channel"`
		Address string `json:"address"`
	}{channel, address}
	if _, err := c.do(ctx, http.MethodPost, path("agents", agentID, "workplaces"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentWorkplaces lists an agent's workplaces, only the free ones when
// availableOnly is set.
func (c *Client) AgentWorkplaces(ctx context.Context, agentID string, availableOnly bool) ([]api.Workplace, error) {
	var q url.Values
	if availableOnly {
		q = url.Values{"available": {"true"}}
	}
	var out []api.Workplace
	if _, err := c.do(ctx, http.MethodGet, path("agents", agentID, "workplaces"), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetWorkplace fetches a workplace by ID.
func (c *Client) GetWorkplace(ctx context.Context, id string) (*api.Workplace, error) {
	var out api.Workplace
	if _, err := c.do(ctx, http.MethodGet, path("workplaces", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WorkplaceConversation returns the conversation bound to a workplace. It
// fails with a not-found error when the workplace is free.
func (c *Client) WorkplaceConversation(ctx context.Context, workplaceID string) (*api.Conversation, error) {
	var out api.Conversation
	if _, err := c.do(ctx, http.MethodGet, path("workplaces", workplaceID, "conversation"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
