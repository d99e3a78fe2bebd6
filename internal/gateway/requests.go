// ABOUTME: Request bodies accepted by the HTTP API and the gRPC service
// ABOUTME: Both transports decode into these types and call the same operations

package gateway

import (
	"context"
	"strings"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/auth"
	"github.com/2389/frontdesk/internal/backend"
	"github.com/2389/frontdesk/internal/dedupe"
	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/identity"
	"github.com/2389/frontdesk/internal/store"
)

// IdentifyRequest identifies a person on a channel.
type IdentifyRequest struct {
	Channel  string            `json:"channel"`
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r IdentifyRequest) identification() store.ChannelIdentification {
	return store.ChannelIdentification{Channel: r.Channel, Key: r.Key, Metadata: r.Metadata}
}

// UpdateCustomerRequest patches a customer profile. Absent fields are kept.
type UpdateCustomerRequest struct {
	Name               *string              `json:"name,omitempty"`
	Username           *string              `json:"username,omitempty"`
	Contacts           map[string]string    `json:"contacts,omitempty"`
	AddIdentifications []api.Identification `json:"add_identifications,omitempty"`
}

func (r UpdateCustomerRequest) diff() identity.ProfileDiff {
	d := identity.ProfileDiff{Name: r.Name, Username: r.Username, Contacts: r.Contacts}
	for _, id := range r.AddIdentifications {
		d.AddIdentifications = append(d.AddIdentifications, id.ToIdentification())
	}
	return d
}

// UpdateAgentRequest patches an agent. Absent fields are kept.
type UpdateAgentRequest struct {
	DisplayName        *string              `json:"display_name,omitempty"`
	Username           *string              `json:"username,omitempty"`
	Permissions        *api.Permissions     `json:"permissions,omitempty"`
	AddIdentifications []api.Identification `json:"add_identifications,omitempty"`
}

func (r UpdateAgentRequest) diff() identity.AgentDiff {
	d := identity.AgentDiff{DisplayName: r.DisplayName, Username: r.Username}
	if r.Permissions != nil {
		p := r.Permissions.ToPermissions()
		d.Permissions = &p
	}
	for _, id := range r.AddIdentifications {
		d.AddIdentifications = append(d.AddIdentifications, id.ToIdentification())
	}
	return d
}

// GrantAgentRequest makes the identified person an agent.
type GrantAgentRequest struct {
	GranterID string `json:"granter_id,omitempty"`
	Channel   string `json:"channel"`
	Key       string `json:"key"`
}

// RegisterWorkplaceRequest registers an (agent, channel, address) triple.
type RegisterWorkplaceRequest struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
}

// StartConversationRequest opens (or returns) a customer's conversation.
type StartConversationRequest struct {
	CustomerID string `json:"customer_id"`
}

// AssignRequest assigns a conversation either to a workplace or to an agent.
// When WorkplaceID is empty the assignee's first free workplace is used.
type AssignRequest struct {
	WorkplaceID string `json:"workplace_id,omitempty"`
	AssignerID  string `json:"assigner_id,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

// AddMessageRequest appends a message. IdempotencyKey, when set, makes
// retries of the same inbound channel message harmless.
type AddMessageRequest struct {
	api.Message
	Channel        string `json:"channel,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AddMessageResponse is returned by message appends.
type AddMessageResponse struct {
	Message   *api.Message `json:"message,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

// TagRequest names a tag, and for creation the agent creating it.
type TagRequest struct {
	Tag     string `json:"tag"`
	AgentID string `json:"agent_id,omitempty"`
}

// RateRequest carries a customer rating.
type RateRequest struct {
	Rating int `json:"rating"`
}

// ConversationRequest names a conversation.
type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
	WithMessages   bool   `json:"with_messages,omitempty"`
}

// EventsRequest filters an event stream.
type EventsRequest struct {
	Kinds          []string `json:"kinds,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	CustomerID     string   `json:"customer_id,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`
}

func (r EventsRequest) filter() (eventbus.StreamFilter, error) {
	f := eventbus.StreamFilter{ConversationID: r.ConversationID, CustomerID: r.CustomerID, AgentID: r.AgentID}
	for _, k := range r.Kinds {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		kind := eventbus.Kind(k)
		if !kind.Valid() {
			return f, errs.Validation("unknown event kind %q", k)
		}
		f.Kinds = append(f.Kinds, kind)
	}
	return f, nil
}

// requireService rejects agent callers.
func requireService(ctx context.Context) error {
	if !auth.FromContext(ctx).IsService() {
		return errs.PermissionDenied("service token required")
	}
	return nil
}

// actAs allows services to act for anyone and agents to act only as
// themselves.
func actAs(ctx context.Context, agentID string) error {
	authCtx := auth.FromContext(ctx)
	if authCtx.IsService() {
		return nil
	}
	if authCtx.AgentID() == "" || authCtx.AgentID() != agentID {
		return errs.PermissionDenied("agents may only act as themselves")
	}
	return nil
}

// operations holds the transport-independent request handling.
type operations struct {
	backend *backend.Backend
	dedupe  *dedupe.Cache
}

func (o *operations) assign(ctx context.Context, conversationID string, req AssignRequest) (*store.Conversation, error) {
	if req.WorkplaceID != "" {
		wp, err := o.backend.GetWorkplace(ctx, req.WorkplaceID)
		if err != nil {
			return nil, err
		}
		if err := actAs(ctx, wp.AgentID); err != nil {
			return nil, err
		}
		return o.backend.Assign(ctx, conversationID, req.WorkplaceID)
	}
	if err := actAs(ctx, req.AssignerID); err != nil {
		return nil, err
	}
	assignee := req.AssigneeID
	if assignee == "" {
		assignee = req.AssignerID
	}
	return o.backend.AssignAgent(ctx, conversationID, req.AssignerID, assignee)
}

// addMessage appends req, dropping repeats of an idempotency key seen
// within the dedupe window.
func (o *operations) addMessage(ctx context.Context, conversationID string, req AddMessageRequest) (*AddMessageResponse, error) {
	msg := req.ToMessage()
	if msg.Author == store.AuthorAgent {
		if err := actAs(ctx, msg.AuthorID); err != nil {
			return nil, err
		}
	} else if err := requireService(ctx); err != nil {
		return nil, err
	}

	var key string
	if req.IdempotencyKey != "" && o.dedupe != nil {
		key = dedupe.Key(req.Channel, conversationID+"/"+req.IdempotencyKey)
		if o.dedupe.CheckAndMark(key) {
			return &AddMessageResponse{Duplicate: true}, nil
		}
	}

	stored, err := o.backend.AddMessage(ctx, conversationID, msg)
	if err != nil {
		if key != "" {
			o.dedupe.Forget(key)
		}
		return nil, err
	}
	return &AddMessageResponse{Message: api.FromMessage(stored)}, nil
}

func (o *operations) createTag(ctx context.Context, req TagRequest) (*store.Tag, error) {
	if err := actAs(ctx, req.AgentID); err != nil {
		return nil, err
	}
	return o.backend.CreateTag(ctx, req.Tag, req.AgentID)
}

func (o *operations) grantAgent(ctx context.Context, req GrantAgentRequest) (*store.Agent, error) {
	authCtx := auth.FromContext(ctx)
	if !authCtx.IsService() {
		// Agents grant in their own name and only through the permission check.
		if req.GranterID == "" {
			req.GranterID = authCtx.AgentID()
		}
		if err := actAs(ctx, req.GranterID); err != nil {
			return nil, err
		}
	}
	return o.backend.GrantAgent(ctx, req.GranterID, store.ChannelIdentification{Channel: req.Channel, Key: req.Key})
}
