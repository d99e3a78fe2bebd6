// ABOUTME: Client methods for conversations, messages, tags and ratings
// ABOUTME: Covers the conversation lifecycle endpoints under /api/conversations and /api/tags

package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/2389/frontdesk/internal/api"
)

// StartConversation returns the customer's open conversation, creating one
// when there is none.
func (c *Client) StartConversation(ctx context.Context, customerID string) (*api.Conversation, error) {
	var out api.Conversation
	body := struct {
		CustomerID string `json:"customer_id"`
	}{customerID}
	if _, err := c.do(ctx, http.MethodPost, path("conversations"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversation fetches a conversation, with its messages when requested.
func (c *Client) GetConversation(ctx context.Context, id string, withMessages bool) (*api.Conversation, error) {
	var q url.Values
	if withMessages {
		q = url.Values{"messages": {"true"}}
	}
	var out api.Conversation
	if _, err := c.do(ctx, http.MethodGet, path("conversations", id), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConversationQuery filters ListConversations. Zero fields match everything.
type ConversationQuery struct {
	State       string
	CustomerID  string
	AgentID     string
	WorkplaceID string
	Limit       int
}

func (q ConversationQuery) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("state", q.State)
	set("customer_id", q.CustomerID)
	set("agent_id", q.AgentID)
	set("workplace_id", q.WorkplaceID)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// ListConversations lists conversations matching q.
func (c *Client) ListConversations(ctx context.Context, q ConversationQuery) ([]api.Conversation, error) {
	var out []api.Conversation
	if _, err := c.do(ctx, http.MethodGet, path("conversations"), q.values(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Queue lists NEW conversations oldest first. A zero limit returns all.
func (c *Client) Queue(ctx context.Context, limit int) ([]api.Conversation, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out []api.Conversation
	if _, err := c.do(ctx, http.MethodGet, path("queue"), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns up to limit of the latest messages. A zero limit returns all.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]api.Message, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out []api.Message
	if _, err := c.do(ctx, http.MethodGet, path("conversations", conversationID, "messages"), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MessageOption adjusts an AddMessage call.
type MessageOption func(*addMessageBody)

// Idempotent makes the append safe to repeat for the same channel message.
func Idempotent(channel, messageID string) MessageOption {
	return func(b *addMessageBody) {
		b.Channel = channel
		b.IdempotencyKey = messageID
	}
}

type addMessageBody struct {
	api.Message
	Channel        string `json:"channel,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AddMessageResult is the outcome of AddMessage. Message is nil when the
// server recognized a duplicate.
type AddMessageResult struct {
	Message   *api.Message `json:"message,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

// AddMessage appends a customer or agent message.
func (c *Client) AddMessage(ctx context.Context, conversationID string, msg api.Message, opts ...MessageOption) (*AddMessageResult, error) {
	body := addMessageBody{Message: msg}
	for _, opt := range opts {
		opt(&body)
	}
	var out AddMessageResult
	if _, err := c.do(ctx, http.MethodPost, path("conversations", conversationID, "messages"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Assignment selects who gets a conversation.
type Assignment struct {
	WorkplaceID string `json:"workplace_id,omitempty"`
	AssignerID  string `json:"assigner_id,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

// AssignByWorkplace binds the conversation to a specific workplace.
func AssignByWorkplace(workplaceID string) Assignment {
	return Assignment{WorkplaceID: workplaceID}
}

// AssignByAgent has assigner hand the conversation to assignee's first free
// workplace. An empty assignee means the assigner.
func AssignByAgent(assignerID, assigneeID string) Assignment {
	return Assignment{AssignerID: assignerID, AssigneeID: assigneeID}
}

// Assign moves a NEW conversation to ASSIGNED.
func (c *Client) Assign(ctx context.Context, conversationID string, a Assignment) (*api.Conversation, error) {
	var out api.Conversation
	if _, err := c.do(ctx, http.MethodPost, path("conversations", conversationID, "assign"), nil, a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) transition(ctx context.Context, conversationID, action string) (*api.Conversation, error) {
	var out api.Conversation
	if _, err := c.do(ctx, http.MethodPost, path("conversations", conversationID, action), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Postpone returns an ASSIGNED conversation to the queue.
func (c *Client) Postpone(ctx context.Context, conversationID string) (*api.Conversation, error) {
	return c.transition(ctx, conversationID, "postpone")
}

// Resolve closes a conversation. Resolving twice is harmless.
func (c *Client) Resolve(ctx context.Context, conversationID string) (*api.Conversation, error) {
	return c.transition(ctx, conversationID, "resolve")
}

// AddTag tags a conversation, creating the tag when it does not exist.
func (c *Client) AddTag(ctx context.Context, conversationID, tag string) (*api.Conversation, error) {
	var out api.Conversation
	body := struct {
		Tag string `json:"tag"`
	}{tag}
	if _, err := c.do(ctx, http.MethodPost, path("conversations", conversationID, "tags"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveTag removes a tag from a conversation.
func (c *Client) RemoveTag(ctx context.Context, conversationID, tag string) (*api.Conversation, error) {
	var out api.Conversation
	if _, err := c.do(ctx, http.MethodDelete, path("conversations", conversationID, "tags", tag), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rate records the customer's 1..5 rating of a resolved conversation.
func (c *Client) Rate(ctx context.Context, conversationID string, rating int) (*api.Conversation, error) {
	var out api.Conversation
	body := struct {
		Rating int `json:"rating"`
	}{rating}
	if _, err := c.do(ctx, http.MethodPost, path("conversations", conversationID, "rating"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTags lists every tag.
func (c *Client) ListTags(ctx context.Context) ([]api.Tag, error) {
	var out []api.Tag
	if _, err := c.do(ctx, http.MethodGet, path("tags"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTag creates a tag on behalf of an agent with the manage-tags permission.
func (c *Client) CreateTag(ctx context.Context, name, agentID string) (*api.Tag, error) {
	var out api.Tag
	body := struct {
		Tag     string `json:"tag"`
		AgentID string `json:"agent_id,omitempty"`
	}{name, agentID}
	if _, err := c.do(ctx, http.MethodPost, path("tags"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
