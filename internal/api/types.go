// ABOUTME: JSON wire types shared by the HTTP API, SSE stream, event relay and API client
// ABOUTME: Converters from store entities and bus events keep every transport consistent

package api

import (
	"time"

	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/store"
)

// Identification is a channel identity on the wire.
type Identification struct {
	Channel  string            `json:"channel"`
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Customer is the JSON form of a customer.
type Customer struct {
	ID              string            `json:"id"`
	Identifications []Identification  `json:"identifications"`
	Name            string            `json:"name,omitempty"`
	Username        string            `json:"username,omitempty"`
	Contacts        map[string]string `json:"contacts,omitempty"`
	CreatedAt       string            `json:"created_at"`
}

// Permissions is the JSON form of agent permissions.
type Permissions struct {
	ManageTags   bool `json:"manage_tags"`
	GrantAgent   bool `json:"grant_agent"`
	AssignOthers bool `json:"assign_others"`
}

// Agent is the JSON form of an agent.
type Agent struct {
	ID              string           `json:"id"`
	Identifications []Identification `json:"identifications"`
	DisplayName     string           `json:"display_name,omitempty"`
	Username        string           `json:"username,omitempty"`
	Permissions     Permissions      `json:"permissions"`
	Deactivated     bool             `json:"deactivated"`
	CreatedAt       string           `json:"created_at"`
}

// Workplace is the JSON form of a workplace.
type Workplace struct {
	ID                   string `json:"id"`
	AgentID              string `json:"agent_id"`
	Channel              string `json:"channel"`
	Address              string `json:"address"`
	ActiveConversationID string `json:"active_conversation_id,omitempty"`
	CreatedAt            string `json:"created_at"`
}

// Attachment is the JSON form of a message attachment.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Message is the JSON form of a conversation message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Seq            int64       `json:"seq"`
	Author         string      `json:"author"`
	AuthorID       string      `json:"author_id,omitempty"`
	Kind           string      `json:"kind"`
	Marker         string      `json:"marker,omitempty"`
	Text           string      `json:"text,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      string      `json:"created_at"`
}

// Tag is the JSON form of a tag.
type Tag struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Conversation is the JSON form of a conversation.
type Conversation struct {
	ID                  string    `json:"id"`
	CustomerID          string    `json:"customer_id"`
	State               string    `json:"state"`
	AssignedWorkplaceID string    `json:"assigned_workplace_id,omitempty"`
	AssignedAgentID     string    `json:"assigned_agent_id,omitempty"`
	CustomerRating      int       `json:"customer_rating,omitempty"`
	Tags                []string  `json:"tags"`
	Messages            []Message `json:"messages,omitempty"`
	CreatedAt           string    `json:"created_at"`
	UpdatedAt           string    `json:"updated_at"`
	ResolvedAt          string    `json:"resolved_at,omitempty"`
	Version             int64     `json:"version"`
}

// Event is the JSON form of a backend event. It carries enough state to
// re-render without reading back from the API.
type Event struct {
	ID             string        `json:"id"`
	Kind           string        `json:"kind"`
	ConversationID string        `json:"conversation_id,omitempty"`
	CustomerID     string        `json:"customer_id,omitempty"`
	AgentID        string        `json:"agent_id,omitempty"`
	WorkplaceID    string        `json:"workplace_id,omitempty"`
	Timestamp      string        `json:"timestamp"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Tag            *Tag          `json:"tag,omitempty"`
	TagAdded       bool          `json:"tag_added,omitempty"`
	Customer       *Customer     `json:"customer,omitempty"`
	Agent          *Agent        `json:"agent,omitempty"`
	Rating         int           `json:"rating,omitempty"`
}

// Error is the JSON error body.
type Error struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// FormatTime renders timestamps on the wire.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func fromIdentifications(in []store.ChannelIdentification) []Identification {
	out := make([]Identification, 0, len(in))
	for _, id := range in {
		out = append(out, Identification{Channel: id.Channel, Key: id.Key, Metadata: id.Metadata})
	}
	return out
}

// ToIdentification converts a wire identification to the store form.
func (i Identification) ToIdentification() store.ChannelIdentification {
	return store.ChannelIdentification{Channel: i.Channel, Key: i.Key, Metadata: i.Metadata}
}

// FromCustomer converts a store customer.
func FromCustomer(c *store.Customer) *Customer {
	if c == nil {
		return nil
	}
	return &Customer{
		ID:              c.ID,
		Identifications: fromIdentifications(c.Identifications),
		Name:            c.Profile.Name,
		Username:        c.Profile.Username,
		Contacts:        c.Profile.Contacts,
		CreatedAt:       FormatTime(c.CreatedAt),
	}
}

// FromAgent converts a store agent.
func FromAgent(a *store.Agent) *Agent {
	if a == nil {
		return nil
	}
	return &Agent{
		ID:              a.ID,
		Identifications: fromIdentifications(a.Identifications),
		DisplayName:     a.DisplayName,
		Username:        a.Username,
		Permissions: Permissions{
			ManageTags:   a.Permissions.ManageTags,
			GrantAgent:   a.Permissions.GrantAgent,
			AssignOthers: a.Permissions.AssignOthers,
		},
		Deactivated: a.Deactivated,
		CreatedAt:   FormatTime(a.CreatedAt),
	}
}

// ToPermissions converts wire permissions to the store form.
func (p Permissions) ToPermissions() store.Permissions {
	return store.Permissions{ManageTags: p.ManageTags, GrantAgent: p.GrantAgent, AssignOthers: p.AssignOthers}
}

// FromWorkplace converts a store workplace.
func FromWorkplace(w *store.Workplace) *Workplace {
	if w == nil {
		return nil
	}
	return &Workplace{
		ID:                   w.ID,
		AgentID:              w.AgentID,
		Channel:              w.Channel,
		Address:              w.Address,
		ActiveConversationID: w.ActiveConversationID,
		CreatedAt:            FormatTime(w.CreatedAt),
	}
}

// FromMessage converts a store message.
func FromMessage(m *store.Message) *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Author:         string(m.Author),
		AuthorID:       m.AuthorID,
		Kind:           m.Kind,
		Marker:         m.Marker,
		Text:           m.Text,
		CreatedAt:      FormatTime(m.CreatedAt),
	}
	if m.Attachment != nil {
		out.Attachment = &Attachment{URL: m.Attachment.URL, MimeType: m.Attachment.MimeType, Name: m.Attachment.Name}
	}
	return out
}

// ToMessage converts a wire message to the store form for appending.
func (m Message) ToMessage() store.Message {
	out := store.Message{
		Author:   store.AuthorKind(m.Author),
		AuthorID: m.AuthorID,
		Kind:     m.Kind,
		Text:     m.Text,
	}
	if m.Attachment != nil {
		out.Attachment = &store.Attachment{URL: m.Attachment.URL, MimeType: m.Attachment.MimeType, Name: m.Attachment.Name}
	}
	return out
}

// FromMessages converts a message list.
func FromMessages(msgs []store.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, *FromMessage(&msgs[i]))
	}
	return out
}

// FromTag converts a store tag.
func FromTag(t *store.Tag) *Tag {
	if t == nil {
		return nil
	}
	return &Tag{ID: t.ID, Name: t.Name, CreatedBy: t.CreatedBy, CreatedAt: FormatTime(t.CreatedAt)}
}

// FromConversation converts a store conversation.
func FromConversation(c *store.Conversation) *Conversation {
	if c == nil {
		return nil
	}
	out := &Conversation{
		ID:                  c.ID,
		CustomerID:          c.CustomerID,
		State:               string(c.State),
		AssignedWorkplaceID: c.AssignedWorkplaceID,
		AssignedAgentID:     c.AssignedAgentID,
		CustomerRating:      c.CustomerRating,
		Tags:                make([]string, 0, len(c.Tags)),
		CreatedAt:           FormatTime(c.CreatedAt),
		UpdatedAt:           FormatTime(c.UpdatedAt),
		Version:             c.Version,
	}
	for _, t := range c.Tags {
		out.Tags = append(out.Tags, t.Name)
	}
	if len(c.Messages) > 0 {
		out.Messages = FromMessages(c.Messages)
	}
	if c.ResolvedAt != nil {
		out.ResolvedAt = FormatTime(*c.ResolvedAt)
	}
	return out
}

// FromConversations converts a conversation list.
func FromConversations(convs []*store.Conversation) []Conversation {
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, *FromConversation(c))
	}
	return out
}

// FromEvent converts a bus event.
func FromEvent(ev eventbus.Event) *Event {
	return &Event{
		ID:             ev.ID,
		Kind:           string(ev.Kind),
		ConversationID: ev.ConversationID,
		CustomerID:     ev.CustomerID,
		AgentID:        ev.AgentID,
		WorkplaceID:    ev.WorkplaceID,
		Timestamp:      FormatTime(ev.Timestamp),
		Conversation:   FromConversation(ev.Conversation),
		Message:        FromMessage(ev.Message),
		Tag:            FromTag(ev.Tag),
		TagAdded:       ev.TagAdded,
		Customer:       FromCustomer(ev.Customer),
		Agent:          FromAgent(ev.Agent),
		Rating:         ev.Rating,
	}
}

// ParseTime parses a wire timestamp. Empty or malformed input yields the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ToCustomer converts a wire customer back to the store form, for adapters
// that compose texts from API responses.
func (c Customer) ToCustomer() *store.Customer {
	out := &store.Customer{
		ID:        c.ID,
		Profile:   store.Profile{Name: c.Name, Username: c.Username, Contacts: c.Contacts},
		CreatedAt: ParseTime(c.CreatedAt),
	}
	for _, id := range c.Identifications {
		out.Identifications = append(out.Identifications, id.ToIdentification())
	}
	return out
}

// ToConversation converts a wire conversation back to the store form.
func (c Conversation) ToConversation() *store.Conversation {
	out := &store.Conversation{
		ID:                  c.ID,
		CustomerID:          c.CustomerID,
		State:               store.ConversationState(c.State),
		AssignedWorkplaceID: c.AssignedWorkplaceID,
		AssignedAgentID:     c.AssignedAgentID,
		CustomerRating:      c.CustomerRating,
		CreatedAt:           ParseTime(c.CreatedAt),
		UpdatedAt:           ParseTime(c.UpdatedAt),
		Version:             c.Version,
	}
	for _, name := range c.Tags {
		out.Tags = append(out.Tags, store.Tag{Name: name})
	}
	for _, m := range c.Messages {
		msg := m.ToMessage()
		msg.ID, msg.ConversationID, msg.Seq, msg.Marker = m.ID, m.ConversationID, m.Seq, m.Marker
		msg.CreatedAt = ParseTime(m.CreatedAt)
		out.Messages = append(out.Messages, msg)
	}
	if c.ResolvedAt != "" {
		t := ParseTime(c.ResolvedAt)
		out.ResolvedAt = &t
	}
	return out
}
