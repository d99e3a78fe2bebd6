// ABOUTME: Store interface and entity types for frontdesk persistence
// ABOUTME: Defines customers, agents, workplaces, conversations, messages, tags and journal events

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key (channel identification,
// workplace triple, open conversation per customer, tag name) is already taken
var ErrDuplicate = errors.New("already exists")

// ErrConflict is returned by conditional writes whose precondition no longer
// holds (conversation state/version moved, workplace already bound)
var ErrConflict = errors.New("precondition failed")

// ConversationState is the lifecycle state of a conversation
type ConversationState string

const (
	StateNew      ConversationState = "new"
	StateAssigned ConversationState = "assigned"
	StateResolved ConversationState = "resolved"
)

// Open reports whether the state accepts messages and transitions.
func (s ConversationState) Open() bool {
	return s == StateNew || s == StateAssigned
}

// IdentityKind distinguishes customer identifications from agent identifications
type IdentityKind string

const (
	IdentityCustomer IdentityKind = "customer"
	IdentityAgent    IdentityKind = "agent"
)

// ChannelIdentification identifies a person on one channel: the channel type
// plus a key that is unique within that channel. Metadata carries
// channel-specific details the adapter wants persisted alongside.
type ChannelIdentification struct {
	Channel  string
	Key      string
	Metadata map[string]string
}

// Profile holds free-form customer profile fields
type Profile struct {
	Name     string
	Username string
	Contacts map[string]string
}

// Customer is a stable identity for a person asking for support
type Customer struct {
	ID              string
	Identifications []ChannelIdentification
	Profile         Profile
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Permissions are the capability flags of an agent
type Permissions struct {
	ManageTags   bool
	GrantAgent   bool
	AssignOthers bool
}

// Agent is a stable identity for a person answering customers
type Agent struct {
	ID              string
	Identifications []ChannelIdentification
	DisplayName     string
	Username        string
	Permissions     Permissions
	Deactivated     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Workplace is one way an agent can be reached: an (agent, channel, address)
// triple. ActiveConversationID is empty when the workplace is free.
type Workplace struct {
	ID                   string
	AgentID              string
	Channel              string
	Address              string
	ActiveConversationID string
	CreatedAt            time.Time
}

// AuthorKind says who wrote a message
type AuthorKind string

const (
	AuthorCustomer AuthorKind = "customer"
	AuthorAgent    AuthorKind = "agent"
	AuthorSystem   AuthorKind = "system"
)

// MessageKind constants
const (
	MessageKindText       = "text"       // Plain text
	MessageKindAttachment = "attachment" // File or image reference
	MessageKindEvent      = "event"      // Lifecycle marker written by the system
)

// Event markers carried by system messages
const (
	MarkerAssigned  = "assigned"
	MarkerPostponed = "postponed"
	MarkerResolved  = "resolved"
)

// Attachment references content stored outside the message
type Attachment struct {
	URL      string
	MimeType string
	Name     string
}

// Message is one append-only entry of a conversation. Seq is assigned by the
// store and strictly increases within a conversation.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Author         AuthorKind
	AuthorID       string
	Kind           string // "text", "attachment", "event"
	Marker         string // for Kind == "event": "assigned", "postponed", "resolved"
	Text           string
	Attachment     *Attachment
	CreatedAt      time.Time
}

// Tag labels conversations
type Tag struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

// Conversation is one support exchange with a customer.
// AssignedWorkplaceID is non-empty iff State == StateAssigned.
type Conversation struct {
	ID                  string
	CustomerID          string
	State               ConversationState
	AssignedWorkplaceID string
	AssignedAgentID     string
	CustomerRating      int
	Tags                []Tag
	Messages            []Message // populated only when requested
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ResolvedAt          *time.Time
	Version             int64
}

// HasTag reports whether a tag with the given name is attached.
func (c *Conversation) HasTag(name string) bool {
	for _, t := range c.Tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Transition is a conditional, all-or-nothing update of a conversation and
// the workplace it is bound to. The conversation must currently be in
// FromState at FromVersion. When BindWorkplaceID is set the workplace must be
// free; when UnbindWorkplaceID is set it must be bound to this conversation.
// Message, if non-nil, is appended in the same transaction.
type Transition struct {
	ConversationID    string
	FromState         ConversationState
	FromVersion       int64
	ToState           ConversationState
	BindWorkplaceID   string
	UnbindWorkplaceID string
	Message           *Message
	At                time.Time
}

// ConversationFilter narrows ListConversations
type ConversationFilter struct {
	State       ConversationState
	CustomerID  string
	AgentID     string
	WorkplaceID string
	Limit       int
}

// EventRecord is a journal entry for one backend event, used for analytics
type EventRecord struct {
	ID             string
	Kind           string
	ConversationID string
	CustomerID     string
	AgentID        string
	WorkplaceID    string
	Author         AuthorKind // set for message events
	TagName        string
	Rating         int
	Timestamp      time.Time
}

// Store is the persistence adapter consumed by the backend. All operations are
// keyed by internal IDs. CommitTransition is the compare-and-swap primitive
// that keeps conversation and workplace pointers consistent.
type Store interface {
	// Customers
	CreateCustomer(ctx context.Context, customer *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	FindCustomerByChannel(ctx context.Context, channel, key string) (*Customer, error)
	UpdateCustomer(ctx context.Context, customer *Customer) error

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	FindAgentByChannel(ctx context.Context, channel, key string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Workplaces
	CreateWorkplace(ctx context.Context, workplace *Workplace) error
	GetWorkplace(ctx context.Context, id string) (*Workplace, error)
	FindWorkplace(ctx context.Context, agentID, channel, address string) (*Workplace, error)
	ListAgentWorkplaces(ctx context.Context, agentID string) ([]*Workplace, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string, withMessages bool) (*Conversation, error)
	FindOpenConversation(ctx context.Context, customerID string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)
	CommitTransition(ctx context.Context, tr *Transition) (*Conversation, error)
	SetCustomerRating(ctx context.Context, conversationID string, rating int) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// Tags
	CreateTag(ctx context.Context, tag *Tag) error
	GetTagByName(ctx context.Context, name string) (*Tag, error)
	ListTags(ctx context.Context) ([]*Tag, error)
	AppendTag(ctx context.Context, conversationID, tagID string) (bool, error)
	RemoveTag(ctx context.Context, conversationID, tagID string) (bool, error)

	// Journal
	SaveEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, since time.Time, limit int) ([]*EventRecord, error)

	// Close releases any resources held by the store
	Close() error
}
