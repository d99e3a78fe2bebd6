// ABOUTME: In-memory Store implementation for tests and single-process deployments
// ABOUTME: Maps guarded by one RWMutex; every read and write goes through copies

package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. It honors the same
// uniqueness and compare-and-swap rules as SQLiteStore.
type MemoryStore struct {
	mu sync.RWMutex

	customers     map[string]*Customer
	agents        map[string]*Agent
	identities    map[string]string // "kind|channel|key" -> owner ID
	workplaces    map[string]*Workplace
	workplaceKeys map[string]string // "agent|channel|address" -> workplace ID
	conversations map[string]*Conversation
	messages      map[string][]Message // keyed by conversation ID
	convTags      map[string][]string  // conversation ID -> tag IDs in attach order
	tags          map[string]*Tag
	tagNames      map[string]string // name -> tag ID
	events        []*EventRecord
	eventIDs      map[string]struct{}

	faults map[string]error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:     make(map[string]*Customer),
		agents:        make(map[string]*Agent),
		identities:    make(map[string]string),
		workplaces:    make(map[string]*Workplace),
		workplaceKeys: make(map[string]string),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		convTags:      make(map[string][]string),
		tags:          make(map[string]*Tag),
		tagNames:      make(map[string]string),
		eventIDs:      make(map[string]struct{}),
		faults:        make(map[string]error),
	}
}

// InjectFault makes the named operation (a Store method name such as
// "CommitTransition") fail with err before touching any data. A nil err
// clears the fault.
func (m *MemoryStore) InjectFault(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// fault must be called with m.mu held.
func (m *MemoryStore) fault(op string) error {
	return m.faults[op]
}

func identityKey(kind IdentityKind, channel, key string) string {
	return string(kind) + "|" + channel + "|" + key
}

func copyIdentifications(in []ChannelIdentification) []ChannelIdentification {
	if in == nil {
		return nil
	}
	out := make([]ChannelIdentification, len(in))
	for i, ident := range in {
		out[i] = ident
		out[i].Metadata = maps.Clone(ident.Metadata)
	}
	return out
}

func copyCustomer(c *Customer) *Customer {
	out := *c
	out.Identifications = copyIdentifications(c.Identifications)
	out.Profile.Contacts = maps.Clone(c.Profile.Contacts)
	return &out
}

func copyAgent(a *Agent) *Agent {
	out := *a
	out.Identifications = copyIdentifications(a.Identifications)
	return &out
}

func copyMessage(msg Message) Message {
	if msg.Attachment != nil {
		att := *msg.Attachment
		msg.Attachment = &att
	}
	return msg
}

// claimable reports whether every identification is free or already owned
// by ownerID. Must be called with m.mu held.
func (m *MemoryStore) claimable(kind IdentityKind, ownerID string, idents []ChannelIdentification) bool {
	for _, ident := range idents {
		if owner, ok := m.identities[identityKey(kind, ident.Channel, ident.Key)]; ok && owner != ownerID {
			return false
		}
	}
	return true
}

// setIdentities replaces the identifications owned by ownerID.
// Must be called with m.mu held, after claimable.
func (m *MemoryStore) setIdentities(kind IdentityKind, ownerID string, old, idents []ChannelIdentification) {
	for _, ident := range old {
		delete(m.identities, identityKey(kind, ident.Channel, ident.Key))
	}
	for _, ident := range idents {
		m.identities[identityKey(kind, ident.Channel, ident.Key)] = ownerID
	}
}

// CreateCustomer stores a new customer.
func (m *MemoryStore) CreateCustomer(ctx context.Context, customer *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("CreateCustomer"); err != nil {
		return err
	}
	if _, ok := m.customers[customer.ID]; ok {
		return ErrDuplicate
	}
	if !m.claimable(IdentityCustomer, customer.ID, customer.Identifications) {
		return ErrDuplicate
	}

	m.customers[customer.ID] = copyCustomer(customer)
	m.setIdentities(IdentityCustomer, customer.ID, nil, customer.Identifications)
	return nil
}

// GetCustomer retrieves a customer by ID.
func (m *MemoryStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("GetCustomer"); err != nil {
		return nil, err
	}
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCustomer(c), nil
}

// FindCustomerByChannel retrieves the customer owning a channel identification.
func (m *MemoryStore) FindCustomerByChannel(ctx context.Context, channel, key string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("FindCustomerByChannel"); err != nil {
		return nil, err
	}
	id, ok := m.identities[identityKey(IdentityCustomer, channel, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCustomer(m.customers[id]), nil
}

// UpdateCustomer overwrites a stored customer.
func (m *MemoryStore) UpdateCustomer(ctx context.Context, customer *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("UpdateCustomer"); err != nil {
		return err
	}
	existing, ok := m.customers[customer.ID]
	if !ok {
		return ErrNotFound
	}
	if !m.claimable(IdentityCustomer, customer.ID, customer.Identifications) {
		return ErrDuplicate
	}

	updated := copyCustomer(customer)
	updated.CreatedAt = existing.CreatedAt
	m.setIdentities(IdentityCustomer, customer.ID, existing.Identifications, customer.Identifications)
	m.customers[customer.ID] = updated
	return nil
}

// CreateAgent stores a new agent.
func (m *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("CreateAgent"); err != nil {
		return err
	}
	if _, ok := m.agents[agent.ID]; ok {
		return ErrDuplicate
	}
	if !m.claimable(IdentityAgent, agent.ID, agent.Identifications) {
		return ErrDuplicate
	}

	m.agents[agent.ID] = copyAgent(agent)
	m.setIdentities(IdentityAgent, agent.ID, nil, agent.Identifications)
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("GetAgent"); err != nil {
		return nil, err
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

// FindAgentByChannel retrieves the agent owning a channel identification.
func (m *MemoryStore) FindAgentByChannel(ctx context.Context, channel, key string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("FindAgentByChannel"); err != nil {
		return nil, err
	}
	id, ok := m.identities[identityKey(IdentityAgent, channel, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(m.agents[id]), nil
}

// UpdateAgent overwrites a stored agent.
func (m *MemoryStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("UpdateAgent"); err != nil {
		return err
	}
	existing, ok := m.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	if !m.claimable(IdentityAgent, agent.ID, agent.Identifications) {
		return ErrDuplicate
	}

	updated := copyAgent(agent)
	updated.CreatedAt = existing.CreatedAt
	m.setIdentities(IdentityAgent, agent.ID, existing.Identifications, agent.Identifications)
	m.agents[agent.ID] = updated
	return nil
}

// ListAgents returns all agents ordered by creation time.
func (m *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("ListAgents"); err != nil {
		return nil, err
	}
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, copyAgent(a))
	}
	slices.SortFunc(agents, func(a, b *Agent) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return agents, nil
}

func workplaceKey(agentID, channel, address string) string {
	return agentID + "|" + channel + "|" + address
}

// CreateWorkplace stores a new workplace.
func (m *MemoryStore) CreateWorkplace(ctx context.Context, w *Workplace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("CreateWorkplace"); err != nil {
		return err
	}
	if _, ok := m.agents[w.AgentID]; !ok {
		return ErrNotFound
	}
	key := workplaceKey(w.AgentID, w.Channel, w.Address)
	if _, ok := m.workplaceKeys[key]; ok {
		return ErrDuplicate
	}
	if _, ok := m.workplaces[w.ID]; ok {
		return ErrDuplicate
	}

	wc := *w
	wc.ActiveConversationID = ""
	m.workplaces[wc.ID] = &wc
	m.workplaceKeys[key] = wc.ID
	return nil
}

// GetWorkplace retrieves a workplace by ID.
func (m *MemoryStore) GetWorkplace(ctx context.Context, id string) (*Workplace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("GetWorkplace"); err != nil {
		return nil, err
	}
	w, ok := m.workplaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	wc := *w
	return &wc, nil
}

// FindWorkplace retrieves a workplace by its (agent, channel, address) key.
func (m *MemoryStore) FindWorkplace(ctx context.Context, agentID, channel, address string) (*Workplace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("FindWorkplace"); err != nil {
		return nil, err
	}
	id, ok := m.workplaceKeys[workplaceKey(agentID, channel, address)]
	if !ok {
		return nil, ErrNotFound
	}
	wc := *m.workplaces[id]
	return &wc, nil
}

// ListAgentWorkplaces returns an agent's workplaces in registration order.
func (m *MemoryStore) ListAgentWorkplaces(ctx context.Context, agentID string) ([]*Workplace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("ListAgentWorkplaces"); err != nil {
		return nil, err
	}
	var out []*Workplace
	for _, w := range m.workplaces {
		if w.AgentID == agentID {
			wc := *w
			out = append(out, &wc)
		}
	}
	slices.SortFunc(out, func(a, b *Workplace) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// conversationCopy builds a detached copy with tags (and messages when
// requested). Must be called with m.mu held.
func (m *MemoryStore) conversationCopy(c *Conversation, withMessages bool) *Conversation {
	out := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Tags = nil
	for _, tagID := range m.convTags[c.ID] {
		out.Tags = append(out.Tags, *m.tags[tagID])
	}
	out.Messages = nil
	if withMessages {
		for _, msg := range m.messages[c.ID] {
			out.Messages = append(out.Messages, copyMessage(msg))
		}
	}
	return &out
}

// CreateConversation stores a new conversation.
func (m *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("CreateConversation"); err != nil {
		return err
	}
	if _, ok := m.customers[conv.CustomerID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	if conv.State.Open() {
		for _, c := range m.conversations {
			if c.CustomerID == conv.CustomerID && c.State.Open() {
				return ErrDuplicate
			}
		}
	}

	cc := *conv
	cc.Tags = nil
	cc.Messages = nil
	m.conversations[cc.ID] = &cc
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(ctx context.Context, id string, withMessages bool) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("GetConversation"); err != nil {
		return nil, err
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.conversationCopy(c, withMessages), nil
}

// FindOpenConversation returns the customer's unresolved conversation.
func (m *MemoryStore) FindOpenConversation(ctx context.Context, customerID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("FindOpenConversation"); err != nil {
		return nil, err
	}
	for _, c := range m.conversations {
		if c.CustomerID == customerID && c.State.Open() {
			return m.conversationCopy(c, false), nil
		}
	}
	return nil, ErrNotFound
}

// ListConversations returns conversations matching the filter, oldest first.
func (m *MemoryStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("ListConversations"); err != nil {
		return nil, err
	}
	var out []*Conversation
	for _, c := range m.conversations {
		if filter.State != "" && c.State != filter.State {
			continue
		}
		if filter.CustomerID != "" && c.CustomerID != filter.CustomerID {
			continue
		}
		if filter.AgentID != "" && c.AssignedAgentID != filter.AgentID {
			continue
		}
		if filter.WorkplaceID != "" && c.AssignedWorkplaceID != filter.WorkplaceID {
			continue
		}
		out = append(out, m.conversationCopy(c, false))
	}
	slices.SortFunc(out, func(a, b *Conversation) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CommitTransition validates every precondition first and only then applies
// the changes, so a failed transition leaves no trace.
func (m *MemoryStore) CommitTransition(ctx context.Context, tr *Transition) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("CommitTransition"); err != nil {
		return nil, err
	}

	c, ok := m.conversations[tr.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.State != tr.FromState || c.Version != tr.FromVersion {
		return nil, ErrConflict
	}

	var bind, unbind *Workplace
	if tr.BindWorkplaceID != "" {
		if bind, ok = m.workplaces[tr.BindWorkplaceID]; !ok {
			return nil, ErrNotFound
		}
		if bind.ActiveConversationID != "" {
			return nil, ErrConflict
		}
		for _, w := range m.workplaces {
			if w.ActiveConversationID == tr.ConversationID {
				return nil, ErrConflict
			}
		}
	}
	if tr.UnbindWorkplaceID != "" {
		if unbind, ok = m.workplaces[tr.UnbindWorkplaceID]; !ok {
			return nil, ErrNotFound
		}
		if unbind.ActiveConversationID != tr.ConversationID {
			return nil, ErrConflict
		}
	}

	// Apply
	if unbind != nil {
		unbind.ActiveConversationID = ""
	}
	if bind != nil {
		bind.ActiveConversationID = tr.ConversationID
		c.AssignedAgentID = bind.AgentID
	}

	c.State = tr.ToState
	c.UpdatedAt = tr.At
	c.Version++
	switch tr.ToState {
	case StateAssigned:
		c.AssignedWorkplaceID = tr.BindWorkplaceID
		c.ResolvedAt = nil
	case StateNew:
		c.AssignedWorkplaceID = ""
		c.AssignedAgentID = ""
		c.ResolvedAt = nil
	case StateResolved:
		c.AssignedWorkplaceID = ""
		at := tr.At
		c.ResolvedAt = &at
	}

	if tr.Message != nil {
		m.appendLocked(tr.Message)
	}

	return m.conversationCopy(c, false), nil
}

// SetCustomerRating records the rating of a resolved conversation.
func (m *MemoryStore) SetCustomerRating(ctx context.Context, conversationID string, rating int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("SetCustomerRating"); err != nil {
		return err
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if c.State != StateResolved {
		return ErrConflict
	}
	c.CustomerRating = rating
	return nil
}

// appendLocked assigns the next seq and stores a copy of msg.
// Must be called with m.mu held.
func (m *MemoryStore) appendLocked(msg *Message) {
	msgs := m.messages[msg.ConversationID]
	msg.Seq = 1
	if n := len(msgs); n > 0 {
		msg.Seq = msgs[n-1].Seq + 1
	}
	if msg.Kind == "" {
		msg.Kind = MessageKindText
	}
	m.messages[msg.ConversationID] = append(msgs, copyMessage(*msg))
}

// AppendMessage appends msg to an open conversation and sets msg.Seq.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("AppendMessage"); err != nil {
		return err
	}
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.State.Open() {
		return ErrConflict
	}

	m.appendLocked(msg)
	c.UpdatedAt = msg.CreatedAt
	return nil
}

// ListMessages returns a conversation's messages in sequence order.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("ListMessages"); err != nil {
		return nil, err
	}
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, copyMessage(msg))
	}
	return out, nil
}

// CreateTag stores a new tag.
func (m *MemoryStore) CreateTag(ctx context.Context, tag *Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("CreateTag"); err != nil {
		return err
	}
	if _, ok := m.tagNames[tag.Name]; ok {
		return ErrDuplicate
	}
	tc := *tag
	m.tags[tc.ID] = &tc
	m.tagNames[tc.Name] = tc.ID
	return nil
}

// GetTagByName retrieves a tag by name.
func (m *MemoryStore) GetTagByName(ctx context.Context, name string) (*Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("GetTagByName"); err != nil {
		return nil, err
	}
	id, ok := m.tagNames[name]
	if !ok {
		return nil, ErrNotFound
	}
	tc := *m.tags[id]
	return &tc, nil
}

// ListTags returns all tags ordered by name.
func (m *MemoryStore) ListTags(ctx context.Context) ([]*Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("ListTags"); err != nil {
		return nil, err
	}
	out := make([]*Tag, 0, len(m.tags))
	for _, t := range m.tags {
		tc := *t
		out = append(out, &tc)
	}
	slices.SortFunc(out, func(a, b *Tag) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// AppendTag attaches a tag; reports false if already attached.
func (m *MemoryStore) AppendTag(ctx context.Context, conversationID, tagID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("AppendTag"); err != nil {
		return false, err
	}
	if _, ok := m.conversations[conversationID]; !ok {
		return false, ErrNotFound
	}
	if _, ok := m.tags[tagID]; !ok {
		return false, ErrNotFound
	}
	if slices.Contains(m.convTags[conversationID], tagID) {
		return false, nil
	}
	m.convTags[conversationID] = append(m.convTags[conversationID], tagID)
	return true, nil
}

// RemoveTag detaches a tag; reports false if it was not attached.
func (m *MemoryStore) RemoveTag(ctx context.Context, conversationID, tagID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("RemoveTag"); err != nil {
		return false, err
	}
	ids := m.convTags[conversationID]
	i := slices.Index(ids, tagID)
	if i < 0 {
		return false, nil
	}
	m.convTags[conversationID] = slices.Delete(slices.Clone(ids), i, i+1)
	return true, nil
}

// SaveEvent appends a journal record; duplicate IDs are ignored.
func (m *MemoryStore) SaveEvent(ctx context.Context, event *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("SaveEvent"); err != nil {
		return err
	}
	if _, ok := m.eventIDs[event.ID]; ok {
		return nil
	}
	ec := *event
	m.events = append(m.events, &ec)
	m.eventIDs[ec.ID] = struct{}{}
	return nil
}

// ListEvents returns journal records at or after since, oldest first.
func (m *MemoryStore) ListEvents(ctx context.Context, since time.Time, limit int) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fault("ListEvents"); err != nil {
		return nil, err
	}
	var out []*EventRecord
	for _, e := range m.events {
		if e.Timestamp.Before(since) {
			continue
		}
		ec := *e
		out = append(out, &ec)
	}
	slices.SortStableFunc(out, func(a, b *EventRecord) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
