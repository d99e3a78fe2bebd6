// ABOUTME: Tests for the conversation coordinator state machine
// ABOUTME: Covers start idempotence, assign races, postpone/resolve, messages, tags, ratings and storage faults

package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/keylock"
	"github.com/2389/frontdesk/internal/store"
	"github.com/2389/frontdesk/internal/workplace"
)

type fixture struct {
	store      *store.MemoryStore
	bus        *eventbus.Bus
	workplaces *workplace.Manager
	coord      *Coordinator

	mu     sync.Mutex
	events []eventbus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore()}
	f.bus = eventbus.New(eventbus.Options{Synchronous: true}, nil)
	t.Cleanup(f.bus.Close)
	f.bus.SubscribeAll(func(ctx context.Context, ev eventbus.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
		return nil
	})

	locks := keylock.New()
	f.workplaces = workplace.New(f.store, locks, nil)
	f.coord = New(f.store, f.workplaces, f.bus, locks, nil)
	return f
}

func (f *fixture) kinds() []eventbus.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []eventbus.Kind
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (f *fixture) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func (f *fixture) customer(t *testing.T, id string) *store.Customer {
	t.Helper()
	c := &store.Customer{
		ID:              id,
		Identifications: []store.ChannelIdentification{{Channel: "telegram", Key: id}},
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	require.NoError(t, f.store.CreateCustomer(t.Context(), c))
	return c
}

func (f *fixture) agent(t *testing.T, id string, perms store.Permissions) *store.Agent {
	t.Helper()
	a := &store.Agent{
		ID:              id,
		Identifications: []store.ChannelIdentification{{Channel: "matrix", Key: "@" + id + ":hs"}},
		Permissions:     perms,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	require.NoError(t, f.store.CreateAgent(t.Context(), a))
	return a
}

func (f *fixture) workplace(t *testing.T, agentID, address string) *store.Workplace {
	t.Helper()
	w, err := f.workplaces.Register(t.Context(), agentID, "matrix", address)
	require.NoError(t, err)
	return w
}

func (f *fixture) active(t *testing.T, workplaceID string) string {
	t.Helper()
	w, err := f.workplaces.Get(t.Context(), workplaceID)
	require.NoError(t, err)
	return w.ActiveConversationID
}

func textMessage(author store.AuthorKind, authorID, text string) store.Message {
	return store.Message{Author: author, AuthorID: authorID, Kind: store.MessageKindText, Text: text}
}

// Alice writes, agent one takes the conversation, postpones it, agent two
// takes it and resolves it.
func TestAliceScenario(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	alice := f.customer(t, "alice")
	f.agent(t, "a1", store.Permissions{})
	f.agent(t, "a2", store.Permissions{})
	w1 := f.workplace(t, "a1", "!one:hs")
	w2 := f.workplace(t, "a2", "!two:hs")

	conv, err := f.coord.StartConversation(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateNew, conv.State)

	_, err = f.coord.AddMessage(ctx, conv.ID, textMessage(store.AuthorCustomer, alice.ID, "my order is late"))
	require.NoError(t, err)

	conv, err = f.coord.Assign(ctx, conv.ID, w1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateAssigned, conv.State)
	assert.Equal(t, w1.ID, conv.AssignedWorkplaceID)
	assert.Equal(t, "a1", conv.AssignedAgentID)
	assert.Equal(t, conv.ID, f.active(t, w1.ID))

	conv, err = f.coord.Postpone(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateNew, conv.State)
	assert.Empty(t, conv.AssignedWorkplaceID)
	assert.Empty(t, f.active(t, w1.ID))

	conv, err = f.coord.Assign(ctx, conv.ID, w2.ID)
	require.NoError(t, err)
	assert.Equal(t, "a2", conv.AssignedAgentID)

	_, err = f.coord.AddMessage(ctx, conv.ID, textMessage(store.AuthorAgent, "a2", "on it"))
	require.NoError(t, err)

	conv, err = f.coord.Resolve(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateResolved, conv.State)
	assert.NotNil(t, conv.ResolvedAt)
	assert.Empty(t, f.active(t, w2.ID))
	assert.Empty(t, f.active(t, w1.ID))

	msgs, err := f.coord.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, store.MessageKindEvent, last.Kind)
	assert.Equal(t, store.MarkerResolved, last.Marker)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}

	assert.Equal(t, []eventbus.Kind{
		eventbus.KindNewConversation,
		eventbus.KindMessage,
		eventbus.KindAssigned,
		eventbus.KindPostponed,
		eventbus.KindAssigned,
		eventbus.KindMessage,
		eventbus.KindResolved,
	}, f.kinds())

	next, err := f.coord.StartConversation(ctx, alice.ID)
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, next.ID, "a resolved conversation is never reused")
}

func TestStartConversation_ReturnsOpenConversation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")

	first, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)
	second, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []eventbus.Kind{eventbus.KindNewConversation}, f.kinds())

	_, err = f.coord.StartConversation(ctx, "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.coord.StartConversation(ctx, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestStartConversation_Concurrent(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, "c1")

	var mu sync.Mutex
	ids := make(map[string]struct{})
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			conv, err := f.coord.StartConversation(context.Background(), c.ID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[conv.ID] = struct{}{}
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Len(t, ids, 1)
	assert.Equal(t, []eventbus.Kind{eventbus.KindNewConversation}, f.kinds())
}

func TestAssign_ConcurrentOneWinner(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, "c1")
	f.agent(t, "a1", store.Permissions{})
	f.agent(t, "a2", store.Permissions{})
	w1 := f.workplace(t, "a1", "!one:hs")
	w2 := f.workplace(t, "a2", "!two:hs")

	conv, err := f.coord.StartConversation(t.Context(), c.ID)
	require.NoError(t, err)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wp := w1.ID
		if i%2 == 1 {
			wp = w2.ID
		}
		wg.Go(func() {
			_, err := f.coord.Assign(context.Background(), conv.ID, wp)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, errs.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())

	got, err := f.coord.Get(t.Context(), conv.ID, false)
	require.NoError(t, err)
	bound := 0
	for _, w := range []string{w1.ID, w2.ID} {
		if f.active(t, w) == conv.ID {
			bound++
			assert.Equal(t, w, got.AssignedWorkplaceID)
		}
	}
	assert.Equal(t, 1, bound, "exactly one workplace points at the conversation")
}

func TestAssign_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c1 := f.customer(t, "c1")
	c2 := f.customer(t, "c2")
	f.agent(t, "a1", store.Permissions{})
	w := f.workplace(t, "a1", "!one:hs")

	conv1, err := f.coord.StartConversation(ctx, c1.ID)
	require.NoError(t, err)
	conv2, err := f.coord.StartConversation(ctx, c2.ID)
	require.NoError(t, err)

	_, err = f.coord.Assign(ctx, conv1.ID, w.ID)
	require.NoError(t, err)

	_, err = f.coord.Assign(ctx, conv1.ID, w.ID)
	assert.ErrorIs(t, err, errs.ErrConflict, "already assigned")

	_, err = f.coord.Assign(ctx, conv2.ID, w.ID)
	assert.ErrorIs(t, err, errs.ErrConflict, "workplace busy")

	_, err = f.coord.Assign(ctx, conv2.ID, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.coord.Assign(ctx, "missing", w.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.coord.Resolve(ctx, conv1.ID)
	require.NoError(t, err)
	_, err = f.coord.Assign(ctx, conv1.ID, w.ID)
	assert.ErrorIs(t, err, errs.ErrConflict, "resolved")
}

func TestAssign_DeactivatedAgent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")
	a := f.agent(t, "a1", store.Permissions{})
	w := f.workplace(t, a.ID, "!one:hs")

	a.Deactivated = true
	require.NoError(t, f.store.UpdateAgent(ctx, a))

	conv, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.coord.Assign(ctx, conv.ID, w.ID)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
	assert.Empty(t, f.active(t, w.ID))
}

func TestPostpone_RequiresAssigned(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")

	conv, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.coord.Postpone(ctx, conv.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = f.coord.Resolve(ctx, conv.ID)
	require.NoError(t, err)
	_, err = f.coord.Postpone(ctx, conv.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestResolve_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")

	conv, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)
	first, err := f.coord.Resolve(ctx, conv.ID)
	require.NoError(t, err)

	f.reset()
	second, err := f.coord.Resolve(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Empty(t, f.kinds(), "resolving twice publishes nothing")

	msgs, err := f.coord.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	markers := 0
	for _, m := range msgs {
		if m.Marker == store.MarkerResolved {
			markers++
		}
	}
	assert.Equal(t, 1, markers)
}

func TestAssign_StorageFaultLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")
	f.agent(t, "a1", store.Permissions{})
	w := f.workplace(t, "a1", "!one:hs")

	conv, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)
	f.reset()

	cause := errors.New("disk full")
	f.store.InjectFault("CommitTransition", cause)

	_, err = f.coord.Assign(ctx, conv.ID, w.ID)
	assert.ErrorIs(t, err, errs.ErrStorage)
	assert.ErrorIs(t, err, cause)

	got, err := f.coord.Get(ctx, conv.ID, true)
	require.NoError(t, err)
	assert.Equal(t, store.StateNew, got.State)
	assert.Empty(t, got.AssignedWorkplaceID)
	assert.Empty(t, got.Messages)
	assert.Empty(t, f.active(t, w.ID))
	assert.Empty(t, f.kinds())

	f.store.InjectFault("CommitTransition", nil)
	_, err = f.coord.Assign(ctx, conv.ID, w.ID)
	require.NoError(t, err)
}

func TestAddMessage(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")

	conv, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)

	m1, err := f.coord.AddMessage(ctx, conv.ID, textMessage(store.AuthorCustomer, c.ID, "hello"))
	require.NoError(t, err)
	m2, err := f.coord.AddMessage(ctx, conv.ID, store.Message{
		Author:     store.AuthorCustomer,
		AuthorID:   c.ID,
		Kind:       store.MessageKindAttachment,
		Attachment: &store.Attachment{URL: "mxc://hs/abc", MimeType: "image/png"},
	})
	require.NoError(t, err)
	assert.Greater(t, m2.Seq, m1.Seq)
	assert.NotEmpty(t, m1.ID)

	_, err = f.coord.AddMessage(ctx, conv.ID, store.Message{Author: store.AuthorCustomer, Kind: store.MessageKindText})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.coord.AddMessage(ctx, conv.ID, store.Message{Author: "robot", Text: "x"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.coord.AddMessage(ctx, "missing", textMessage(store.AuthorCustomer, c.ID, "x"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.coord.Resolve(ctx, conv.ID)
	require.NoError(t, err)
	f.reset()

	_, err = f.coord.AddMessage(ctx, conv.ID, textMessage(store.AuthorCustomer, c.ID, "one more thing"))
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, f.kinds())

	msgs, err := f.coord.Messages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "two customer messages and the resolved marker")
}

func TestTags_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")

	conv, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)
	f.reset()

	updated, err := f.coord.AddTag(ctx, conv.ID, "billing")
	require.NoError(t, err)
	assert.True(t, updated.HasTag("billing"))
	assert.Equal(t, []eventbus.Kind{eventbus.KindTagCreated, eventbus.KindTag}, f.kinds())

	f.reset()
	_, err = f.coord.AddTag(ctx, conv.ID, "billing")
	require.NoError(t, err)
	assert.Empty(t, f.kinds(), "adding a present tag is a no-op")

	updated, err = f.coord.RemoveTag(ctx, conv.ID, "billing")
	require.NoError(t, err)
	assert.False(t, updated.HasTag("billing"))
	assert.Equal(t, []eventbus.Kind{eventbus.KindTag}, f.kinds())

	f.reset()
	_, err = f.coord.RemoveTag(ctx, conv.ID, "billing")
	require.NoError(t, err)
	_, err = f.coord.RemoveTag(ctx, conv.ID, "never-created")
	require.NoError(t, err)
	assert.Empty(t, f.kinds())

	tags, err := f.coord.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "billing", tags[0].Name)
}

func TestCreateTag_Permissions(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.agent(t, "plain", store.Permissions{})
	f.agent(t, "admin", store.Permissions{ManageTags: true})

	_, err := f.coord.CreateTag(ctx, "vip", "plain")
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	tag, err := f.coord.CreateTag(ctx, "vip", "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", tag.CreatedBy)

	_, err = f.coord.CreateTag(ctx, "vip", "admin")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestRate(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")

	conv, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.coord.Rate(ctx, conv.ID, 5)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = f.coord.Rate(ctx, conv.ID, 0)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.coord.Resolve(ctx, conv.ID)
	require.NoError(t, err)

	_, err = f.coord.Rate(ctx, conv.ID, 2)
	require.NoError(t, err)
	rated, err := f.coord.Rate(ctx, conv.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, rated.CustomerRating)

	got, err := f.coord.Get(ctx, conv.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 4, got.CustomerRating)
}

func TestAssignAgent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c1 := f.customer(t, "c1")
	c2 := f.customer(t, "c2")
	f.agent(t, "lead", store.Permissions{AssignOthers: true})
	f.agent(t, "plain", store.Permissions{})
	f.agent(t, "worker", store.Permissions{})
	w := f.workplace(t, "worker", "!w:hs")

	conv1, err := f.coord.StartConversation(ctx, c1.ID)
	require.NoError(t, err)
	conv2, err := f.coord.StartConversation(ctx, c2.ID)
	require.NoError(t, err)

	_, err = f.coord.AssignAgent(ctx, conv1.ID, "plain", "worker")
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	got, err := f.coord.AssignAgent(ctx, conv1.ID, "lead", "worker")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.AssignedWorkplaceID)

	_, err = f.coord.AssignAgent(ctx, conv2.ID, "lead", "worker")
	assert.ErrorIs(t, err, errs.ErrConflict, "no free workplace")
}

func TestReleaseAgent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c1 := f.customer(t, "c1")
	c2 := f.customer(t, "c2")
	f.agent(t, "a1", store.Permissions{})
	w1 := f.workplace(t, "a1", "!one:hs")
	w2 := f.workplace(t, "a1", "!two:hs")
	f.workplace(t, "a1", "!idle:hs")

	conv1, err := f.coord.StartConversation(ctx, c1.ID)
	require.NoError(t, err)
	conv2, err := f.coord.StartConversation(ctx, c2.ID)
	require.NoError(t, err)
	_, err = f.coord.Assign(ctx, conv1.ID, w1.ID)
	require.NoError(t, err)
	_, err = f.coord.Assign(ctx, conv2.ID, w2.ID)
	require.NoError(t, err)

	released, err := f.coord.ReleaseAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, released, 2)

	queue, err := f.coord.Queue(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, queue, 2)
	assert.Empty(t, f.active(t, w1.ID))
	assert.Empty(t, f.active(t, w2.ID))
}

func TestWorkplaceConversation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	c := f.customer(t, "c1")
	f.agent(t, "a1", store.Permissions{})
	w := f.workplace(t, "a1", "!one:hs")

	_, err := f.coord.WorkplaceConversation(ctx, w.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	conv, err := f.coord.StartConversation(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.coord.Assign(ctx, conv.ID, w.ID)
	require.NoError(t, err)

	got, err := f.coord.WorkplaceConversation(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	open, err := f.coord.OpenConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, open.ID)

	byCustomer, err := f.coord.CustomerConversations(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, byCustomer, 1)
}
