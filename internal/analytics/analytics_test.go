// ABOUTME: Tests for the event journal and analytics report
// ABOUTME: Uses synthetic journals for exact figures and a live backend for wiring

package analytics

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/frontdesk/internal/backend"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/store"
)

func rec(id string, kind eventbus.Kind, conv, agent string, at time.Time) *store.EventRecord {
	return &store.EventRecord{ID: id, Kind: string(kind), ConversationID: conv, AgentID: agent, Timestamp: at}
}

func TestCompute(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return t0.Add(time.Duration(m) * time.Minute) }

	agentMsg := rec("e4", eventbus.KindMessage, "c1", "a2", at(12))
	agentMsg.Author = store.AuthorAgent
	customerMsg := rec("e2", eventbus.KindMessage, "c1", "", at(1))
	customerMsg.Author = store.AuthorCustomer
	rated := rec("e6", eventbus.KindRated, "c1", "a2", at(40))
	rated.Rating = 4

	records := []*store.EventRecord{
		rec("e1", eventbus.KindNewConversation, "c1", "", at(0)),
		customerMsg,
		rec("e3", eventbus.KindAssigned, "c1", "a1", at(5)),
		rec("e3b", eventbus.KindPostponed, "c1", "a1", at(8)),
		rec("e3c", eventbus.KindAssigned, "c1", "a2", at(10)),
		agentMsg,
		rec("e5", eventbus.KindResolved, "c1", "a2", at(30)),
		rated,

		rec("f1", eventbus.KindNewConversation, "c2", "", at(20)),
		rec("f2", eventbus.KindResolved, "c2", "", at(30)),

		// Started before the window; counted for agents only.
		rec("g1", eventbus.KindResolved, "c0", "a1", at(2)),
		{ID: "h1", Kind: string(eventbus.KindTagCreated), TagName: "vip", Timestamp: at(3)},
	}

	rep := Compute(t0, records)
	assert.Equal(t, 2, rep.Conversations)
	assert.Equal(t, 2, rep.Resolved)
	assert.Equal(t, 12*time.Minute, rep.StartToFirstResponse)
	assert.Equal(t, 20*time.Minute, rep.StartToResolution, "mean of 30m and 10m")

	require.Len(t, rep.Agents, 2)
	a1, a2 := rep.Agents[0], rep.Agents[1]
	assert.Equal(t, "a1", a1.AgentID)
	assert.Equal(t, 1, a1.Assigned)
	assert.Equal(t, 1, a1.Resolved)
	assert.Zero(t, a1.AssignToResolve, "no assignment seen for c0")

	assert.Equal(t, 1, a2.Assigned)
	assert.Equal(t, 1, a2.Resolved)
	assert.Equal(t, 20*time.Minute, a2.AssignToResolve)
	assert.InDelta(t, 4.0, a2.AverageRating, 0.001)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteTable(&buf, map[string]string{"a2": "Bob"}))
	assert.Contains(t, buf.String(), "Bob")
	assert.Contains(t, buf.String(), "4.00")
}

func TestJournalRecordsBackendEvents(t *testing.T) {
	s := store.NewMemoryStore()
	b, err := backend.New(backend.Config{Store: s, Bus: eventbus.Options{Synchronous: true}})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	detach := NewJournal(s, nil).Attach(b)
	defer detach()

	ctx := t.Context()
	customer, err := b.IdentifyCustomer(ctx, store.ChannelIdentification{Channel: "telegram", Key: "1"})
	require.NoError(t, err)
	agent, err := b.GrantAgent(ctx, "", store.ChannelIdentification{Channel: "matrix", Key: "@op:hs"})
	require.NoError(t, err)
	w, err := b.RegisterWorkplace(ctx, agent.ID, "matrix", "!room:hs")
	require.NoError(t, err)

	conv, err := b.StartConversation(ctx, customer.ID)
	require.NoError(t, err)
	_, err = b.Assign(ctx, conv.ID, w.ID)
	require.NoError(t, err)
	_, err = b.AddMessage(ctx, conv.ID, store.Message{Author: store.AuthorAgent, AuthorID: agent.ID, Text: "hi"})
	require.NoError(t, err)
	_, err = b.Resolve(ctx, conv.ID)
	require.NoError(t, err)
	_, err = b.Rate(ctx, conv.ID, 5)
	require.NoError(t, err)

	rep, err := NewReporter(s).Build(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Conversations)
	assert.Equal(t, 1, rep.Resolved)
	require.Len(t, rep.Agents, 1)
	assert.Equal(t, agent.ID, rep.Agents[0].AgentID)
	assert.Equal(t, 1, rep.Agents[0].Assigned)
	assert.Equal(t, 1, rep.Agents[0].Resolved)
	assert.InDelta(t, 5.0, rep.Agents[0].AverageRating, 0.001)
}

func TestRecordFlattensMessageAuthor(t *testing.T) {
	r := Record(eventbus.Event{
		ID:             "x",
		Kind:           eventbus.KindMessage,
		ConversationID: "c",
		Message:        &store.Message{Author: store.AuthorAgent, AuthorID: "a9"},
		Tag:            &store.Tag{Name: "vip"},
	})
	assert.Equal(t, store.AuthorAgent, r.Author)
	assert.Equal(t, "a9", r.AgentID)
	assert.Equal(t, "vip", r.TagName)

	assigned := Record(eventbus.Event{
		Kind:    eventbus.KindAssigned,
		AgentID: "a1",
		Message: &store.Message{Author: store.AuthorSystem},
	})
	assert.Empty(t, assigned.Author)
	assert.Equal(t, "a1", assigned.AgentID)
}
