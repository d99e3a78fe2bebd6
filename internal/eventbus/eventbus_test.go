// ABOUTME: Tests for the event bus
// ABOUTME: Covers kind routing, ordering, retries, panic isolation, streams and shutdown

package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	opts.Synchronous = true
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	b := New(opts, nil)
	t.Cleanup(b.Close)
	return b
}

func publishAndWait(t *testing.T, b *Bus, ev Event) {
	t.Helper()
	require.NoError(t, b.Wait(t.Context(), b.Publish(ev)))
}

func TestBus_RoutesByKind(t *testing.T) {
	b := newTestBus(t, Options{})

	var assigned, all atomic.Int32
	b.Subscribe(KindAssigned, func(ctx context.Context, ev Event) error {
		assigned.Add(1)
		return nil
	})
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		all.Add(1)
		return nil
	})

	publishAndWait(t, b, Event{Kind: KindAssigned, ConversationID: "c1"})
	publishAndWait(t, b, Event{Kind: KindResolved, ConversationID: "c1"})

	assert.Equal(t, int32(1), assigned.Load())
	assert.Equal(t, int32(2), all.Load())
}

func TestBus_FillsIDAndTimestamp(t *testing.T) {
	b := newTestBus(t, Options{})

	var got Event
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		got = ev
		return nil
	})

	publishAndWait(t, b, Event{Kind: KindMessage, ConversationID: "c1"})
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_PreservesPerConversationOrder(t *testing.T) {
	b := newTestBus(t, Options{Shards: 8})

	var mu sync.Mutex
	seen := make(map[string][]int)
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.ConversationID] = append(seen[ev.ConversationID], ev.Rating)
		return nil
	})

	var last []<-chan struct{}
	for i := range 50 {
		for _, conv := range []string{"a", "b", "c"} {
			done := b.Publish(Event{Kind: KindMessage, ConversationID: conv, Rating: i})
			if i == 49 {
				last = append(last, done)
			}
		}
	}
	for _, done := range last {
		require.NoError(t, b.Wait(t.Context(), done))
	}

	mu.Lock()
	defer mu.Unlock()
	for conv, order := range seen {
		require.Len(t, order, 50, conv)
		for i, v := range order {
			assert.Equal(t, i, v, "conversation %s out of order", conv)
		}
	}
}

func TestBus_RetriesFailingHandler(t *testing.T) {
	b := newTestBus(t, Options{MaxAttempts: 3})

	var calls atomic.Int32
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	publishAndWait(t, b, Event{Kind: KindTag, ConversationID: "c1"})
	assert.Equal(t, int32(3), calls.Load())
}

func TestBus_GivesUpAfterMaxAttempts(t *testing.T) {
	b := newTestBus(t, Options{MaxAttempts: 2})

	var calls atomic.Int32
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return errors.New("permanent")
	})

	publishAndWait(t, b, Event{Kind: KindTag, ConversationID: "c1"})
	assert.Equal(t, int32(2), calls.Load())
}

func TestBus_PanicDoesNotAffectOthers(t *testing.T) {
	b := newTestBus(t, Options{MaxAttempts: 1})

	var healthy atomic.Int32
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		panic("boom")
	})
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		healthy.Add(1)
		return nil
	})

	publishAndWait(t, b, Event{Kind: KindResolved, ConversationID: "c1"})
	publishAndWait(t, b, Event{Kind: KindResolved, ConversationID: "c1"})
	assert.Equal(t, int32(2), healthy.Load())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t, Options{})

	var calls atomic.Int32
	unsubscribe := b.Subscribe(KindMessage, func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return nil
	})

	publishAndWait(t, b, Event{Kind: KindMessage, ConversationID: "c1"})
	unsubscribe()
	unsubscribe()
	publishAndWait(t, b, Event{Kind: KindMessage, ConversationID: "c1"})

	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_AsyncWaitReturnsImmediately(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()

	release := make(chan struct{})
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		<-release
		return nil
	})

	done := b.Publish(Event{Kind: KindMessage, ConversationID: "c1"})
	assert.NoError(t, b.Wait(t.Context(), done))

	select {
	case <-done:
		t.Fatal("event delivered before handler was released")
	default:
	}
	close(release)
	<-done
}

func TestBus_PublishNeverBlocksOnFullQueue(t *testing.T) {
	b := New(Options{Shards: 1, QueueSize: 1}, nil)
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe(KindMessage, func(ctx context.Context, ev Event) error {
		<-release
		return nil
	})

	published := make(chan struct{})
	go func() {
		defer close(published)
		for range 50 {
			b.Publish(Event{Kind: KindMessage, ConversationID: "c1"})
		}
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked behind a busy worker")
	}
	close(release)
}

func TestBus_HandlerPublishesIntoOwnShard(t *testing.T) {
	b := newTestBus(t, Options{Shards: 1, QueueSize: 1})

	var tags atomic.Int32
	b.Subscribe(KindMessage, func(ctx context.Context, ev Event) error {
		done := b.Publish(Event{Kind: KindTag, ConversationID: ev.ConversationID})
		// Waiting here would wait on ourselves.
		return b.Wait(ctx, done)
	})
	b.Subscribe(KindTag, func(ctx context.Context, ev Event) error {
		tags.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	for range 20 {
		require.NoError(t, b.Wait(ctx, b.Publish(Event{Kind: KindMessage, ConversationID: "c1"})))
	}
	assert.Eventually(t, func() bool { return tags.Load() == 20 }, 2*time.Second, 5*time.Millisecond)
}

func TestBus_StreamFiltersAndCloses(t *testing.T) {
	b := newTestBus(t, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	ch := b.Stream(ctx, StreamFilter{ConversationID: "c1", Kinds: []Kind{KindMessage}})
	assert.Equal(t, 1, b.StreamCount())

	publishAndWait(t, b, Event{Kind: KindMessage, ConversationID: "c2"})
	publishAndWait(t, b, Event{Kind: KindAssigned, ConversationID: "c1"})
	publishAndWait(t, b, Event{Kind: KindMessage, ConversationID: "c1", ID: "wanted"})

	select {
	case ev := <-ch:
		assert.Equal(t, "wanted", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream event")
	}

	cancel()
	require.Eventually(t, func() bool {
		return b.StreamCount() == 0
	}, time.Second, 10*time.Millisecond)
	_, open := <-ch
	assert.False(t, open)
}

func TestBus_SlowStreamDropsEvents(t *testing.T) {
	b := newTestBus(t, Options{})

	ch := b.Stream(t.Context(), StreamFilter{})
	for range streamBufferSize + 10 {
		publishAndWait(t, b, Event{Kind: KindMessage, ConversationID: "c1"})
	}
	assert.Len(t, ch, streamBufferSize)
}

func TestBus_CloseDrainsAndDropsLatePublishes(t *testing.T) {
	b := New(Options{}, nil)

	var calls atomic.Int32
	b.SubscribeAll(func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return nil
	})

	for range 10 {
		b.Publish(Event{Kind: KindMessage, ConversationID: "c1"})
	}
	stream := b.Stream(t.Context(), StreamFilter{})
	b.Close()
	assert.Equal(t, int32(10), calls.Load())

	done := b.Publish(Event{Kind: KindMessage, ConversationID: "c1"})
	select {
	case <-done:
	default:
		t.Fatal("publish after close should complete immediately")
	}
	assert.Equal(t, int32(10), calls.Load())

	// Drain whatever the stream buffered, then expect it closed
	for range stream {
	}
	b.Close()
}

func TestStreamFilter_Matches(t *testing.T) {
	ev := Event{Kind: KindAssigned, ConversationID: "c1", CustomerID: "u1", AgentID: "a1"}

	assert.True(t, StreamFilter{}.Matches(ev))
	assert.True(t, StreamFilter{AgentID: "a1"}.Matches(ev))
	assert.False(t, StreamFilter{AgentID: "a2"}.Matches(ev))
	assert.False(t, StreamFilter{Kinds: []Kind{KindResolved}}.Matches(ev))
	assert.True(t, StreamFilter{Kinds: []Kind{KindResolved, KindAssigned}, CustomerID: "u1"}.Matches(ev))
}
