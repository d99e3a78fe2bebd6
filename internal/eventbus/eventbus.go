// ABOUTME: In-process event bus that fans backend state changes out to subscribers
// ABOUTME: Sharded delivery keeps per-conversation order; failing handlers are retried and isolated

package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/frontdesk/internal/store"
)

// Kind names a class of backend event.
type Kind string

const (
	KindNewConversation Kind = "new_conversation"
	KindAssigned        Kind = "assigned"
	KindPostponed       Kind = "postponed"
	KindResolved        Kind = "resolved"
	KindMessage         Kind = "message"
	KindTag             Kind = "tag"
	KindIdentityUpdated Kind = "identity_updated"
	KindTagCreated      Kind = "tag_created"
	KindRated           Kind = "rated"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{
	KindNewConversation, KindAssigned, KindPostponed, KindResolved,
	KindMessage, KindTag, KindIdentityUpdated, KindTagCreated, KindRated,
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// Event carries enough state for a subscriber to re-render without reading
// back from the store. Conversation is a snapshot taken after the change.
type Event struct {
	ID             string
	Kind           Kind
	ConversationID string
	CustomerID     string
	AgentID        string
	WorkplaceID    string
	Timestamp      time.Time

	Conversation *store.Conversation
	Message      *store.Message
	Tag          *store.Tag
	TagAdded     bool // KindTag: true when attached, false when removed
	Customer     *store.Customer
	Agent        *store.Agent
	Rating       int
}

// orderingKey picks the key whose events must stay ordered.
func (e *Event) orderingKey() string {
	switch {
	case e.ConversationID != "":
		return "conversation:" + e.ConversationID
	case e.CustomerID != "":
		return "customer:" + e.CustomerID
	case e.AgentID != "":
		return "agent:" + e.AgentID
	default:
		return string(e.Kind)
	}
}

// Handler consumes one event. A returned error (or panic) makes the bus
// retry delivery to that handler.
type Handler func(ctx context.Context, ev Event) error

// Options tune the bus.
type Options struct {
	// Shards is the number of delivery workers. Events with the same
	// conversation always land on the same shard.
	Shards int
	// QueueSize is the initial per-shard capacity. Queues grow past it, so
	// publishing never blocks.
	QueueSize int
	// MaxAttempts bounds deliveries to one handler per event.
	MaxAttempts int
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
	// Synchronous makes Wait block until the event has been delivered.
	Synchronous bool
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 50 * time.Millisecond
	}
	return o
}

type subscription struct {
	id      uint64
	kind    Kind // empty for SubscribeAll
	handler Handler
}

type envelope struct {
	ev   Event
	done chan struct{}
}

// shard is an unbounded FIFO drained by one worker. Handlers may publish
// into their own shard, so a push must never wait for the worker.
type shard struct {
	mu     sync.Mutex
	queue  []envelope
	closed bool
	wake   chan struct{}
}

func newShard(capacity int) *shard {
	return &shard{
		queue: make([]envelope, 0, capacity),
		wake:  make(chan struct{}, 1),
	}
}

func (s *shard) push(env envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.signal()
}

func (s *shard) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an envelope is queued. It reports false once the shard
// is closed and drained.
func (s *shard) pop() (envelope, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue[0] = envelope{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env, true
		}
		if s.closed {
			s.mu.Unlock()
			return envelope{}, false
		}
		s.mu.Unlock()
		<-s.wake
	}
}

func (s *shard) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// deliveryKey marks contexts handed to handlers.
type deliveryKey struct{}

// Bus delivers events to subscribers. Publishing never runs handler code on
// the publisher's goroutine and never waits for a worker.
type Bus struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	// pubMu orders publishes against Close.
	pubMu  sync.RWMutex
	closed bool

	streams *streams

	shards []*shard
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a bus with its shard workers. Pass nil logger for default.
func New(opts Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		opts:   opts,
		logger: logger.With("component", "eventbus"),
		ctx:    ctx,
		cancel: cancel,
		shards: make([]*shard, opts.Shards),
	}
	b.streams = newStreams(b.logger)

	for i := range b.shards {
		sh := newShard(opts.QueueSize)
		b.shards[i] = sh
		b.wg.Go(func() {
			for {
				env, ok := sh.pop()
				if !ok {
					return
				}
				b.deliver(env.ev)
				close(env.done)
			}
		})
	}
	return b
}

// Subscribe registers h for one kind. The returned function removes it.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	return b.add(kind, h)
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.add("", h)
}

func (b *Bus) add(kind Kind, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Publish enqueues ev for delivery and returns a channel closed once every
// handler has finished with it. ID and Timestamp are filled in when empty.
// Publish never blocks.
func (b *Bus) Publish(ev Event) <-chan struct{} {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	done := make(chan struct{})

	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		b.logger.Warn("publish after close, event dropped", "kind", ev.Kind, "event_id", ev.ID)
		close(done)
		return done
	}

	b.shards[b.shardFor(ev.orderingKey())].push(envelope{ev: ev, done: done})
	return done
}

// Wait blocks until done is closed when the bus is synchronous, and returns
// immediately otherwise. It also returns immediately for a ctx handed to a
// handler: the event may sit behind that handler on its own shard.
func (b *Bus) Wait(ctx context.Context, done <-chan struct{}) error {
	if !b.opts.Synchronous || ctx.Value(deliveryKey{}) != nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.shards)))
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == ev.Kind {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliverTo(s, ev)
	}

	b.streams.publish(ev)
}

// deliverTo retries one handler up to MaxAttempts. Failures never propagate.
func (b *Bus) deliverTo(s subscription, ev Event) {
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		err := b.invoke(s.handler, ev)
		if err == nil {
			return
		}

		b.logger.Warn("event handler failed",
			"kind", ev.Kind,
			"event_id", ev.ID,
			"subscription", s.id,
			"attempt", attempt,
			"error", err,
		)
		if attempt == b.opts.MaxAttempts {
			b.logger.Error("event handler gave up",
				"kind", ev.Kind,
				"event_id", ev.ID,
				"subscription", s.id,
			)
			return
		}

		select {
		case <-time.After(b.opts.RetryBackoff):
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) invoke(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(context.WithValue(b.ctx, deliveryKey{}, ev.ID), ev)
}

// Stream returns a buffered channel of events matching filter. The stream is
// removed and its channel closed when ctx is done. Events are dropped for a
// stream whose buffer is full.
func (b *Bus) Stream(ctx context.Context, filter StreamFilter) <-chan Event {
	return b.streams.subscribe(ctx, filter)
}

// Close stops accepting events, drains queued ones, and closes all streams.
func (b *Bus) Close() {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return
	}
	b.closed = true
	for _, sh := range b.shards {
		sh.close()
	}
	b.pubMu.Unlock()

	b.wg.Wait()
	b.cancel()
	b.streams.close()
	b.logger.Debug("event bus closed")
}

// Publisher is the part of Bus that producers depend on.
type Publisher interface {
	Publish(ev Event) <-chan struct{}
	Wait(ctx context.Context, done <-chan struct{}) error
}

var _ Publisher = (*Bus)(nil)
