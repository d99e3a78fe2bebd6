// ABOUTME: Channel-based event streams for long-lived consumers such as SSE clients
// ABOUTME: Non-blocking fan-out; slow consumers lose events instead of stalling delivery

package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

const (
	// streamBufferSize is the channel buffer for each stream.
	streamBufferSize = 64
)

// StreamFilter narrows a stream. Empty fields match everything.
type StreamFilter struct {
	Kinds          []Kind
	ConversationID string
	CustomerID     string
	AgentID        string
}

// Matches reports whether ev passes the filter.
func (f StreamFilter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.ConversationID != "" && f.ConversationID != ev.ConversationID {
		return false
	}
	if f.CustomerID != "" && f.CustomerID != ev.CustomerID {
		return false
	}
	if f.AgentID != "" && f.AgentID != ev.AgentID {
		return false
	}
	return true
}

type stream struct {
	filter StreamFilter
	ch     chan Event
}

type streams struct {
	mu     sync.RWMutex
	subs   map[string]*stream
	closed bool
	logger *slog.Logger
}

func newStreams(logger *slog.Logger) *streams {
	return &streams{
		subs:   make(map[string]*stream),
		logger: logger,
	}
}

func (s *streams) subscribe(ctx context.Context, filter StreamFilter) <-chan Event {
	id := uuid.New().String()
	ch := make(chan Event, streamBufferSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.subs[id] = &stream{filter: filter, ch: ch}
	s.mu.Unlock()

	s.logger.Debug("stream added", "stream_id", id)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		s.unsubscribe(id)
	}()

	return ch
}

func (s *streams) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, st := range s.subs {
		if !st.filter.Matches(ev) {
			continue
		}
		select {
		case st.ch <- ev:
		default:
			s.logger.Debug("dropped event for slow stream",
				"stream_id", id,
				"kind", ev.Kind,
				"event_id", ev.ID)
		}
	}
}

func (s *streams) unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(st.ch)

	s.logger.Debug("stream removed", "stream_id", id)
}

// count reports the number of open streams.
func (s *streams) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *streams) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.subs {
		close(st.ch)
		delete(s.subs, id)
	}
	s.closed = true
}

// StreamCount reports how many streams are currently open.
func (b *Bus) StreamCount() int {
	return b.streams.count()
}
