// ABOUTME: Event journal that persists every bus event as an EventRecord
// ABOUTME: Runs as a bus subscriber; a failed save is retried by the bus

package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/store"
)

// JournalStore is where journal records go.
type JournalStore interface {
	SaveEvent(ctx context.Context, event *store.EventRecord) error
	ListEvents(ctx context.Context, since time.Time, limit int) ([]*store.EventRecord, error)
}

// Subscriber is anything events can be subscribed on, such as the backend
// or the bus itself.
type Subscriber interface {
	SubscribeAll(h eventbus.Handler) (unsubscribe func())
}

// Journal records bus events for later analysis.
type Journal struct {
	store  JournalStore
	logger *slog.Logger
}

// NewJournal creates a Journal. Pass nil logger for default.
func NewJournal(s JournalStore, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		store:  s,
		logger: logger.With("component", "journal"),
	}
}

// Attach subscribes the journal to every event.
func (j *Journal) Attach(sub Subscriber) (detach func()) {
	return sub.SubscribeAll(j.Handle)
}

// Handle persists one event. Saving is idempotent on the event ID, so a
// retried delivery does not duplicate the record.
func (j *Journal) Handle(ctx context.Context, ev eventbus.Event) error {
	rec := Record(ev)
	if err := j.store.SaveEvent(ctx, rec); err != nil {
		return err
	}
	j.logger.Debug("event journaled", "kind", rec.Kind, "event_id", rec.ID)
	return nil
}

// Record flattens a bus event into a journal record.
func Record(ev eventbus.Event) *store.EventRecord {
	rec := &store.EventRecord{
		ID:             ev.ID,
		Kind:           string(ev.Kind),
		ConversationID: ev.ConversationID,
		CustomerID:     ev.CustomerID,
		AgentID:        ev.AgentID,
		WorkplaceID:    ev.WorkplaceID,
		Rating:         ev.Rating,
		Timestamp:      ev.Timestamp,
	}
	if ev.Kind == eventbus.KindMessage && ev.Message != nil {
		rec.Author = ev.Message.Author
		if ev.Message.Author == store.AuthorAgent && ev.Message.AuthorID != "" {
			rec.AgentID = ev.Message.AuthorID
		}
	}
	if ev.Tag != nil {
		rec.TagName = ev.Tag.Name
	}
	return rec
}
