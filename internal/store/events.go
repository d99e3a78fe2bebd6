// ABOUTME: Event journal persistence for analytics and audit
// ABOUTME: Append-only records of backend events, listed in timestamp order

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveEvent persists a journal record. Saving the same ID twice is a no-op,
// so redelivered bus events are journaled once.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (
			event_id, kind, conversation_id, customer_id, agent_id, workplace_id,
			author, tag_name, rating, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Kind, nullString(event.ConversationID), nullString(event.CustomerID),
		nullString(event.AgentID), nullString(event.WorkplaceID), nullString(string(event.Author)),
		nullString(event.TagName), event.Rating, formatTime(event.Timestamp))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns journal records at or after since, oldest first.
// A limit <= 0 returns everything.
func (s *SQLiteStore) ListEvents(ctx context.Context, since time.Time, limit int) ([]*EventRecord, error) {
	query := `
		SELECT event_id, kind, conversation_id, customer_id, agent_id, workplace_id,
		       author, tag_name, rating, ts
		FROM events
		WHERE ts >= ?
		ORDER BY ts, event_id
	`
	args := []any{formatTime(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var e EventRecord
		var convID, customerID, agentID, workplaceID, author, tagName sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.Kind, &convID, &customerID, &agentID, &workplaceID,
			&author, &tagName, &e.Rating, &ts); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.ConversationID = convID.String
		e.CustomerID = customerID.String
		e.AgentID = agentID.String
		e.WorkplaceID = workplaceID.String
		e.Author = AuthorKind(author.String)
		e.TagName = tagName.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}
