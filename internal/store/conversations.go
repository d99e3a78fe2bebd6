// ABOUTME: SQLite persistence for conversations, messages and tags
// ABOUTME: CommitTransition is the single-transaction compare-and-swap used by the coordinator

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const conversationColumns = `id, customer_id, state, assigned_workplace_id, assigned_agent_id,
	customer_rating, created_at, updated_at, resolved_at, version`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var state, createdAt, updatedAt string
	var workplaceID, agentID, resolvedAt sql.NullString

	if err := row.Scan(&c.ID, &c.CustomerID, &state, &workplaceID, &agentID,
		&c.CustomerRating, &createdAt, &updatedAt, &resolvedAt, &c.Version); err != nil {
		return nil, err
	}

	c.State = ConversationState(state)
	c.AssignedWorkplaceID = workplaceID.String
	c.AssignedAgentID = agentID.String

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing resolved_at: %w", err)
		}
		c.ResolvedAt = &t
	}
	return &c, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicate if the customer already has an open conversation,
// ErrNotFound if the customer doesn't exist.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	var resolvedAt sql.NullString
	if conv.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: formatTime(*conv.ResolvedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, customer_id, state, assigned_workplace_id, assigned_agent_id,
			customer_rating, created_at, updated_at, resolved_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.CustomerID, string(conv.State), nullString(conv.AssignedWorkplaceID),
		nullString(conv.AssignedAgentID), conv.CustomerRating, formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt), resolvedAt, conv.Version)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "customer_id", conv.CustomerID)
	return nil
}

// GetConversation retrieves a conversation with its tags, and its messages
// when withMessages is set.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string, withMessages bool) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if c.Tags, err = s.loadConversationTags(ctx, c.ID); err != nil {
		return nil, err
	}
	if withMessages {
		if c.Messages, err = s.ListMessages(ctx, c.ID, 0); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FindOpenConversation returns the customer's conversation that is not yet
// resolved. Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindOpenConversation(ctx context.Context, customerID string) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE customer_id = ? AND state != 'resolved'
	`, customerID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return s.GetConversation(ctx, id, false)
}

// ListConversations returns conversations matching the filter, oldest first.
// Messages are not populated.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var conds []string
	var args []any

	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.CustomerID != "" {
		conds = append(conds, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "assigned_agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.WorkplaceID != "" {
		conds = append(conds, "assigned_workplace_id = ?")
		args = append(args, filter.WorkplaceID)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	rows.Close()

	for _, c := range convs {
		if c.Tags, err = s.loadConversationTags(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (s *SQLiteStore) hook(step string) error {
	if s.txHook == nil {
		return nil
	}
	return s.txHook(step)
}

// CommitTransition applies a state transition, its workplace pointer change
// and its system message in one transaction. Returns ErrConflict if the
// conversation moved away from FromState/FromVersion or the workplace is not
// in the expected state; nothing is written in that case.
func (s *SQLiteStore) CommitTransition(ctx context.Context, tr *Transition) (*Conversation, error) {
	at := formatTime(tr.At)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		var version int64
		var agentID sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT state, version, assigned_agent_id FROM conversations WHERE id = ?
		`, tr.ConversationID).Scan(&state, &version, &agentID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying conversation: %w", err)
		}
		if ConversationState(state) != tr.FromState || version != tr.FromVersion {
			return ErrConflict
		}

		if tr.BindWorkplaceID != "" {
			var wpAgent string
			err := tx.QueryRowContext(ctx, `SELECT agent_id FROM workplaces WHERE id = ?`,
				tr.BindWorkplaceID).Scan(&wpAgent)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("querying workplace: %w", err)
			}

			result, err := tx.ExecContext(ctx, `
				UPDATE workplaces SET active_conversation_id = ?
				WHERE id = ? AND active_conversation_id IS NULL
			`, tr.ConversationID, tr.BindWorkplaceID)
			if err != nil {
				if isConstraintViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("binding workplace: %w", err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return ErrConflict
			}
			agentID = sql.NullString{String: wpAgent, Valid: true}
		}
		if err := s.hook("bind"); err != nil {
			return err
		}

		if tr.UnbindWorkplaceID != "" {
			result, err := tx.ExecContext(ctx, `
				UPDATE workplaces SET active_conversation_id = NULL
				WHERE id = ? AND active_conversation_id = ?
			`, tr.UnbindWorkplaceID, tr.ConversationID)
			if err != nil {
				return fmt.Errorf("unbinding workplace: %w", err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return ErrConflict
			}
		}
		if err := s.hook("unbind"); err != nil {
			return err
		}

		var workplaceID, resolvedAt sql.NullString
		switch tr.ToState {
		case StateAssigned:
			workplaceID = nullString(tr.BindWorkplaceID)
		case StateNew:
			agentID = sql.NullString{}
		case StateResolved:
			resolvedAt = sql.NullString{String: at, Valid: true}
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET state = ?, assigned_workplace_id = ?, assigned_agent_id = ?,
			    updated_at = ?, resolved_at = ?, version = version + 1
			WHERE id = ? AND state = ? AND version = ?
		`, string(tr.ToState), workplaceID, agentID, at, resolvedAt,
			tr.ConversationID, string(tr.FromState), tr.FromVersion)
		if err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrConflict
		}
		if err := s.hook("conversation"); err != nil {
			return err
		}

		if tr.Message != nil {
			if err := insertMessage(ctx, tx, tr.Message); err != nil {
				return err
			}
		}
		return s.hook("message")
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("committed transition",
		"conversation_id", tr.ConversationID,
		"from", tr.FromState,
		"to", tr.ToState,
	)
	return s.GetConversation(ctx, tr.ConversationID, false)
}

// SetCustomerRating records the customer's rating of a resolved conversation.
// Returns ErrConflict if the conversation is not resolved.
func (s *SQLiteStore) SetCustomerRating(ctx context.Context, conversationID string, rating int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM conversations WHERE id = ?`,
			conversationID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying conversation: %w", err)
		}
		if ConversationState(state) != StateResolved {
			return ErrConflict
		}

		_, err = tx.ExecContext(ctx, `UPDATE conversations SET customer_rating = ? WHERE id = ?`,
			rating, conversationID)
		if err != nil {
			return fmt.Errorf("updating rating: %w", err)
		}
		return nil
	})
}

// insertMessage assigns the next sequence number and inserts msg.
func insertMessage(ctx context.Context, tx *sql.Tx, msg *Message) error {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?
	`, msg.ConversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("allocating message seq: %w", err)
	}

	var attURL, attMime, attName sql.NullString
	if msg.Attachment != nil {
		attURL = nullString(msg.Attachment.URL)
		attMime = nullString(msg.Attachment.MimeType)
		attName = nullString(msg.Attachment.Name)
	}

	kind := msg.Kind
	if kind == "" {
		kind = MessageKindText
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, author, author_id, kind, marker, text,
			attachment_url, attachment_mime, attachment_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, seq, string(msg.Author), nullString(msg.AuthorID), kind,
		nullString(msg.Marker), nullString(msg.Text), attURL, attMime, attName, formatTime(msg.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	msg.Seq = seq
	msg.Kind = kind
	return nil
}

// AppendMessage appends msg to an open conversation and sets msg.Seq.
// Returns ErrConflict if the conversation is resolved.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM conversations WHERE id = ?`,
			msg.ConversationID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying conversation: %w", err)
		}
		if !ConversationState(state).Open() {
			return ErrConflict
		}

		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
			formatTime(msg.CreatedAt), msg.ConversationID)
		if err != nil {
			return fmt.Errorf("touching conversation: %w", err)
		}
		return nil
	})
}

// ListMessages returns a conversation's messages in sequence order. When
// limit > 0 only the latest limit messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, seq, author, author_id, kind, marker, text,
		       attachment_url, attachment_mime, attachment_name, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var author, createdAt string
		var authorID, marker, text, attURL, attMime, attName sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &author, &authorID, &m.Kind,
			&marker, &text, &attURL, &attMime, &attName, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.Author = AuthorKind(author)
		m.AuthorID = authorID.String
		m.Marker = marker.String
		m.Text = text.String
		if attURL.Valid {
			m.Attachment = &Attachment{URL: attURL.String, MimeType: attMime.String, Name: attName.String}
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CreateTag inserts a tag. Returns ErrDuplicate if the name is taken.
func (s *SQLiteStore) CreateTag(ctx context.Context, tag *Tag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, name, created_by, created_at) VALUES (?, ?, ?, ?)
	`, tag.ID, tag.Name, nullString(tag.CreatedBy), formatTime(tag.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting tag: %w", err)
	}
	return nil
}

func scanTag(row interface{ Scan(...any) error }) (*Tag, error) {
	var t Tag
	var createdBy sql.NullString
	var createdAt string
	if err := row.Scan(&t.ID, &t.Name, &createdBy, &createdAt); err != nil {
		return nil, err
	}
	t.CreatedBy = createdBy.String
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// GetTagByName retrieves a tag by its unique name.
func (s *SQLiteStore) GetTagByName(ctx context.Context, name string) (*Tag, error) {
	t, err := scanTag(s.db.QueryRowContext(ctx,
		`SELECT id, name, created_by, created_at FROM tags WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tag: %w", err)
	}
	return t, nil
}

// ListTags returns all tags ordered by name.
func (s *SQLiteStore) ListTags(ctx context.Context) ([]*Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_by, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tag row: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) loadConversationTags(ctx context.Context, conversationID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.created_by, t.created_at
		FROM conversation_tags ct
		JOIN tags t ON t.id = ct.tag_id
		WHERE ct.conversation_id = ?
		ORDER BY ct.added_at, t.name
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tag row: %w", err)
		}
		tags = append(tags, *t)
	}
	return tags, rows.Err()
}

// AppendTag attaches a tag to a conversation. Reports false if it was
// already attached.
func (s *SQLiteStore) AppendTag(ctx context.Context, conversationID, tagID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_tags (conversation_id, tag_id, added_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%f', 'now'))
	`, conversationID, tagID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("attaching tag: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// RemoveTag detaches a tag from a conversation. Reports false if it was
// not attached.
func (s *SQLiteStore) RemoveTag(ctx context.Context, conversationID, tagID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_tags WHERE conversation_id = ? AND tag_id = ?
	`, conversationID, tagID)
	if err != nil {
		return false, fmt.Errorf("detaching tag: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}
