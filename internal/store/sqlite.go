// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Schema creation, migrations, and customer/agent/workplace persistence

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo driver registered by github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"

	// Fixed-width so stored timestamps sort lexically.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// txHook, when set, runs between the steps of CommitTransition.
	// Returning an error aborts the transaction. Used by tests.
	txHook func(step string) error
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver. The schema is automatically created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a SQLite store with the named database/sql driver
// ("sqlite" or "sqlite3"). Parent directories are created if needed.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and a single
	// connection keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL DEFAULT '',
			username      TEXT NOT NULL DEFAULT '',
			contacts_json TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL DEFAULT '',
			username      TEXT NOT NULL DEFAULT '',
			manage_tags   INTEGER NOT NULL DEFAULT 0,
			grant_agent   INTEGER NOT NULL DEFAULT 0,
			assign_others INTEGER NOT NULL DEFAULT 0,
			deactivated   INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS identities (
			kind          TEXT NOT NULL,
			channel       TEXT NOT NULL,
			channel_key   TEXT NOT NULL,
			owner_id      TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,

			PRIMARY KEY (kind, channel, channel_key),
			CHECK (kind IN ('customer', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_identities_owner ON identities(kind, owner_id);

		CREATE TABLE IF NOT EXISTS workplaces (
			id                     TEXT PRIMARY KEY,
			agent_id               TEXT NOT NULL REFERENCES agents(id),
			channel                TEXT NOT NULL,
			address                TEXT NOT NULL,
			active_conversation_id TEXT,
			created_at             TEXT NOT NULL,

			UNIQUE(agent_id, channel, address)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_workplaces_active
			ON workplaces(active_conversation_id) WHERE active_conversation_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS conversations (
			id                    TEXT PRIMARY KEY,
			customer_id           TEXT NOT NULL REFERENCES customers(id),
			state                 TEXT NOT NULL,
			assigned_workplace_id TEXT,
			assigned_agent_id     TEXT,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,
			resolved_at           TEXT,
			version               INTEGER NOT NULL DEFAULT 0,

			CHECK (state IN ('new', 'assigned', 'resolved'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_customer
			ON conversations(customer_id) WHERE state != 'resolved';
		CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state, updated_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(assigned_agent_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL,
			author          TEXT NOT NULL,
			author_id       TEXT,
			kind            TEXT NOT NULL DEFAULT 'text',
			marker          TEXT,
			text            TEXT,
			attachment_url  TEXT,
			attachment_mime TEXT,
			attachment_name TEXT,
			created_at      TEXT NOT NULL,

			UNIQUE(conversation_id, seq),
			CHECK (author IN ('customer', 'agent', 'system')),
			CHECK (kind IN ('text', 'attachment', 'event'))
		);

		CREATE TABLE IF NOT EXISTS tags (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			created_by TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_tags (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			tag_id          TEXT NOT NULL REFERENCES tags(id),
			added_at        TEXT NOT NULL,

			PRIMARY KEY (conversation_id, tag_id)
		);

		CREATE TABLE IF NOT EXISTS events (
			event_id        TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			conversation_id TEXT,
			customer_id     TEXT,
			agent_id        TEXT,
			workplace_id    TEXT,
			author          TEXT,
			tag_name        TEXT,
			rating          INTEGER NOT NULL DEFAULT 0,
			ts              TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
		CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "customer_rating",
			apply:  `ALTER TABLE conversations ADD COLUMN customer_rating INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY constraint violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// replaceIdentities rewrites the identifications owned by ownerID.
// Returns ErrDuplicate if any identification belongs to someone else.
func replaceIdentities(ctx context.Context, tx *sql.Tx, kind IdentityKind, ownerID string, idents []ChannelIdentification, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identities WHERE kind = ? AND owner_id = ?`, string(kind), ownerID); err != nil {
		return fmt.Errorf("clearing identities: %w", err)
	}

	for _, ident := range idents {
		meta, err := encodeMap(ident.Metadata)
		if err != nil {
			return fmt.Errorf("encoding identity metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO identities (kind, channel, channel_key, owner_id, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, string(kind), ident.Channel, ident.Key, ownerID, meta, formatTime(now))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting identity: %w", err)
		}
	}
	return nil
}

func loadIdentities(ctx context.Context, q querier, kind IdentityKind, ownerID string) ([]ChannelIdentification, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT channel, channel_key, metadata_json
		FROM identities
		WHERE kind = ? AND owner_id = ?
		ORDER BY created_at, channel, channel_key
	`, string(kind), ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var idents []ChannelIdentification
	for rows.Next() {
		var ident ChannelIdentification
		var meta sql.NullString
		if err := rows.Scan(&ident.Channel, &ident.Key, &meta); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		if ident.Metadata, err = decodeMap(meta); err != nil {
			return nil, fmt.Errorf("decoding identity metadata: %w", err)
		}
		idents = append(idents, ident)
	}
	return idents, rows.Err()
}

func (s *SQLiteStore) findOwner(ctx context.Context, kind IdentityKind, channel, key string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id FROM identities WHERE kind = ? AND channel = ? AND channel_key = ?
	`, string(kind), channel, key).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying identity owner: %w", err)
	}
	return ownerID, nil
}

// CreateCustomer inserts a customer and its identifications.
// Returns ErrDuplicate if an identification is already taken.
func (s *SQLiteStore) CreateCustomer(ctx context.Context, customer *Customer) error {
	contacts, err := encodeMap(customer.Profile.Contacts)
	if err != nil {
		return fmt.Errorf("encoding contacts: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customers (id, name, username, contacts_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, customer.ID, customer.Profile.Name, customer.Profile.Username, contacts,
			formatTime(customer.CreatedAt), formatTime(customer.UpdatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting customer: %w", err)
		}
		return replaceIdentities(ctx, tx, IdentityCustomer, customer.ID, customer.Identifications, customer.CreatedAt)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("created customer", "id", customer.ID)
	return nil
}

// GetCustomer retrieves a customer by ID.
// Returns ErrNotFound if the customer doesn't exist.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	var contacts sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, username, contacts_json, created_at, updated_at
		FROM customers WHERE id = ?
	`, id).Scan(&c.ID, &c.Profile.Name, &c.Profile.Username, &contacts, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}

	if c.Profile.Contacts, err = decodeMap(contacts); err != nil {
		return nil, fmt.Errorf("decoding contacts: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if c.Identifications, err = loadIdentities(ctx, s.db, IdentityCustomer, c.ID); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindCustomerByChannel retrieves the customer owning a channel identification.
func (s *SQLiteStore) FindCustomerByChannel(ctx context.Context, channel, key string) (*Customer, error) {
	ownerID, err := s.findOwner(ctx, IdentityCustomer, channel, key)
	if err != nil {
		return nil, err
	}
	return s.GetCustomer(ctx, ownerID)
}

// UpdateCustomer overwrites a customer's profile and identifications.
// Returns ErrNotFound if the customer doesn't exist.
func (s *SQLiteStore) UpdateCustomer(ctx context.Context, customer *Customer) error {
	contacts, err := encodeMap(customer.Profile.Contacts)
	if err != nil {
		return fmt.Errorf("encoding contacts: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE customers SET name = ?, username = ?, contacts_json = ?, updated_at = ?
			WHERE id = ?
		`, customer.Profile.Name, customer.Profile.Username, contacts, formatTime(customer.UpdatedAt), customer.ID)
		if err != nil {
			return fmt.Errorf("updating customer: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return replaceIdentities(ctx, tx, IdentityCustomer, customer.ID, customer.Identifications, customer.UpdatedAt)
	})
}

// CreateAgent inserts an agent and its identifications.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, display_name, username, manage_tags, grant_agent, assign_others, deactivated, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, agent.ID, agent.DisplayName, agent.Username,
			boolInt(agent.Permissions.ManageTags), boolInt(agent.Permissions.GrantAgent),
			boolInt(agent.Permissions.AssignOthers), boolInt(agent.Deactivated),
			formatTime(agent.CreatedAt), formatTime(agent.UpdatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting agent: %w", err)
		}
		return replaceIdentities(ctx, tx, IdentityAgent, agent.ID, agent.Identifications, agent.CreatedAt)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("created agent", "id", agent.ID)
	return nil
}

const agentColumns = `id, display_name, username, manage_tags, grant_agent, assign_others, deactivated, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var manageTags, grantAgent, assignOthers, deactivated int
	var createdAt, updatedAt string

	if err := row.Scan(&a.ID, &a.DisplayName, &a.Username, &manageTags, &grantAgent,
		&assignOthers, &deactivated, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	a.Permissions = Permissions{
		ManageTags:   manageTags != 0,
		GrantAgent:   grantAgent != 0,
		AssignOthers: assignOthers != 0,
	}
	a.Deactivated = deactivated != 0

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	if a.Identifications, err = loadIdentities(ctx, s.db, IdentityAgent, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// FindAgentByChannel retrieves the agent owning a channel identification.
func (s *SQLiteStore) FindAgentByChannel(ctx context.Context, channel, key string) (*Agent, error) {
	ownerID, err := s.findOwner(ctx, IdentityAgent, channel, key)
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, ownerID)
}

// UpdateAgent overwrites an agent's attributes and identifications.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET display_name = ?, username = ?, manage_tags = ?, grant_agent = ?,
			    assign_others = ?, deactivated = ?, updated_at = ?
			WHERE id = ?
		`, agent.DisplayName, agent.Username,
			boolInt(agent.Permissions.ManageTags), boolInt(agent.Permissions.GrantAgent),
			boolInt(agent.Permissions.AssignOthers), boolInt(agent.Deactivated),
			formatTime(agent.UpdatedAt), agent.ID)
		if err != nil {
			return fmt.Errorf("updating agent: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return replaceIdentities(ctx, tx, IdentityAgent, agent.ID, agent.Identifications, agent.UpdatedAt)
	})
}

// ListAgents returns all agents ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	rows.Close()

	// Identities are loaded after the cursor is closed; the pool has one connection.
	for _, a := range agents {
		if a.Identifications, err = loadIdentities(ctx, s.db, IdentityAgent, a.ID); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

const workplaceColumns = `id, agent_id, channel, address, active_conversation_id, created_at`

func scanWorkplace(row interface{ Scan(...any) error }) (*Workplace, error) {
	var w Workplace
	var active sql.NullString
	var createdAt string
	if err := row.Scan(&w.ID, &w.AgentID, &w.Channel, &w.Address, &active, &createdAt); err != nil {
		return nil, err
	}
	w.ActiveConversationID = active.String
	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &w, nil
}

// CreateWorkplace inserts a workplace.
// Returns ErrDuplicate if the (agent, channel, address) triple exists.
func (s *SQLiteStore) CreateWorkplace(ctx context.Context, w *Workplace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workplaces (id, agent_id, channel, address, active_conversation_id, created_at)
		VALUES (?, ?, ?, ?, NULL, ?)
	`, w.ID, w.AgentID, w.Channel, w.Address, formatTime(w.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting workplace: %w", err)
	}

	s.logger.Debug("created workplace", "id", w.ID, "agent_id", w.AgentID, "channel", w.Channel)
	return nil
}

// GetWorkplace retrieves a workplace by ID.
func (s *SQLiteStore) GetWorkplace(ctx context.Context, id string) (*Workplace, error) {
	w, err := scanWorkplace(s.db.QueryRowContext(ctx, `SELECT `+workplaceColumns+` FROM workplaces WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workplace: %w", err)
	}
	return w, nil
}

// FindWorkplace retrieves a workplace by its (agent, channel, address) key.
func (s *SQLiteStore) FindWorkplace(ctx context.Context, agentID, channel, address string) (*Workplace, error) {
	w, err := scanWorkplace(s.db.QueryRowContext(ctx, `
		SELECT `+workplaceColumns+` FROM workplaces
		WHERE agent_id = ? AND channel = ? AND address = ?
	`, agentID, channel, address))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workplace by key: %w", err)
	}
	return w, nil
}

// ListAgentWorkplaces returns an agent's workplaces in registration order.
func (s *SQLiteStore) ListAgentWorkplaces(ctx context.Context, agentID string) ([]*Workplace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workplaceColumns+` FROM workplaces
		WHERE agent_id = ?
		ORDER BY created_at, id
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying workplaces: %w", err)
	}
	defer rows.Close()

	var workplaces []*Workplace
	for rows.Next() {
		w, err := scanWorkplace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workplace row: %w", err)
		}
		workplaces = append(workplaces, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workplace rows: %w", err)
	}
	return workplaces, nil
}
