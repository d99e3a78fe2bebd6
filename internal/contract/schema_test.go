// ABOUTME: Contract tests for database schema to detect breaking schema changes.
// ABOUTME: Validates that expected tables, columns and indexes exist in SQLite database.

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/frontdesk/internal/store"
)

// expectedSchema defines the contract for our database schema.
// If a table or column is removed or renamed, these tests will fail,
// catching breaking changes before they reach existing databases.
var expectedSchema = map[string][]string{
	"customers": {
		"id", "name", "username", "contacts_json", "created_at", "updated_at",
	},
	"agents": {
		"id", "display_name", "username",
		"manage_tags", "grant_agent", "assign_others",
		"deactivated", "created_at", "updated_at",
	},
	"identities": {
		"kind", "channel", "channel_key", "owner_id", "metadata_json", "created_at",
	},
	"workplaces": {
		"id", "agent_id", "channel", "address", "active_conversation_id", "created_at",
	},
	"conversations": {
		"id", "customer_id", "state",
		"assigned_workplace_id", "assigned_agent_id",
		"created_at", "updated_at", "resolved_at", "version",
	},
	"messages": {
		"id", "conversation_id", "seq", "author", "author_id",
		"kind", "marker", "text",
		"attachment_url", "attachment_mime", "attachment_name", "created_at",
	},
	"tags": {
		"id", "name", "created_by", "created_at",
	},
	"conversation_tags": {
		"conversation_id", "tag_id", "added_at",
	},
	"events": {
		"event_id", "kind", "conversation_id", "customer_id",
		"agent_id", "workplace_id", "author", "tag_name", "rating", "ts",
	},
}

// setupTestDB creates a temporary SQLite database with the production schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	// The store owns its connection, so open a second one for inspection.
	sqliteStore, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create SQLite store")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		db.Close()
		sqliteStore.Close()
	})
	return db
}

// queryNames returns the name column of a sqlite_master query.
func queryNames(ctx context.Context, db *sql.DB, kind string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'", kind)
	if err != nil {
		return nil, fmt.Errorf("querying %s names: %w", kind, err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning %s name: %w", kind, err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// getTableColumns queries SQLite to get column names for a table.
func getTableColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns: %w", err)
	}
	return columns, nil
}

// TestSchemaSurface verifies that all expected tables and columns exist.
func TestSchemaSurface(t *testing.T) {
	db := setupTestDB(t)
	ctx := t.Context()

	for table, expectedCols := range expectedSchema {
		t.Run(table, func(t *testing.T) {
			actualCols, err := getTableColumns(ctx, db, table)
			if !assert.NoError(t, err, "failed to get columns for table %s", table) {
				return
			}
			if !assert.NotEmpty(t, actualCols, "table %s should exist and have columns", table) {
				return
			}
			for _, col := range expectedCols {
				assert.True(t, actualCols[col], "column %s.%s should exist", table, col)
			}
			for col := range actualCols {
				if !slices.Contains(expectedCols, col) {
					t.Logf("INFO: extra column %s.%s not in contract (consider adding)", table, col)
				}
			}
		})
	}
}

// TestTablesExist is a quick sanity check that all expected tables exist.
func TestTablesExist(t *testing.T) {
	db := setupTestDB(t)
	tables, err := queryNames(t.Context(), db, "table")
	require.NoError(t, err)
	for table := range expectedSchema {
		assert.True(t, tables[table], "table %s should exist", table)
	}
}

// TestSchemaHasIndexes verifies the indexes that enforce invariants or back
// hot queries.
func TestSchemaHasIndexes(t *testing.T) {
	db := setupTestDB(t)

	expectedIndexes := []string{
		"idx_identities_owner",
		"idx_workplaces_active",           // one workplace per active conversation
		"idx_conversations_open_customer", // one open conversation per customer
		"idx_conversations_state",
		"idx_conversations_agent",
		"idx_events_ts",
		"idx_events_conversation",
	}

	indexes, err := queryNames(t.Context(), db, "index")
	require.NoError(t, err)
	for _, idx := range expectedIndexes {
		assert.True(t, indexes[idx], "index %s should exist", idx)
	}
}
