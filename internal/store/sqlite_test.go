// ABOUTME: Tests specific to the SQLite store implementation
// ABOUTME: Covers file creation, reopen/migrations, driver selection, and transaction rollback

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestOpenSQLite_UnknownDriver(t *testing.T) {
	_, err := OpenSQLite("postgres", filepath.Join(t.TempDir(), "x.db"))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	cust := &Customer{
		ID:              "cust-1",
		Identifications: []ChannelIdentification{{Channel: "telegram", Key: "42"}},
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := store.CreateCustomer(ctx, cust); err != nil {
		t.Fatalf("CreateCustomer failed: %v", err)
	}
	store.Close()

	// Second open re-runs schema creation and migrations
	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	got, err := store.FindCustomerByChannel(ctx, "telegram", "42")
	if err != nil {
		t.Fatalf("FindCustomerByChannel failed: %v", err)
	}
	if got.ID != "cust-1" {
		t.Errorf("expected cust-1, got %q", got.ID)
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	tag := &Tag{ID: "t1", Name: "vip", CreatedAt: time.Now().UTC()}
	if err := store.CreateTag(context.Background(), tag); err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}
	if _, err := store.GetTagByName(context.Background(), "vip"); err != nil {
		t.Fatalf("GetTagByName failed: %v", err)
	}
}

func TestCommitTransition_RollsBackOnMidwayFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC()
	if err := store.CreateCustomer(ctx, &Customer{ID: "cust", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateCustomer failed: %v", err)
	}
	if err := store.CreateAgent(ctx, &Agent{ID: "agent", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	wp := &Workplace{ID: "wp", AgentID: "agent", Channel: "matrix", Address: "!r:hs", CreatedAt: now}
	if err := store.CreateWorkplace(ctx, wp); err != nil {
		t.Fatalf("CreateWorkplace failed: %v", err)
	}
	conv := &Conversation{ID: "conv", CustomerID: "cust", State: StateNew, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	diskFull := errors.New("disk full")
	for _, step := range []string{"bind", "conversation", "message"} {
		t.Run(step, func(t *testing.T) {
			store.txHook = func(s string) error {
				if s == step {
					return diskFull
				}
				return nil
			}
			defer func() { store.txHook = nil }()

			_, err := store.CommitTransition(ctx, &Transition{
				ConversationID:  "conv",
				FromState:       StateNew,
				ToState:         StateAssigned,
				BindWorkplaceID: "wp",
				Message: &Message{
					ID: "m-" + step, ConversationID: "conv", Author: AuthorSystem,
					Kind: MessageKindEvent, Marker: MarkerAssigned, CreatedAt: now,
				},
				At: now,
			})
			if !errors.Is(err, diskFull) {
				t.Fatalf("expected injected failure, got %v", err)
			}

			got, err := store.GetConversation(ctx, "conv", true)
			if err != nil {
				t.Fatalf("GetConversation failed: %v", err)
			}
			if got.State != StateNew || got.Version != 0 || len(got.Messages) != 0 {
				t.Errorf("conversation changed after rollback: state=%s version=%d messages=%d",
					got.State, got.Version, len(got.Messages))
			}

			gotWP, err := store.GetWorkplace(ctx, "wp")
			if err != nil {
				t.Fatalf("GetWorkplace failed: %v", err)
			}
			if gotWP.ActiveConversationID != "" {
				t.Errorf("workplace still bound after rollback: %q", gotWP.ActiveConversationID)
			}
		})
	}
}

// newTestStore creates a new SQLiteStore for testing using a temp directory
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	return store
}
