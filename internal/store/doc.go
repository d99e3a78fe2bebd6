// Package store provides persistence for frontdesk.
//
// # Architecture
//
// Store is the single adapter interface the backend consumes. Two
// implementations ship with the package:
//
//   - SQLiteStore: durable storage on SQLite, via modernc.org/sqlite
//     (driver "sqlite", pure Go) or github.com/mattn/go-sqlite3 (driver
//     "sqlite3", cgo)
//   - MemoryStore: maps behind a mutex, for tests and throwaway deployments
//
// # Data Models
//
//   - Customer / Agent: stable identities, each reachable through one or more
//     ChannelIdentification (channel + key, unique per kind)
//   - Workplace: an (agent, channel, address) triple that holds at most one
//     active conversation
//   - Conversation: NEW, ASSIGNED or RESOLVED, with tags and messages
//   - Message: append-only, numbered by a per-conversation Seq
//   - Tag: named label, unique by name
//   - EventRecord: journal entry consumed by analytics
//
// # Consistency
//
// CommitTransition is the compare-and-swap primitive. It checks the
// conversation's state and version and the workplace's active pointer, then
// writes the conversation, the workplace and the system message together.
// Any mismatch returns ErrConflict and writes nothing. Unique indexes back
// the remaining invariants: one identification per owner, one open
// conversation per customer, one workplace per active conversation.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pool is limited to one connection. Timestamps are stored as fixed-width
// RFC 3339 text so they sort lexically.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: a unique key is already taken
//   - ErrConflict: a conditional write lost its precondition
//
// # Testing
//
// Use NewMemoryStore() for unit tests; InjectFault makes a named operation
// fail. Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
