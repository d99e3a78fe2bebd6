// ABOUTME: Package texts documentation
// ABOUTME: Explains providers and markdown rendering

// Package texts holds the user-facing strings channel adapters send.
//
// Providers are selected by language code with Lookup. Composed texts such
// as new-conversation notifications are markdown; Text.HTML renders them for
// channels that take formatted bodies.
package texts
