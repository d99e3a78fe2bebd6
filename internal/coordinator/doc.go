// ABOUTME: Package coordinator documentation
// ABOUTME: Describes the conversation lifecycle and the locking discipline

// Package coordinator owns conversation lifecycle.
//
// A conversation starts NEW, becomes ASSIGNED when bound to a free workplace,
// can be postponed back to NEW, and ends RESOLVED. A customer has at most one
// open conversation; a workplace points at no more than one conversation and
// that conversation points back at it. Both pointers change in a single
// store transition, so a failed write leaves neither side changed.
//
// Every write takes the conversation lock, reads the current version, and
// commits with a compare-and-swap on that version. Whoever commits first
// wins; the others see ErrConflict. Events are enqueued before the lock is
// released and handled by the event bus workers afterwards.
package coordinator
