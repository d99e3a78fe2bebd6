// ABOUTME: Package backend documentation
// ABOUTME: Summarizes what the facade owns and how frontends should use it

// Package backend assembles the support core: identity resolution, the
// workplace manager, the conversation coordinator and the event bus, all
// sharing one store and one lock map.
//
// Frontends call Backend methods to change state and subscribe to the bus to
// learn about changes made by anyone, including themselves. Errors carry one
// of the kinds in package errs.
package backend
