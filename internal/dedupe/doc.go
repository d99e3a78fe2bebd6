// Package dedupe drops inbound channel messages that arrive more than once
// within a configurable window.
package dedupe
