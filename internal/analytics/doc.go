// ABOUTME: Package analytics documentation
// ABOUTME: Journal plus report over the journal

// Package analytics keeps a persistent journal of backend events and derives
// support metrics from it.
//
// The Journal subscribes to the event bus and stores one EventRecord per
// event. The Reporter replays the journal to compute per-agent workload,
// ratings and response times.
package analytics
