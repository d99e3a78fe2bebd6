// Package eventbus fans backend state changes out to frontends, observers
// and the journal without those consumers importing the coordinator.
//
// # Delivery
//
// Publish enqueues an Event on one of N shard workers. The shard is chosen
// by hashing the conversation ID, so events of one conversation are
// delivered in publish order. Each handler runs on the shard worker; an
// error or panic is logged and the handler is retried up to MaxAttempts
// times. One handler failing never blocks the others or the publisher.
//
// Publish returns a channel closed after delivery. Wait blocks on it only
// when the bus was created with Synchronous set, which tests and the CLI use
// to observe effects deterministically.
//
// # Streams
//
// Stream returns a buffered channel for long-lived consumers (SSE clients,
// the gRPC watch call). Streams never block delivery: when a buffer is full
// the event is dropped for that stream.
package eventbus
