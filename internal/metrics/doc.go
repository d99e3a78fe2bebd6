// ABOUTME: Package metrics documentation
// ABOUTME: Lists what is exported on /metrics

// Package metrics exports Prometheus collectors for frontdesk: backend
// events by kind, HTTP and gRPC request counts, connected event stream
// clients, and customer ratings.
package metrics
