// Package sinks contains event.Sink implementations: structured logs,
// Prometheus collectors and a Pub/Sub topic.
package sinks
