// Package metrics defines the Prometheus metrics exposed by the ingestion
// pipeline and the ops HTTP server that serves them.
//
// Metrics are registered with promauto at package initialization, so any
// package that imports this one gets its metric vars registered exactly once.
// The ops server additionally exposes liveness and readiness endpoints used
// by deployment probes.
package metrics
