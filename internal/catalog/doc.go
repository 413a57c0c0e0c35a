// Package catalog is the gateway to the document store backing the
// ingestion pipeline.
//
// Documents (libraries, collections, background jobs, scheduled jobs, cache
// folders) are sqlite rows whose embedded arrays and counter maps are JSON1
// columns. Every write is a single SQL statement, which makes each one
// atomic at the document level: stage counters are only ever incremented
// server-side, array pushes are guarded by uniqueness predicates in the
// same statement, and the cache-folder collection counter is recomputed
// from the id set inside the statement that mutates the set.
//
// The catalog never holds a transaction across external I/O. Consistency
// across documents comes from idempotent operations, not multi-document
// transactions.
package catalog
