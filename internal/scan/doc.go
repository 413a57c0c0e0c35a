// Package scan turns library roots into catalog records and queued work.
//
// The Orchestrator consumes library scan messages and decides, per
// discovered directory or archive, whether to create, rescan, resume, or
// skip. The Consumer handles the per-collection half: enumerate images,
// persist new records, and fan out one thumbnail and one cache message per
// image. Both halves are idempotent under message redelivery.
package scan
