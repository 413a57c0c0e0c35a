// Package jobs tracks background work across the ingestion pipeline.
//
// Queue consumers only ever increment per-stage counters; the Monitor is
// the sole writer of terminal job states. This split means any number of
// competing consumers can report progress concurrently without racing on
// the status field.
package jobs
