// Package derivatives hosts the consumers that turn source images into
// thumbnails and scaled cache copies.
//
// Both consumers are idempotent under at-least-once delivery: an existing
// derivative with a reachable file is skipped, appends are uniqueness
// guarded, and files land via temp-file + rename. Decode failures ack the
// message after counting a stage failure; retrying a corrupt source only
// repeats the failure.
package derivatives
