// Package scheduler triggers recurring work from cron expressions stored
// in the catalog. The catalog is the source of truth; the in-process cron
// registry is reconciled against it on an interval, so schedule edits made
// by any process reach every scheduler without restarts.
package scheduler
