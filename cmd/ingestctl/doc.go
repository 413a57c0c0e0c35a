// Command ingestctl is the operator CLI for the ingest service. It talks
// directly to the catalog and the queue, so it works whether or not the
// service itself is up: scans queue in Redis and are picked up when
// consumers return.
package main
