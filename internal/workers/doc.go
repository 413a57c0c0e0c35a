// Package workers provides utilities for determining worker pool sizes in
// containerized environments.
//
// runtime.NumCPU() reports the host machine's CPU count even when cgroup
// limits restrict the process to fewer cores. Go 1.19+ sets GOMAXPROCS from
// the container CPU limit, so worker counts derived from GOMAXPROCS respect
// deployment resource limits.
//
// The INGEST_WORKERS environment variable overrides the calculation for all
// helpers, which is useful when the queue concurrency must be tuned below
// what the CPU count would suggest (for example to protect a shared NFS
// mount or the Redis instance backing the work queues).
package workers
