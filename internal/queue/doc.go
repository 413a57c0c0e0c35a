// Package queue adapts the durable work queues backing the ingestion
// pipeline.
//
// Messages are persistent (Redis-backed via asynq), delivered at least
// once, and retried with exponential backoff up to a configured attempt
// bound, after which they land in asynq's archive (the dead-letter queue)
// for operator inspection. Delivery order within a queue is FIFO but
// processing order across competing consumers is not; consumers must be
// idempotent and position-independent.
package queue
