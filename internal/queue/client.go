package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"media-ingest/internal/metrics"
)

// Publisher enqueues durable work messages. Messages survive process
// restarts (they live in Redis) and are delivered at least once; consumers
// are responsible for idempotency.
type Publisher struct {
	client     *asynq.Client
	maxRetries int
}

// NewPublisher creates a publisher against the given Redis address.
// maxRetries is the per-message attempt bound before a message is routed to
// the dead-letter archive.
func NewPublisher(redisAddr string, maxRetries int) *Publisher {
	return &Publisher{
		client:     asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		maxRetries: maxRetries,
	}
}

// Close releases the underlying Redis connections.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) enqueue(ctx context.Context, taskType, queueName string, payload interface{}, timeout time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", taskType, err)
	}

	task := asynq.NewTask(taskType, data,
		asynq.Queue(queueName),
		asynq.MaxRetry(p.maxRetries),
		asynq.Timeout(timeout),
	)
	if _, err := p.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	metrics.QueueTasksPublished.WithLabelValues(queueName).Inc()
	return nil
}

// PublishLibraryScan enqueues a library scan.
func (p *Publisher) PublishLibraryScan(ctx context.Context, msg *LibraryScanMessage) error {
	msg.stamp(TypeLibraryScan)
	return p.enqueue(ctx, TypeLibraryScan, QueueLibraryScan, msg, time.Hour)
}

// PublishCollectionScan enqueues a collection scan.
func (p *Publisher) PublishCollectionScan(ctx context.Context, msg *CollectionScanMessage) error {
	msg.stamp(TypeCollectionScan)
	return p.enqueue(ctx, TypeCollectionScan, QueueCollectionScan, msg, 30*time.Minute)
}

// PublishThumbnailGen enqueues one thumbnail generation.
func (p *Publisher) PublishThumbnailGen(ctx context.Context, msg *ThumbnailGenMessage) error {
	msg.stamp(TypeThumbnailGen)
	return p.enqueue(ctx, TypeThumbnailGen, QueueThumbnailGen, msg, 5*time.Minute)
}

// PublishCacheGen enqueues one cache image generation.
func (p *Publisher) PublishCacheGen(ctx context.Context, msg *CacheGenMessage) error {
	msg.stamp(TypeCacheGen)
	return p.enqueue(ctx, TypeCacheGen, QueueCacheGen, msg, 5*time.Minute)
}
