package scan

import (
	"context"

	"media-ingest/internal/catalog"
	"media-ingest/internal/queue"
)

// publisher is the slice of the queue client the scan pipeline needs.
// Satisfied by *queue.Publisher.
type publisher interface {
	PublishCollectionScan(ctx context.Context, msg *queue.CollectionScanMessage) error
	PublishThumbnailGen(ctx context.Context, msg *queue.ThumbnailGenMessage) error
	PublishCacheGen(ctx context.Context, msg *queue.CacheGenMessage) error
}

// indexer is the slice of the navigation index the scan pipeline needs.
// Satisfied by *navindex.Index.
type indexer interface {
	AddOrUpdate(ctx context.Context, s catalog.CollectionSummary) error
	Remove(ctx context.Context, id, libraryID, collectionType string) error
}
