package navindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"media-ingest/internal/catalog"
	"media-ingest/internal/logging"
	"media-ingest/internal/metrics"
)

// schemaVersion is written to the version marker only after a rebuild has
// fully populated the index. A missing or stale marker means the ranked
// sets cannot be trusted and reads fall back to the catalog.
const schemaVersion = "2"

const (
	versionKey = "idx:version"

	defaultThumbTTL     = 30 * 24 * time.Hour
	defaultRebuildBatch = 100
)

// ErrNotIndexed is returned by Siblings and Navigate when the collection
// has no rank in the requested scope, neither in the index nor in the
// catalog's ordering.
var ErrNotIndexed = errors.New("collection not in navigation index")

// Index is the Redis-backed navigation index: ranked sets of collection
// ids per sort field plus per-collection summary hashes, sitting in front
// of the catalog for browse and sibling queries. It is a cache, never the
// source of truth; every read path has a catalog fallback that yields the
// same ordering.
type Index struct {
	rdb          *redis.Client
	cat          *catalog.Catalog
	thumbTTL     time.Duration
	rebuildBatch int

	rebuilds singleflight.Group
}

type Option func(*Index)

// WithThumbTTL overrides the expiry on cached thumbnail payloads.
func WithThumbTTL(ttl time.Duration) Option {
	return func(i *Index) {
		if ttl > 0 {
			i.thumbTTL = ttl
		}
	}
}

// WithRebuildBatch overrides the page size used when rebuilding from the
// catalog.
func WithRebuildBatch(n int) Option {
	return func(i *Index) {
		if n > 0 {
			i.rebuildBatch = n
		}
	}
}

func New(rdb *redis.Client, cat *catalog.Catalog, opts ...Option) *Index {
	i := &Index{
		rdb:          rdb,
		cat:          cat,
		thumbTTL:     defaultThumbTTL,
		rebuildBatch: defaultRebuildBatch,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Key layout. One ascending ranked set per scope and sort field; descending
// reads walk the same set in reverse, which also reverses the id tie-break
// to match the catalog's ordering.
func globalKey(field string) string       { return "idx:all:" + field }
func libraryKey(lib, field string) string { return "idx:lib:" + lib + ":" + field }
func typeKey(typ, field string) string    { return "idx:type:" + typ + ":" + field }
func dataKey(id string) string            { return "data:" + id }
func thumbKey(id string) string           { return "thumb:" + id }

func scopeKey(libraryID, collectionType, field string) string {
	switch {
	case libraryID != "":
		return libraryKey(libraryID, field)
	case collectionType != "":
		return typeKey(collectionType, field)
	default:
		return globalKey(field)
	}
}

// AddOrUpdate installs or refreshes one collection across every ranked set
// it belongs to, plus its summary hash. Safe to call repeatedly; scores are
// simply overwritten.
func (i *Index) AddOrUpdate(ctx context.Context, s catalog.CollectionSummary) error {
	pipe := i.rdb.Pipeline()
	for _, field := range catalog.SortFields {
		member := redis.Z{Score: scoreFor(field, s), Member: s.ID}
		pipe.ZAdd(ctx, globalKey(field), member)
		pipe.ZAdd(ctx, libraryKey(s.LibraryID, field), member)
		pipe.ZAdd(ctx, typeKey(string(s.Type), field), member)
	}
	pipe.HSet(ctx, dataKey(s.ID), summaryFields(s))
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.IndexOperationsTotal.WithLabelValues("add", "error").Inc()
		return fmt.Errorf("index add %s: %w", s.ID, err)
	}
	metrics.IndexOperationsTotal.WithLabelValues("add", "ok").Inc()
	return nil
}

// Remove drops one collection from every ranked set and deletes its hash
// and cached thumbnail.
func (i *Index) Remove(ctx context.Context, id, libraryID, collectionType string) error {
	pipe := i.rdb.Pipeline()
	for _, field := range catalog.SortFields {
		pipe.ZRem(ctx, globalKey(field), id)
		pipe.ZRem(ctx, libraryKey(libraryID, field), id)
		pipe.ZRem(ctx, typeKey(collectionType, field), id)
	}
	pipe.Del(ctx, dataKey(id), thumbKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.IndexOperationsTotal.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("index remove %s: %w", id, err)
	}
	metrics.IndexOperationsTotal.WithLabelValues("remove", "ok").Inc()
	return nil
}

// PageQuery selects a browse page. LibraryID and Type are mutually
// exclusive scopes; both empty means the global set.
type PageQuery struct {
	LibraryID string
	Type      string
	SortField string
	Direction string
	Skip      int64
	Limit     int64
}

// Page returns one page of collection summaries plus the scoped total.
// When the index is invalid the catalog serves the page instead; callers
// cannot tell the difference beyond latency.
func (i *Index) Page(ctx context.Context, q PageQuery) ([]catalog.CollectionSummary, int64, error) {
	valid, err := i.IsValid(ctx)
	if err != nil || !valid {
		if err != nil {
			logging.Warn("Index validity check failed, serving from catalog: %v", err)
		}
		return i.pageFromCatalog(ctx, q)
	}

	key := scopeKey(q.LibraryID, q.Type, q.SortField)
	total, err := i.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return i.pageFromCatalog(ctx, q)
	}

	ids, err := i.rangeIDs(ctx, key, q.Direction, q.Skip, q.Skip+q.Limit-1)
	if err != nil {
		return i.pageFromCatalog(ctx, q)
	}

	summaries, err := i.summaries(ctx, ids)
	if err != nil {
		return i.pageFromCatalog(ctx, q)
	}
	metrics.IndexOperationsTotal.WithLabelValues("page", "ok").Inc()
	return summaries, total, nil
}

// SiblingWindow is the result of a Siblings query: a run of summaries
// centered on the requested collection, in scoped sort order.
type SiblingWindow struct {
	Entries  []catalog.CollectionSummary
	Position int64 // rank of the requested collection within the scope
	Total    int64
}

// Siblings returns the window of pageSize+1 collections centered on id,
// shifted (never shrunk) at either end of the set. Used to render
// previous/next navigation without paging through the whole scope. When the
// index is invalid, unreachable, or missing the member, the catalog serves
// the window in the same order.
func (i *Index) Siblings(ctx context.Context, id string, q PageQuery) (*SiblingWindow, error) {
	valid, err := i.IsValid(ctx)
	if err != nil || !valid {
		if err != nil {
			logging.Warn("Index validity check failed, serving siblings from catalog: %v", err)
		}
		return i.siblingsFromCatalog(ctx, id, q)
	}

	key := scopeKey(q.LibraryID, q.Type, q.SortField)

	var rank *redis.IntCmd
	if isDescending(q.Direction) {
		rank = i.rdb.ZRevRank(ctx, key, id)
	} else {
		rank = i.rdb.ZRank(ctx, key, id)
	}
	pos, err := rank.Result()
	if err != nil {
		// A valid index that lacks the member is inconsistent; let the
		// catalog decide whether the collection exists in this scope.
		return i.siblingsFromCatalog(ctx, id, q)
	}

	total, err := i.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return i.siblingsFromCatalog(ctx, id, q)
	}

	start, stop := window(pos, total, q.Limit)
	ids, err := i.rangeIDs(ctx, key, q.Direction, start, stop)
	if err != nil {
		return i.siblingsFromCatalog(ctx, id, q)
	}
	entries, err := i.summaries(ctx, ids)
	if err != nil {
		return i.siblingsFromCatalog(ctx, id, q)
	}
	metrics.IndexOperationsTotal.WithLabelValues("siblings", "ok").Inc()
	return &SiblingWindow{Entries: entries, Position: pos, Total: total}, nil
}

// Position locates one collection within its scoped sort order. PrevID and
// NextID are empty at the boundaries.
type Position struct {
	PrevID string
	NextID string
	Rank   int64
	Total  int64
}

// Navigate returns a collection's rank, the scope total, and its immediate
// neighbors: one rank lookup plus at most two single-element range reads.
// Falls through to the catalog like Siblings does.
func (i *Index) Navigate(ctx context.Context, id string, q PageQuery) (*Position, error) {
	valid, err := i.IsValid(ctx)
	if err != nil || !valid {
		if err != nil {
			logging.Warn("Index validity check failed, navigating from catalog: %v", err)
		}
		return i.navigateFromCatalog(ctx, id, q)
	}

	key := scopeKey(q.LibraryID, q.Type, q.SortField)

	var rank *redis.IntCmd
	if isDescending(q.Direction) {
		rank = i.rdb.ZRevRank(ctx, key, id)
	} else {
		rank = i.rdb.ZRank(ctx, key, id)
	}
	pos, err := rank.Result()
	if err != nil {
		return i.navigateFromCatalog(ctx, id, q)
	}

	total, err := i.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return i.navigateFromCatalog(ctx, id, q)
	}

	nav := &Position{Rank: pos, Total: total}
	if pos > 0 {
		ids, err := i.rangeIDs(ctx, key, q.Direction, pos-1, pos-1)
		if err != nil {
			return i.navigateFromCatalog(ctx, id, q)
		}
		if len(ids) == 1 {
			nav.PrevID = ids[0]
		}
	}
	if pos+1 < total {
		ids, err := i.rangeIDs(ctx, key, q.Direction, pos+1, pos+1)
		if err != nil {
			return i.navigateFromCatalog(ctx, id, q)
		}
		if len(ids) == 1 {
			nav.NextID = ids[0]
		}
	}
	metrics.IndexOperationsTotal.WithLabelValues("navigate", "ok").Inc()
	return nav, nil
}

// IsValid reports whether the ranked sets were fully built by the current
// schema. Invalid means rebuild needed, not data loss.
func (i *Index) IsValid(ctx context.Context) (bool, error) {
	v, err := i.rdb.Get(ctx, versionKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == schemaVersion, nil
}

// Rebuild repopulates the index from the catalog in batches and stamps the
// version marker last, so a crash mid-rebuild leaves the index invalid
// rather than partially trusted. Concurrent callers share one rebuild.
func (i *Index) Rebuild(ctx context.Context) error {
	_, err, _ := i.rebuilds.Do("rebuild", func() (interface{}, error) {
		return nil, i.rebuild(ctx)
	})
	return err
}

func (i *Index) rebuild(ctx context.Context) error {
	start := time.Now()
	logging.Info("Rebuilding navigation index")

	if err := i.flush(ctx); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}

	var count int64
	for skip := 0; ; skip += i.rebuildBatch {
		batch, err := i.cat.FindCollectionSummariesPaged(ctx,
			catalog.CollectionFilter{}, catalog.SortByUpdatedAt, "asc", skip, i.rebuildBatch)
		if err != nil {
			return fmt.Errorf("load rebuild batch at %d: %w", skip, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, s := range batch {
			if err := i.AddOrUpdate(ctx, s); err != nil {
				return err
			}
			count++
		}
		if len(batch) < i.rebuildBatch {
			break
		}
	}

	if err := i.rdb.Set(ctx, versionKey, schemaVersion, 0).Err(); err != nil {
		return fmt.Errorf("stamp index version: %w", err)
	}

	metrics.IndexRebuildsTotal.Inc()
	metrics.IndexEntries.Set(float64(count))
	logging.Info("Navigation index rebuilt: %d collections in %s", count, time.Since(start).Round(time.Millisecond))
	return nil
}

// flush deletes every index key, including the version marker, making the
// index invalid for the duration of the rebuild.
func (i *Index) flush(ctx context.Context) error {
	if err := i.rdb.Del(ctx, versionKey).Err(); err != nil {
		return err
	}
	for _, pattern := range []string{"idx:*", "data:*"} {
		iter := i.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) >= 500 {
				if err := i.rdb.Del(ctx, keys...).Err(); err != nil {
					return err
				}
				keys = keys[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := i.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// CacheThumb stores an encoded thumbnail payload with the configured TTL.
func (i *Index) CacheThumb(ctx context.Context, id string, data []byte) error {
	return i.rdb.Set(ctx, thumbKey(id), data, i.thumbTTL).Err()
}

// BatchCacheThumbs stores several thumbnail payloads in one round trip.
func (i *Index) BatchCacheThumbs(ctx context.Context, thumbs map[string][]byte) error {
	if len(thumbs) == 0 {
		return nil
	}
	pipe := i.rdb.Pipeline()
	for id, data := range thumbs {
		pipe.Set(ctx, thumbKey(id), data, i.thumbTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Thumb fetches a cached thumbnail payload. Returns ok=false on a miss.
func (i *Index) Thumb(ctx context.Context, id string) ([]byte, bool, error) {
	data, err := i.rdb.Get(ctx, thumbKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (i *Index) rangeIDs(ctx context.Context, key, direction string, start, stop int64) ([]string, error) {
	if stop < start {
		return nil, nil
	}
	if isDescending(direction) {
		return i.rdb.ZRevRange(ctx, key, start, stop).Result()
	}
	return i.rdb.ZRange(ctx, key, start, stop).Result()
}

func (i *Index) summaries(ctx context.Context, ids []string) ([]catalog.CollectionSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := i.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for n, id := range ids {
		cmds[n] = pipe.HGetAll(ctx, dataKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]catalog.CollectionSummary, 0, len(ids))
	for n, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// Hash missing for a ranked member: self-heal from the catalog.
			col, cerr := i.cat.GetCollection(ctx, ids[n])
			if cerr != nil {
				continue
			}
			s := col.Summary()
			_ = i.AddOrUpdate(ctx, s)
			out = append(out, s)
			continue
		}
		out = append(out, summaryFromFields(fields))
	}
	return out, nil
}

func (i *Index) pageFromCatalog(ctx context.Context, q PageQuery) ([]catalog.CollectionSummary, int64, error) {
	metrics.IndexOperationsTotal.WithLabelValues("page", "fallback").Inc()

	filter := catalog.CollectionFilter{LibraryID: q.LibraryID, Type: catalog.CollectionType(q.Type)}
	total, err := i.cat.CountCollections(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	summaries, err := i.cat.FindCollectionSummariesPaged(ctx, filter, q.SortField, q.Direction, int(q.Skip), int(q.Limit))
	if err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

func (i *Index) siblingsFromCatalog(ctx context.Context, id string, q PageQuery) (*SiblingWindow, error) {
	metrics.IndexOperationsTotal.WithLabelValues("siblings", "fallback").Inc()

	filter := catalog.CollectionFilter{LibraryID: q.LibraryID, Type: catalog.CollectionType(q.Type)}
	total, err := i.cat.CountCollections(ctx, filter)
	if err != nil {
		return nil, err
	}
	pos, err := i.rankFromCatalog(ctx, id, filter, q)
	if err != nil {
		return nil, err
	}
	start, stop := window(pos, total, q.Limit)
	entries, err := i.cat.FindCollectionSummariesPaged(ctx, filter, q.SortField, q.Direction, int(start), int(stop-start+1))
	if err != nil {
		return nil, err
	}
	return &SiblingWindow{Entries: entries, Position: pos, Total: total}, nil
}

func (i *Index) navigateFromCatalog(ctx context.Context, id string, q PageQuery) (*Position, error) {
	metrics.IndexOperationsTotal.WithLabelValues("navigate", "fallback").Inc()

	filter := catalog.CollectionFilter{LibraryID: q.LibraryID, Type: catalog.CollectionType(q.Type)}
	total, err := i.cat.CountCollections(ctx, filter)
	if err != nil {
		return nil, err
	}
	pos, err := i.rankFromCatalog(ctx, id, filter, q)
	if err != nil {
		return nil, err
	}

	nav := &Position{Rank: pos, Total: total}
	skip := pos - 1
	if skip < 0 {
		skip = 0
	}
	run, err := i.cat.FindCollectionSummariesPaged(ctx, filter, q.SortField, q.Direction, int(skip), 3)
	if err != nil {
		return nil, err
	}
	for n, s := range run {
		switch skip + int64(n) {
		case pos - 1:
			nav.PrevID = s.ID
		case pos + 1:
			nav.NextID = s.ID
		}
	}
	return nav, nil
}

// rankFromCatalog locates id within the catalog's scoped sort order by
// paging through it. Linear in the scope size, but it only runs while the
// index is unavailable.
func (i *Index) rankFromCatalog(ctx context.Context, id string, filter catalog.CollectionFilter, q PageQuery) (int64, error) {
	for skip := 0; ; skip += i.rebuildBatch {
		batch, err := i.cat.FindCollectionSummariesPaged(ctx, filter, q.SortField, q.Direction, skip, i.rebuildBatch)
		if err != nil {
			return 0, err
		}
		for n, s := range batch {
			if s.ID == id {
				return int64(skip + n), nil
			}
		}
		if len(batch) < i.rebuildBatch {
			return 0, ErrNotIndexed
		}
	}
}

func isDescending(direction string) bool {
	return direction == "desc" || direction == "DESC"
}

func summaryFields(s catalog.CollectionSummary) map[string]interface{} {
	return map[string]interface{}{
		"id":             s.ID,
		"libraryId":      s.LibraryID,
		"name":           s.Name,
		"path":           s.Path,
		"type":           string(s.Type),
		"imageCount":     strconv.FormatInt(s.ImageCount, 10),
		"totalSizeBytes": strconv.FormatInt(s.TotalSizeBytes, 10),
		"createdAt":      strconv.FormatInt(s.CreatedAt.Unix(), 10),
		"updatedAt":      strconv.FormatInt(s.UpdatedAt.Unix(), 10),
	}
}

func summaryFromFields(fields map[string]string) catalog.CollectionSummary {
	atoi := func(k string) int64 {
		v, _ := strconv.ParseInt(fields[k], 10, 64)
		return v
	}
	return catalog.CollectionSummary{
		ID:             fields["id"],
		LibraryID:      fields["libraryId"],
		Name:           fields["name"],
		Path:           fields["path"],
		Type:           catalog.CollectionType(fields["type"]),
		ImageCount:     atoi("imageCount"),
		TotalSizeBytes: atoi("totalSizeBytes"),
		CreatedAt:      time.Unix(atoi("createdAt"), 0).UTC(),
		UpdatedAt:      time.Unix(atoi("updatedAt"), 0).UTC(),
	}
}
