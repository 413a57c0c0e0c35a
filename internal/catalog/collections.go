package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sort fields accepted by FindCollectionsPaged and the navigation index.
const (
	SortByUpdatedAt  = "updatedAt"
	SortByCreatedAt  = "createdAt"
	SortByName       = "name"
	SortByImageCount = "imageCount"
	SortByTotalSize  = "totalSize"
)

// SortFields lists every whitelisted collection sort field.
var SortFields = []string{SortByUpdatedAt, SortByCreatedAt, SortByName, SortByImageCount, SortByTotalSize}

// sortExpr maps a whitelisted sort field to its SQL ordering expression.
// Unknown fields fall back to updated_at. The secondary sort on id makes the
// order stable for equal keys, matching the index's tie-break.
func sortExpr(field, direction string) string {
	dir := "ASC"
	if strings.EqualFold(direction, "desc") {
		dir = "DESC"
	}
	col := "updated_at"
	switch field {
	case SortByCreatedAt:
		col = "created_at"
	case SortByName:
		col = "name COLLATE NOCASE"
	case SortByImageCount:
		col = "image_count"
	case SortByTotalSize:
		col = "total_size_bytes"
	}
	return fmt.Sprintf("%s %s, id %s", col, dir, dir)
}

// CollectionFilter narrows collection queries. Zero values mean "any".
type CollectionFilter struct {
	LibraryID string
	Type      CollectionType
}

func (f CollectionFilter) where() (string, []interface{}) {
	clauses := []string{"is_deleted = 0"}
	var args []interface{}
	if f.LibraryID != "" {
		clauses = append(clauses, "library_id = ?")
		args = append(args, f.LibraryID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	return strings.Join(clauses, " AND "), args
}

const collectionColumns = `id, library_id, name, path, type, settings, images, thumbnails, cache_images,
	image_count, total_size_bytes, is_deleted, created_at, updated_at`

func scanCollection(row interface{ Scan(...interface{}) error }) (*Collection, error) {
	var (
		c                                         Collection
		settings, images, thumbnails, cacheImages string
		isDeleted                                 int
		createdAt, updatedAt                      int64
	)
	err := row.Scan(&c.ID, &c.LibraryID, &c.Name, &c.Path, &c.Type, &settings, &images,
		&thumbnails, &cacheImages, &c.Statistics.ImageCount, &c.Statistics.TotalSizeBytes,
		&isDeleted, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
		return nil, fmt.Errorf("collection %s: bad settings: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(images), &c.Images); err != nil {
		return nil, fmt.Errorf("collection %s: bad images array: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(thumbnails), &c.Thumbnails); err != nil {
		return nil, fmt.Errorf("collection %s: bad thumbnails array: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(cacheImages), &c.CacheImages); err != nil {
		return nil, fmt.Errorf("collection %s: bad cacheImages array: %w", c.ID, err)
	}
	c.IsDeleted = isDeleted != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

// CreateCollection inserts a new empty collection and returns it.
func (c *Catalog) CreateCollection(ctx context.Context, libraryID, name, path string, typ CollectionType, settings CollectionSettings) (_ *Collection, err error) {
	defer observe("create_collection", time.Now(), err)

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}

	col := &Collection{
		ID:        NewID(),
		LibraryID: libraryID,
		Name:      name,
		Path:      path,
		Type:      typ,
		Settings:  settings,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		INSERT INTO collections (id, library_id, name, path, type, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		col.ID, libraryID, name, path, string(typ), string(settingsJSON),
		col.CreatedAt.Unix(), col.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", path, err)
	}
	return col, nil
}

// GetCollection returns a collection by id, including soft-deleted ones so
// consumers can distinguish "deleted" from "missing".
func (c *Catalog) GetCollection(ctx context.Context, id string) (_ *Collection, err error) {
	defer observe("get_collection", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := c.db.QueryRowContext(opCtx,
		"SELECT "+collectionColumns+" FROM collections WHERE id = ?", id)
	col, err := scanCollection(row)
	return col, err
}

// GetCollectionByPath returns the non-deleted collection at path, or ErrNotFound.
func (c *Catalog) GetCollectionByPath(ctx context.Context, path string) (_ *Collection, err error) {
	defer observe("get_collection_by_path", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := c.db.QueryRowContext(opCtx,
		"SELECT "+collectionColumns+" FROM collections WHERE path = ? AND is_deleted = 0", path)
	col, err := scanCollection(row)
	return col, err
}

// AppendImage appends an image record to the collection's embedded array in
// a single statement, guarded by relativePath uniqueness so redelivered scan
// work cannot produce duplicates. The denormalized image_count and
// total_size_bytes move in the same statement. Returns true if the image was
// appended, false if an image with the same relativePath already existed.
func (c *Catalog) AppendImage(ctx context.Context, collectionID string, img ImageEmbedded) (_ bool, err error) {
	defer observe("append_image", time.Now(), err)

	doc, err := json.Marshal(img)
	if err != nil {
		return false, err
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.db.ExecContext(opCtx, `
		UPDATE collections SET
			images = json_insert(images, '$[#]', json(?1)),
			image_count = image_count + 1,
			total_size_bytes = total_size_bytes + ?2,
			updated_at = ?3
		WHERE id = ?4 AND is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM json_each(collections.images)
			WHERE json_extract(value, '$.relativePath') = ?5
		  )`,
		string(doc), img.SizeBytes, nowUnix(), collectionID, img.RelativePath)
	if err != nil {
		return false, fmt.Errorf("append image to %s: %w", collectionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendThumbnail appends a thumbnail record, guarded by
// (imageId, width, height) uniqueness. Returns true if appended.
func (c *Catalog) AppendThumbnail(ctx context.Context, collectionID string, t ThumbnailEmbedded) (bool, error) {
	return c.appendDerivative(ctx, "append_thumbnail", collectionID, "thumbnails", t.ImageID, t.Width, t.Height, t)
}

// AppendCacheImage appends a cache image record, guarded by
// (imageId, width, height) uniqueness. Returns true if appended.
func (c *Catalog) AppendCacheImage(ctx context.Context, collectionID string, ci CacheImageEmbedded) (bool, error) {
	return c.appendDerivative(ctx, "append_cache_image", collectionID, "cache_images", ci.ImageID, ci.Width, ci.Height, ci)
}

// appendDerivative is the shared single-statement push for both derivative
// arrays. column is trusted (internal constant), never caller input.
func (c *Catalog) appendDerivative(ctx context.Context, op, collectionID, column, imageID string, w, h int, record interface{}) (_ bool, err error) {
	defer observe(op, time.Now(), err)

	doc, err := json.Marshal(record)
	if err != nil {
		return false, err
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE collections SET
			%[1]s = json_insert(%[1]s, '$[#]', json(?1)),
			updated_at = ?2
		WHERE id = ?3 AND is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM json_each(collections.%[1]s)
			WHERE json_extract(value, '$.imageId') = ?4
			  AND json_extract(value, '$.width') = ?5
			  AND json_extract(value, '$.height') = ?6
		  )`, column)

	res, err := c.db.ExecContext(opCtx, query, string(doc), nowUnix(), collectionID, imageID, w, h)
	if err != nil {
		return false, fmt.Errorf("append %s to %s: %w", column, collectionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearDerivatives empties both derivative arrays; used by force-rescan
// before the collection is re-enumerated.
func (c *Catalog) ClearDerivatives(ctx context.Context, collectionID string) (err error) {
	defer observe("clear_derivatives", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		UPDATE collections SET thumbnails = '[]', cache_images = '[]', updated_at = ?
		WHERE id = ?`, nowUnix(), collectionID)
	return err
}

// PullImage soft-deletes the embedded image with the given relative path.
// The record stays in the array (so derivative invariants keep holding) but
// is flagged, and the denormalized counters move down in the same statement.
func (c *Catalog) PullImage(ctx context.Context, collectionID, relativePath string) (err error) {
	defer observe("pull_image", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	// json_each yields the array index as key; json_set flips the flag in place.
	_, err = c.db.ExecContext(opCtx, `
		UPDATE collections SET
			images = (
				SELECT json_group_array(json(CASE
					WHEN json_extract(value, '$.relativePath') = ?1
					THEN json_set(value, '$.isDeleted', json('true'))
					ELSE value
				END))
				FROM json_each(collections.images)
			),
			image_count = MAX(0, image_count - 1),
			total_size_bytes = MAX(0, total_size_bytes - IFNULL((
				SELECT json_extract(value, '$.sizeBytes') FROM json_each(collections.images)
				WHERE json_extract(value, '$.relativePath') = ?1
				  AND json_extract(value, '$.isDeleted') = 0
			), 0)),
			updated_at = ?2
		WHERE id = ?3 AND is_deleted = 0
		  AND EXISTS (
			SELECT 1 FROM json_each(collections.images)
			WHERE json_extract(value, '$.relativePath') = ?1
			  AND json_extract(value, '$.isDeleted') = 0
		  )`,
		relativePath, nowUnix(), collectionID)
	return err
}

// SoftDeleteCollection marks a collection deleted without dropping its row.
func (c *Catalog) SoftDeleteCollection(ctx context.Context, id string) (err error) {
	defer observe("soft_delete_collection", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx,
		"UPDATE collections SET is_deleted = 1, updated_at = ? WHERE id = ?", nowUnix(), id)
	return err
}

// ListDeletedCollectionsWithCacheImages returns soft-deleted collections
// that still carry cache image records. The cleanup job uses this to find
// orphaned cache files; once purged, ClearDerivatives empties the records
// and the collection drops out of this result.
func (c *Catalog) ListDeletedCollectionsWithCacheImages(ctx context.Context) (_ []*Collection, err error) {
	defer observe("list_deleted_with_cache", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(opCtx,
		"SELECT "+collectionColumns+" FROM collections WHERE is_deleted = 1 AND json_array_length(cache_images) > 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

// CountCollections counts non-deleted collections matching the filter.
func (c *Catalog) CountCollections(ctx context.Context, filter CollectionFilter) (_ int64, err error) {
	defer observe("count_collections", time.Now(), err)

	where, args := filter.where()

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var n int64
	err = c.db.QueryRowContext(opCtx, "SELECT COUNT(*) FROM collections WHERE "+where, args...).Scan(&n)
	return n, err
}

// FindCollectionSummariesPaged returns one page of collection summaries in
// the given order. This is the projection read behind both the navigation
// index rebuild and the index's catalog fallback, so the ordering here is
// the reference ordering the index must reproduce.
func (c *Catalog) FindCollectionSummariesPaged(ctx context.Context, filter CollectionFilter, sortField, direction string, skip, limit int) (_ []CollectionSummary, err error) {
	defer observe("find_summaries_paged", time.Now(), err)

	where, args := filter.where()
	query := fmt.Sprintf(`
		SELECT id, library_id, name, path, type, image_count, total_size_bytes, created_at, updated_at
		FROM collections WHERE %s ORDER BY %s LIMIT ? OFFSET ?`,
		where, sortExpr(sortField, direction))
	args = append(args, limit, skip)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CollectionSummary
	for rows.Next() {
		var (
			s                    CollectionSummary
			createdAt, updatedAt int64
		)
		if err = rows.Scan(&s.ID, &s.LibraryID, &s.Name, &s.Path, &s.Type,
			&s.ImageCount, &s.TotalSizeBytes, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.CreatedAt = time.Unix(createdAt, 0).UTC()
		s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Summary returns the collection's summary projection.
func (col *Collection) Summary() CollectionSummary {
	return CollectionSummary{
		ID:             col.ID,
		LibraryID:      col.LibraryID,
		Name:           col.Name,
		Path:           col.Path,
		Type:           col.Type,
		ImageCount:     col.Statistics.ImageCount,
		TotalSizeBytes: col.Statistics.TotalSizeBytes,
		CreatedAt:      col.CreatedAt,
		UpdatedAt:      col.UpdatedAt,
	}
}
