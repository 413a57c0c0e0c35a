package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const cacheFolderColumns = `id, path, priority, is_active, current_size_bytes, total_files,
	total_collections, cached_collection_ids, created_at, updated_at`

func scanCacheFolder(row interface{ Scan(...interface{}) error }) (*CacheFolder, error) {
	var (
		f                    CacheFolder
		isActive             int
		cachedIDs            string
		createdAt, updatedAt int64
	)
	err := row.Scan(&f.ID, &f.Path, &f.Priority, &isActive, &f.CurrentSizeBytes,
		&f.TotalFiles, &f.TotalCollections, &cachedIDs, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(cachedIDs), &f.CachedCollectionIDs); err != nil {
		return nil, fmt.Errorf("cache folder %s: bad id set: %w", f.ID, err)
	}
	f.IsActive = isActive != 0
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	f.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &f, nil
}

// CreateCacheFolder registers a cache target directory.
func (c *Catalog) CreateCacheFolder(ctx context.Context, path string, priority int) (_ *CacheFolder, err error) {
	defer observe("create_cache_folder", time.Now(), err)

	f := &CacheFolder{
		ID:                  NewID(),
		Path:                path,
		Priority:            priority,
		IsActive:            true,
		CachedCollectionIDs: []string{},
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		INSERT INTO cache_folders (id, path, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, path, priority, f.CreatedAt.Unix(), f.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create cache folder %s: %w", path, err)
	}
	return f, nil
}

// GetCacheFolder returns one cache folder by id.
func (c *Catalog) GetCacheFolder(ctx context.Context, id string) (_ *CacheFolder, err error) {
	defer observe("get_cache_folder", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := c.db.QueryRowContext(opCtx,
		"SELECT "+cacheFolderColumns+" FROM cache_folders WHERE id = ?", id)
	return scanCacheFolder(row)
}

// ListActiveCacheFolders returns active folders ordered by priority
// ascending, the order the selector walks them in.
func (c *Catalog) ListActiveCacheFolders(ctx context.Context) (_ []*CacheFolder, err error) {
	defer observe("list_active_cache_folders", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(opCtx,
		"SELECT "+cacheFolderColumns+" FROM cache_folders WHERE is_active = 1 ORDER BY priority, path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CacheFolder
	for rows.Next() {
		f, err := scanCacheFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecordCacheFile accounts one written cache file on its folder: size and
// file counters are incremented, the collection id is added to the set if
// absent, and totalCollections is recomputed from the resulting set, all
// inside one statement, so totalCollections can never drift from the set's
// cardinality no matter how many consumers race.
func (c *Catalog) RecordCacheFile(ctx context.Context, folderID, collectionID string, sizeBytes int64) (err error) {
	defer observe("record_cache_file", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	// Assignments in an UPDATE see the pre-update row, so the merged id set
	// expression is repeated for total_collections rather than referencing
	// the assigned column.
	_, err = c.db.ExecContext(opCtx, `
		UPDATE cache_folders SET
			cached_collection_ids = CASE
				WHEN EXISTS (SELECT 1 FROM json_each(cached_collection_ids) WHERE value = ?1)
				THEN cached_collection_ids
				ELSE json_insert(cached_collection_ids, '$[#]', ?1)
			END,
			total_collections = json_array_length(CASE
				WHEN EXISTS (SELECT 1 FROM json_each(cached_collection_ids) WHERE value = ?1)
				THEN cached_collection_ids
				ELSE json_insert(cached_collection_ids, '$[#]', ?1)
			END),
			current_size_bytes = current_size_bytes + ?2,
			total_files = total_files + 1,
			updated_at = ?3
		WHERE id = ?4`,
		collectionID, sizeBytes, nowUnix(), folderID)
	return err
}

// RemoveCacheFile accounts one deleted cache file. Decrements clamp at zero
// so a double delete cannot drive the counters negative. The collection id
// is only pulled from the set when removeCollection is true (the caller
// knows it removed the collection's last file from this folder).
func (c *Catalog) RemoveCacheFile(ctx context.Context, folderID, collectionID string, sizeBytes int64, removeCollection bool) (err error) {
	defer observe("remove_cache_file", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if !removeCollection {
		_, err = c.db.ExecContext(opCtx, `
			UPDATE cache_folders SET
				current_size_bytes = MAX(0, current_size_bytes - ?1),
				total_files = MAX(0, total_files - 1),
				updated_at = ?2
			WHERE id = ?3`,
			sizeBytes, nowUnix(), folderID)
		return err
	}

	_, err = c.db.ExecContext(opCtx, `
		UPDATE cache_folders SET
			cached_collection_ids = (
				SELECT IFNULL(json_group_array(value), '[]')
				FROM json_each(cached_collection_ids) WHERE value <> ?1
			),
			total_collections = (
				SELECT COUNT(*) FROM json_each(cached_collection_ids) WHERE value <> ?1
			),
			current_size_bytes = MAX(0, current_size_bytes - ?2),
			total_files = MAX(0, total_files - 1),
			updated_at = ?3
		WHERE id = ?4`,
		collectionID, sizeBytes, nowUnix(), folderID)
	return err
}

// SetCacheFolderActive flips the active flag; inactive folders stop
// receiving new cache files but keep their accounting.
func (c *Catalog) SetCacheFolderActive(ctx context.Context, id string, active bool) (err error) {
	defer observe("set_cache_folder_active", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx,
		"UPDATE cache_folders SET is_active = ?, updated_at = ? WHERE id = ?",
		boolInt(active), nowUnix(), id)
	return err
}
