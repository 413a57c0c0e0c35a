package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const libraryColumns = `id, name, root_path, owner_id, settings, statistics, is_deleted, created_at, updated_at`

func scanLibrary(row interface{ Scan(...interface{}) error }) (*Library, error) {
	var (
		l                    Library
		settings, statistics string
		isDeleted            int
		createdAt, updatedAt int64
	)
	err := row.Scan(&l.ID, &l.Name, &l.RootPath, &l.OwnerID, &settings, &statistics,
		&isDeleted, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &l.Settings); err != nil {
		return nil, fmt.Errorf("library %s: bad settings: %w", l.ID, err)
	}
	if err := json.Unmarshal([]byte(statistics), &l.Statistics); err != nil {
		return nil, fmt.Errorf("library %s: bad statistics: %w", l.ID, err)
	}
	l.IsDeleted = isDeleted != 0
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &l, nil
}

// CreateLibrary inserts a new library.
func (c *Catalog) CreateLibrary(ctx context.Context, name, rootPath, ownerID string, settings LibrarySettings) (_ *Library, err error) {
	defer observe("create_library", time.Now(), err)

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}

	l := &Library{
		ID:        NewID(),
		Name:      name,
		RootPath:  rootPath,
		OwnerID:   ownerID,
		Settings:  settings,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = c.db.ExecContext(opCtx, `
		INSERT INTO libraries (id, name, root_path, owner_id, settings, statistics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?, ?)`,
		l.ID, name, rootPath, ownerID, string(settingsJSON), l.CreatedAt.Unix(), l.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create library %s: %w", name, err)
	}
	return l, nil
}

// GetLibrary returns a library by id. Soft-deleted libraries return
// ErrNotFound: consumers treat them the same as missing targets.
func (c *Catalog) GetLibrary(ctx context.Context, id string) (_ *Library, err error) {
	defer observe("get_library", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := c.db.QueryRowContext(opCtx,
		"SELECT "+libraryColumns+" FROM libraries WHERE id = ? AND is_deleted = 0", id)
	return scanLibrary(row)
}

// ListLibraries returns all non-deleted libraries.
func (c *Catalog) ListLibraries(ctx context.Context) (_ []*Library, err error) {
	defer observe("list_libraries", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(opCtx,
		"SELECT "+libraryColumns+" FROM libraries WHERE is_deleted = 0 ORDER BY name COLLATE NOCASE")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Library
	for rows.Next() {
		l, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LibraryStatsDelta is the set of counters IncrementLibraryStats can move.
// Zero fields are left untouched.
type LibraryStatsDelta struct {
	Collections int64
	MediaItems  int64
	SizeBytes   int64
}

// IncrementLibraryStats atomically adjusts library counters in one
// statement. Many consumers call this concurrently for the same library;
// the increments are applied server-side so none are lost. Derivative files
// are deliberately not counted here (they live in cache-folder stats).
func (c *Catalog) IncrementLibraryStats(ctx context.Context, libraryID string, delta LibraryStatsDelta) (err error) {
	defer observe("inc_library_stats", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := nowUnix()
	_, err = c.db.ExecContext(opCtx, `
		UPDATE libraries SET
			statistics = json_set(statistics,
				'$.totalCollections', MAX(0, IFNULL(json_extract(statistics, '$.totalCollections'), 0) + ?1),
				'$.totalMediaItems',  MAX(0, IFNULL(json_extract(statistics, '$.totalMediaItems'), 0) + ?2),
				'$.totalSizeBytes',   MAX(0, IFNULL(json_extract(statistics, '$.totalSizeBytes'), 0) + ?3),
				'$.lastActivityAt',   strftime('%Y-%m-%dT%H:%M:%SZ', ?4, 'unixepoch')),
			updated_at = ?4
		WHERE id = ?5`,
		delta.Collections, delta.MediaItems, delta.SizeBytes, now, libraryID)
	return err
}

// MarkLibraryScanned stamps lastScanAt and bumps scanCount in one statement.
func (c *Catalog) MarkLibraryScanned(ctx context.Context, libraryID string) (err error) {
	defer observe("mark_library_scanned", time.Now(), err)

	opCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := nowUnix()
	_, err = c.db.ExecContext(opCtx, `
		UPDATE libraries SET
			statistics = json_set(statistics,
				'$.lastScanAt', strftime('%Y-%m-%dT%H:%M:%SZ', ?1, 'unixepoch'),
				'$.scanCount', IFNULL(json_extract(statistics, '$.scanCount'), 0) + 1),
			updated_at = ?1
		WHERE id = ?2`,
		now, libraryID)
	return err
}
