package derivatives

import (
	"errors"
	"hash/fnv"

	"media-ingest/internal/catalog"
)

// ErrNoCacheFolder means every cache folder is inactive or over its soft
// cap; the message should retry after an operator adds capacity.
var ErrNoCacheFolder = errors.New("no cache folder accepts new files")

// pickCacheFolder distributes cache files across the eligible folders by a
// stable hash of the image id, so redelivered messages land in the same
// folder. Folders arrive ordered by priority; the soft cap filters, it
// does not reorder.
func pickCacheFolder(folders []*catalog.CacheFolder, imageID string, softCapBytes int64) (*catalog.CacheFolder, error) {
	eligible := make([]*catalog.CacheFolder, 0, len(folders))
	for _, f := range folders {
		if !f.IsActive {
			continue
		}
		if softCapBytes > 0 && f.CurrentSizeBytes >= softCapBytes {
			continue
		}
		eligible = append(eligible, f)
	}
	if len(eligible) == 0 {
		return nil, ErrNoCacheFolder
	}

	h := fnv.New32a()
	h.Write([]byte(imageID))
	return eligible[int(h.Sum32())%len(eligible)], nil
}

// folderForPath finds the cache folder containing a pre-assigned path, for
// accounting when the message already carries its destination.
func folderForPath(folders []*catalog.CacheFolder, path string) *catalog.CacheFolder {
	var best *catalog.CacheFolder
	for _, f := range folders {
		if len(f.Path) <= len(path) && path[:len(f.Path)] == f.Path {
			if best == nil || len(f.Path) > len(best.Path) {
				best = f
			}
		}
	}
	return best
}
