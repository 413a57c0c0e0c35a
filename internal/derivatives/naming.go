package derivatives

import (
	"fmt"
	"path/filepath"
)

// thumbFilePath lays out thumbnails under a shard directory derived from
// the image id, keeping any single directory from accumulating millions of
// entries.
func thumbFilePath(root, imageID string, width, height int, format string) string {
	return filepath.Join(root, shardOf(imageID),
		fmt.Sprintf("%s_thumb_%dx%d.%s", imageID, width, height, normalizeExt(format)))
}

// cacheFilePath lays out cache images flat inside their assigned folder;
// cache folders are already a distribution mechanism.
func cacheFilePath(folder, imageID string, width, height int, format string) string {
	return filepath.Join(folder,
		fmt.Sprintf("%s_cache_%dx%d.%s", imageID, width, height, normalizeExt(format)))
}

func shardOf(imageID string) string {
	if len(imageID) < 2 {
		return "00"
	}
	return imageID[:2]
}

func normalizeExt(format string) string {
	switch format {
	case "", "webp":
		return "webp"
	case "jpg", "jpeg":
		return "jpg"
	default:
		return format
	}
}
