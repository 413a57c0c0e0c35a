package navindex

import (
	"encoding/binary"
	"strings"

	"media-ingest/internal/catalog"
)

// nameScore folds a collection name into a sortable float score: the first
// eight bytes of the lowercased name read as a big-endian integer. Scores
// for names sharing a long prefix may collide; Redis then orders the tied
// members lexicographically by id, which matches the catalog's id
// tie-break, so the two orderings stay aligned.
func nameScore(name string) float64 {
	var b [8]byte
	copy(b[:], strings.ToLower(name))
	return float64(binary.BigEndian.Uint64(b[:]))
}

// scoreFor maps one summary onto the ranked-set score for a sort field.
// Unknown fields score by update time, mirroring the catalog's fallback.
func scoreFor(field string, s catalog.CollectionSummary) float64 {
	switch field {
	case catalog.SortByCreatedAt:
		return float64(s.CreatedAt.Unix())
	case catalog.SortByName:
		return nameScore(s.Name)
	case catalog.SortByImageCount:
		return float64(s.ImageCount)
	case catalog.SortByTotalSize:
		return float64(s.TotalSizeBytes)
	default:
		return float64(s.UpdatedAt.Unix())
	}
}

// window computes the inclusive rank bounds of a sibling window centered on
// pos. The window holds pageSize+1 entries (the center plus pageSize
// neighbors) and shifts rather than shrinks at the edges, so callers always
// receive min(pageSize+1, total) entries.
func window(pos, total, pageSize int64) (start, stop int64) {
	if total == 0 {
		return 0, -1
	}
	half := pageSize / 2
	start = pos - half
	stop = start + pageSize
	if start < 0 {
		start = 0
		stop = pageSize
	}
	if stop > total-1 {
		stop = total - 1
		start = stop - pageSize
		if start < 0 {
			start = 0
		}
	}
	return start, stop
}
