package archive

import (
	"strings"
)

// EntryRefSeparator separates an archive file from the entry inside it in a
// relative path, e.g. "sub/book.zip#page01.jpg". Always '#', never the
// platform path separator, so consumers can split a ref without knowing
// which OS produced it.
const EntryRefSeparator = "#"

// legacySeparators are archive extensions that older records joined to their
// entry with a backslash ("book.zip\page1.jpg"). FixLegacyEntryPath rewrites
// the first such join to the '#' form.
var legacyArchiveExts = []string{".zip", ".cbz", ".rar", ".cbr", ".7z", ".tar", ".gz"}

// NormalizeEntryRef joins an archive path and an entry path into the
// canonical "archive#entry" form. Entry paths always use forward slashes.
// The function is its own fixed point: passing an already-normalized ref
// through again yields the same string.
func NormalizeEntryRef(archivePath, entryPath string) string {
	archivePath = strings.ReplaceAll(archivePath, "\\", "/")
	entryPath = strings.ReplaceAll(entryPath, "\\", "/")
	entryPath = strings.TrimPrefix(entryPath, "/")
	if entryPath == "" {
		return archivePath
	}
	return archivePath + EntryRefSeparator + entryPath
}

// FixLegacyEntryPath rewrites a legacy "archive.zip\entry.jpg" reference to
// the canonical "archive.zip#entry.jpg" form. Paths that already use '#'
// (or contain no archive component) pass through unchanged, so the function
// is idempotent. Consumers apply this to every inbound path.
func FixLegacyEntryPath(p string) string {
	if p == "" || strings.Contains(p, EntryRefSeparator) {
		return p
	}
	for _, ext := range legacyArchiveExts {
		marker := ext + "\\"
		idx := indexFold(p, marker)
		if idx < 0 {
			continue
		}
		cut := idx + len(ext)
		archive := p[:cut]
		entry := strings.ReplaceAll(p[cut+1:], "\\", "/")
		return archive + EntryRefSeparator + entry
	}
	return p
}

// indexFold is strings.Index under case folding, scanning the original
// string so the returned offset is a valid byte index into it. Folding via
// strings.ToLower would shift offsets whenever a rune changes byte length
// when lowercased.
func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

// SplitEntryRef splits "archive#entry" into its parts. ok is false when the
// path carries no entry component (a plain file or directory path).
func SplitEntryRef(p string) (archivePath, entryPath string, ok bool) {
	idx := strings.Index(p, EntryRefSeparator)
	if idx < 0 {
		return p, "", false
	}
	return p[:idx], p[idx+1:], true
}
