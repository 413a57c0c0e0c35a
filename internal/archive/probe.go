package archive

import (
	"archive/zip"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"

	"media-ingest/internal/catalog"
)

// ErrUnsupported is returned when a path is neither a directory nor a
// recognized archive.
var ErrUnsupported = fmt.Errorf("archive: unsupported path type")

// MaxEntries bounds archive enumeration; 0 means unbounded. Deployment
// tunable, set once at startup.
var MaxEntries = 0

// ErrTooManyEntries is returned when an archive exceeds MaxEntries.
var ErrTooManyEntries = fmt.Errorf("archive: entry count exceeds limit")

// imageExtensions are the file types the pipeline ingests.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// archiveTypes maps archive extensions to their collection type.
var archiveTypes = map[string]catalog.CollectionType{
	".zip": catalog.CollectionTypeZip,
	".cbz": catalog.CollectionTypeCbz,
	".rar": catalog.CollectionTypeRar,
	".cbr": catalog.CollectionTypeCbr,
	".7z":  catalog.CollectionTypeSevenZip,
}

// IsImageFile reports whether the filename has a supported image extension.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// DetectType classifies a path by extension. Non-archive paths report
// CollectionTypeFolder with ok=false.
func DetectType(path string) (catalog.CollectionType, bool) {
	if t, found := archiveTypes[strings.ToLower(filepath.Ext(path))]; found {
		return t, true
	}
	return catalog.CollectionTypeFolder, false
}

// Entry is one member of an archive's table of contents.
type Entry struct {
	Path  string
	Size  int64
	IsDir bool
}

// isMacOSMetadata reports whether a normalized entry path is macOS archive
// junk: a "__MACOSX" segment anywhere in the path (zip tools created on
// macOS prepend a parallel tree of AppleDouble files under it).
func isMacOSMetadata(entryPath string) bool {
	for _, seg := range strings.Split(entryPath, "/") {
		if strings.EqualFold(seg, "__macosx") {
			return true
		}
	}
	return false
}

// normalizeEntryPath converts an archive member name to forward slashes and
// strips any leading slash.
func normalizeEntryPath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimPrefix(name, "/")
}

// EnumerateFolders lists directories under root. With recurse=false only the
// immediate children are returned; with recurse=true the whole subtree,
// depth-first, root excluded. Hidden directories (dot-prefixed) are skipped.
func EnumerateFolders(root string, recurse bool) ([]string, error) {
	var dirs []string
	if !recurse {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				dirs = append(dirs, filepath.Join(root, e.Name()))
			}
		}
		return dirs, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// EnumerateEntries returns an archive's table of contents with entry paths
// normalized to forward slashes and macOS metadata filtered out.
func EnumerateEntries(archivePath string) ([]Entry, error) {
	typ, ok := DetectType(archivePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, archivePath)
	}

	switch typ {
	case catalog.CollectionTypeZip, catalog.CollectionTypeCbz:
		return enumerateZip(archivePath)
	case catalog.CollectionTypeRar, catalog.CollectionTypeCbr:
		return enumerateRar(archivePath)
	case catalog.CollectionTypeSevenZip:
		return enumerateSevenZip(archivePath)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, archivePath)
	}
}

func appendEntry(entries []Entry, e Entry) ([]Entry, error) {
	if isMacOSMetadata(e.Path) {
		return entries, nil
	}
	entries = append(entries, e)
	if MaxEntries > 0 && len(entries) > MaxEntries {
		return nil, ErrTooManyEntries
	}
	return entries, nil
}

func enumerateZip(path string) ([]Entry, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", path, err)
	}
	defer r.Close()

	var entries []Entry
	for _, f := range r.File {
		entries, err = appendEntry(entries, Entry{
			Path:  normalizeEntryPath(f.Name),
			Size:  int64(f.UncompressedSize64),
			IsDir: f.FileInfo().IsDir(),
		})
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func enumerateRar(path string) ([]Entry, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open rar %s: %w", path, err)
	}
	defer r.Close()

	var entries []Entry
	for {
		hdr, err := r.Next()
		if err != nil {
			break // io.EOF ends the volume; other errors end enumeration too
		}
		entries, err = appendEntry(entries, Entry{
			Path:  normalizeEntryPath(hdr.Name),
			Size:  hdr.UnPackedSize,
			IsDir: hdr.IsDir,
		})
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func enumerateSevenZip(path string) ([]Entry, error) {
	r, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open 7z %s: %w", path, err)
	}
	defer r.Close()

	var entries []Entry
	for _, f := range r.File {
		info := f.FileInfo()
		entries, err = appendEntry(entries, Entry{
			Path:  normalizeEntryPath(f.Name),
			Size:  info.Size(),
			IsDir: info.IsDir(),
		})
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// HasSupportedImage reports whether a directory (recursively) or an archive
// (by table of contents) contains at least one supported image. Archives
// nested inside a directory also count: they become collections of their own.
func HasSupportedImage(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	if !info.IsDir() {
		if _, isArchive := DetectType(path); !isArchive {
			return IsImageFile(path), nil
		}
		entries, err := EnumerateEntries(path)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if !e.IsDir && IsImageFile(e.Path) {
				return true, nil
			}
		}
		return false, nil
	}

	found := false
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		if _, isArchive := DetectType(p); isArchive || IsImageFile(p) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
