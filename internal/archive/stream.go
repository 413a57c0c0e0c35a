package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"

	"media-ingest/internal/catalog"
	"media-ingest/internal/filesystem"
)

// ErrEntryNotFound is returned when an archive does not contain the
// requested entry.
var ErrEntryNotFound = fmt.Errorf("archive: entry not found")

// OpenStream opens a byte stream for a full path that may reference an
// archive entry ("dir/book.zip#page01.jpg"). Legacy backslash refs are
// rewritten first, so callers can pass stored paths as-is.
func OpenStream(fullPath string) (io.ReadCloser, error) {
	fullPath = FixLegacyEntryPath(fullPath)

	archivePath, entryPath, isEntry := SplitEntryRef(fullPath)
	if !isEntry {
		return filesystem.OpenWithRetry(fullPath, filesystem.DefaultRetryConfig())
	}

	typ, ok := DetectType(archivePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, archivePath)
	}

	switch typ {
	case catalog.CollectionTypeZip, catalog.CollectionTypeCbz:
		return openZipEntry(archivePath, entryPath)
	case catalog.CollectionTypeRar, catalog.CollectionTypeCbr:
		return openRarEntry(archivePath, entryPath)
	case catalog.CollectionTypeSevenZip:
		return openSevenZipEntry(archivePath, entryPath)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, archivePath)
	}
}

// entryMatches compares a normalized archive member name against the
// requested entry path, case-insensitively. Archives written on Windows can
// differ from the stored ref only by case or separator.
func entryMatches(memberName, entryPath string) bool {
	return strings.EqualFold(normalizeEntryPath(memberName), normalizeEntryPath(entryPath))
}

// compositeCloser closes an entry reader and then its enclosing archive.
type compositeCloser struct {
	io.Reader
	closers []io.Closer
}

func (c *compositeCloser) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openZipEntry(archivePath, entryPath string) (io.ReadCloser, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", archivePath, err)
	}
	for _, f := range r.File {
		if !entryMatches(f.Name, entryPath) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open zip entry %s#%s: %w", archivePath, entryPath, err)
		}
		return &compositeCloser{Reader: rc, closers: []io.Closer{rc, r}}, nil
	}
	r.Close()
	return nil, fmt.Errorf("%w: %s#%s", ErrEntryNotFound, archivePath, entryPath)
}

func openRarEntry(archivePath, entryPath string) (io.ReadCloser, error) {
	r, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open rar %s: %w", archivePath, err)
	}
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("read rar %s: %w", archivePath, err)
		}
		if hdr.IsDir || !entryMatches(hdr.Name, entryPath) {
			continue
		}
		// The reader is positioned at the matched entry; hand it off.
		return &compositeCloser{Reader: r, closers: []io.Closer{r}}, nil
	}
	r.Close()
	return nil, fmt.Errorf("%w: %s#%s", ErrEntryNotFound, archivePath, entryPath)
}

func openSevenZipEntry(archivePath, entryPath string) (io.ReadCloser, error) {
	r, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open 7z %s: %w", archivePath, err)
	}
	for _, f := range r.File {
		if !entryMatches(f.Name, entryPath) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open 7z entry %s#%s: %w", archivePath, entryPath, err)
		}
		return &compositeCloser{Reader: rc, closers: []io.Closer{rc, r}}, nil
	}
	r.Close()
	return nil, fmt.Errorf("%w: %s#%s", ErrEntryNotFound, archivePath, entryPath)
}

// ReadEntryBytes reads an entire archive entry or file into memory.
// Intended for image sources, which are bounded by decode limits anyway.
func ReadEntryBytes(fullPath string) ([]byte, error) {
	rc, err := OpenStream(fullPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// StatSource stats the path component that exists on disk: for an entry ref
// that is the enclosing archive, otherwise the file itself.
func StatSource(fullPath string) (os.FileInfo, error) {
	fullPath = FixLegacyEntryPath(fullPath)
	archivePath, _, _ := SplitEntryRef(fullPath)
	return filesystem.StatWithRetry(archivePath, filesystem.DefaultRetryConfig())
}
