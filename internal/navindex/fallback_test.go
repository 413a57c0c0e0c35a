package navindex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"media-ingest/internal/catalog"
)

// seedCollections creates one library with collections named a..e and
// returns the ids keyed by name. Name order is the reference ordering.
func seedCollections(t *testing.T) (*catalog.Catalog, string, map[string]string) {
	t.Helper()
	c, err := catalog.New(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	lib, err := c.CreateLibrary(ctx, "main", "/lib", "owner", catalog.LibrarySettings{})
	if err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	ids := make(map[string]string)
	for _, name := range []string{"c", "a", "e", "b", "d"} {
		col, err := c.CreateCollection(ctx, lib.ID, name, "/lib/"+name, catalog.CollectionTypeFolder, catalog.CollectionSettings{})
		if err != nil {
			t.Fatalf("CreateCollection %s: %v", name, err)
		}
		ids[name] = col.ID
	}
	return c, lib.ID, ids
}

// The catalog must be able to answer sibling queries on its own, in the
// same order the ranked sets would use, whenever the index cannot.
func TestSiblingsFromCatalog(t *testing.T) {
	c, libID, ids := seedCollections(t)
	idx := New(nil, c, WithRebuildBatch(2))
	ctx := context.Background()

	q := PageQuery{LibraryID: libID, SortField: catalog.SortByName, Direction: "asc", Limit: 2}
	win, err := idx.siblingsFromCatalog(ctx, ids["c"], q)
	if err != nil {
		t.Fatalf("siblingsFromCatalog: %v", err)
	}
	if win.Position != 2 || win.Total != 5 {
		t.Errorf("position/total = %d/%d, want 2/5", win.Position, win.Total)
	}
	got := make([]string, len(win.Entries))
	for n, e := range win.Entries {
		got[n] = e.Name
	}
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("window = %v, want %v", got, want)
	}
	for n := range want {
		if got[n] != want[n] {
			t.Errorf("window[%d] = %s, want %s", n, got[n], want[n])
		}
	}

	// Boundary member: the window shifts instead of shrinking.
	win, err = idx.siblingsFromCatalog(ctx, ids["a"], q)
	if err != nil {
		t.Fatalf("siblingsFromCatalog at boundary: %v", err)
	}
	if win.Position != 0 || len(win.Entries) != 3 {
		t.Errorf("boundary window position %d size %d, want 0 and 3", win.Position, len(win.Entries))
	}

	if _, err := idx.siblingsFromCatalog(ctx, "no-such-id", q); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("unknown id error = %v, want ErrNotIndexed", err)
	}
}

func TestNavigateFromCatalog(t *testing.T) {
	c, libID, ids := seedCollections(t)
	idx := New(nil, c, WithRebuildBatch(2))
	ctx := context.Background()

	tests := []struct {
		name               string
		id                 string
		direction          string
		wantRank           int64
		wantPrev, wantNext string
	}{
		{"middle ascending", ids["c"], "asc", 2, ids["b"], ids["d"]},
		{"first ascending", ids["a"], "asc", 0, "", ids["b"]},
		{"last ascending", ids["e"], "asc", 4, ids["d"], ""},
		{"middle descending", ids["c"], "desc", 2, ids["d"], ids["b"]},
		{"first descending", ids["e"], "desc", 0, "", ids["d"]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := PageQuery{LibraryID: libID, SortField: catalog.SortByName, Direction: tt.direction}
			nav, err := idx.navigateFromCatalog(ctx, tt.id, q)
			if err != nil {
				t.Fatalf("navigateFromCatalog: %v", err)
			}
			if nav.Rank != tt.wantRank || nav.Total != 5 {
				t.Errorf("rank/total = %d/%d, want %d/5", nav.Rank, nav.Total, tt.wantRank)
			}
			if nav.PrevID != tt.wantPrev || nav.NextID != tt.wantNext {
				t.Errorf("prev/next = %q/%q, want %q/%q", nav.PrevID, nav.NextID, tt.wantPrev, tt.wantNext)
			}
		})
	}

	q := PageQuery{LibraryID: libID, SortField: catalog.SortByName, Direction: "asc"}
	if _, err := idx.navigateFromCatalog(ctx, "no-such-id", q); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("unknown id error = %v, want ErrNotIndexed", err)
	}
}

// rankFromCatalog pages with the rebuild batch size; a rank beyond the
// first page must still resolve.
func TestRankFromCatalogCrossesBatches(t *testing.T) {
	c, libID, ids := seedCollections(t)
	idx := New(nil, c, WithRebuildBatch(2))
	ctx := context.Background()

	q := PageQuery{LibraryID: libID, SortField: catalog.SortByName, Direction: "asc"}
	filter := catalog.CollectionFilter{LibraryID: libID}
	pos, err := idx.rankFromCatalog(ctx, ids["e"], filter, q)
	if err != nil {
		t.Fatalf("rankFromCatalog: %v", err)
	}
	if pos != 4 {
		t.Errorf("rank = %d, want 4", pos)
	}
}
