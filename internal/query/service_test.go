package query_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikroscope/mikroscope/internal/query"
	"github.com/mikroscope/mikroscope/internal/store"
)

func newTestService(t *testing.T) (*query.Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return query.New(st), st
}

func seedEntries(t *testing.T, st *store.Store, n int) {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, _, err := st.UpsertEntry(store.EntryInput{
			Timestamp:  base.Add(time.Duration(i) * time.Second).Format(store.TimeLayout),
			Level:      "INFO",
			Event:      "seed",
			Message:    "",
			DataJSON:   `{}`,
			SourceFile: "seed.ndjson",
			LineNumber: i + 1,
		})
		if err != nil {
			t.Fatalf("UpsertEntry: %v", err)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := store.Cursor{ID: 42, Timestamp: "2026-08-01T12:00:00.000Z"}
	encoded := query.EncodeCursor(c)
	if encoded == "" {
		t.Fatalf("empty encoded cursor")
	}

	decoded := query.DecodeCursor(encoded)
	if decoded == nil {
		t.Fatalf("decode returned nil")
	}
	if *decoded != c {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeCursorMalformed(t *testing.T) {
	for _, raw := range []string{"", "!!!", "bm90IGpzb24", query.EncodeCursor(store.Cursor{})} {
		if got := query.DecodeCursor(raw); got != nil {
			t.Fatalf("DecodeCursor(%q) = %+v, want nil", raw, got)
		}
	}
}

func TestQueryPagePaginatesToExhaustion(t *testing.T) {
	svc, st := newTestService(t)
	seedEntries(t, st, 3)

	seen := map[int64]bool{}
	cursor := ""
	pages := 0
	for {
		result, err := svc.QueryPage(query.PageOptions{Limit: 1, Cursor: cursor})
		if err != nil {
			t.Fatalf("QueryPage: %v", err)
		}
		pages++
		for _, e := range result.Entries {
			if seen[e.ID] {
				t.Fatalf("entry %d returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		if !result.HasMore {
			if result.NextCursor != "" {
				t.Fatalf("next cursor present on final page")
			}
			break
		}
		if result.NextCursor == "" {
			t.Fatalf("hasMore without next cursor")
		}
		cursor = result.NextCursor
	}
	if pages != 3 || len(seen) != 3 {
		t.Fatalf("pages=%d distinct=%d, want 3/3", pages, len(seen))
	}
}

func TestQueryPageIgnoresMalformedCursor(t *testing.T) {
	svc, st := newTestService(t)
	seedEntries(t, st, 2)

	result, err := svc.QueryPage(query.PageOptions{Limit: 10, Cursor: "garbage"})
	if err != nil {
		t.Fatalf("QueryPage: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("malformed cursor should yield the first page, got %d entries", len(result.Entries))
	}
}

func TestAggregateValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Aggregate(store.Filter{}, "bogus", "", 10); !errors.Is(err, query.ErrInvalidParams) {
		t.Fatalf("invalid groupBy: got %v, want ErrInvalidParams", err)
	}
	if _, err := svc.Aggregate(store.Filter{}, store.GroupByField, "", 10); !errors.Is(err, query.ErrInvalidParams) {
		t.Fatalf("field aggregation without groupField: got %v, want ErrInvalidParams", err)
	}
	if _, err := svc.Aggregate(store.Filter{}, store.GroupByLevel, "", 10); err != nil {
		t.Fatalf("level aggregation rejected: %v", err)
	}
}

func TestCount(t *testing.T) {
	svc, st := newTestService(t)
	seedEntries(t, st, 4)

	count, err := svc.Count(store.Filter{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 4 {
		t.Fatalf("count = %d, want 4", count)
	}
}
