package groups

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestClockFallsBackToCreatedAt(t *testing.T) {
	g := Group{ID: "g1", CreatedAt: 100}
	if got := g.Clock(); got != 100 {
		t.Fatalf("expected createdAt fallback 100, got %d", got)
	}
	g.UpdatedAt = 250
	if got := g.Clock(); got != 250 {
		t.Fatalf("expected updatedAt 250, got %d", got)
	}
}

func TestAddToTopAssignsOrderBelowMinimum(t *testing.T) {
	existing := []Group{
		{ID: "a", Order: 2},
		{ID: "b", Order: 5},
	}
	out := AddToTop(existing, Group{ID: "new", Order: 999})
	if len(out) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(out))
	}
	if out[2].ID != "new" || out[2].Order != 1 {
		t.Fatalf("expected new group with order 1, got %+v", out[2])
	}
	if existing[0].Order != 2 || len(existing) != 2 {
		t.Fatalf("expected input snapshot to be left untouched")
	}
}

func TestAddToTopOnEmptySnapshot(t *testing.T) {
	out := AddToTop(nil, Group{ID: "first", Order: 42})
	if len(out) != 1 || out[0].Order != -1 {
		t.Fatalf("expected order -1 for first group, got %+v", out)
	}
}

func TestFilterMatchesGroupTitleOrTabs(t *testing.T) {
	in := []Group{
		{ID: "g1", Title: "Research", Items: []TabItem{{ID: "t1", Title: "Go blog", URL: "https://go.dev/blog"}, {ID: "t2", Title: "News", URL: "https://news.example"}}},
		{ID: "g2", Title: "Shopping", Items: []TabItem{{ID: "t3", Title: "Cart", URL: "https://shop.example"}, {ID: "t4", Title: "Golang book", URL: "https://books.example"}}},
		{ID: "g3", Title: "Misc", Items: []TabItem{{ID: "t5", Title: "Weather", URL: "https://weather.example"}}},
	}

	if got := Filter(in, "  "); len(got) != 3 {
		t.Fatalf("expected blank query to return all groups, got %d", len(got))
	}

	got := Filter(in, "RESEARCH")
	if len(got) != 1 || got[0].ID != "g1" || len(got[0].Items) != 2 {
		t.Fatalf("expected title match to keep all tabs, got %+v", got)
	}

	got = Filter(in, "go")
	if len(got) != 2 {
		t.Fatalf("expected two groups matching 'go', got %+v", got)
	}
	if got[1].ID != "g2" || len(got[1].Items) != 1 || got[1].Items[0].ID != "t4" {
		t.Fatalf("expected only matching tab kept in g2, got %+v", got[1])
	}
	if len(in[1].Items) != 2 {
		t.Fatalf("expected filter to leave input untouched")
	}
}

func TestSortByOrderBreaksTiesByID(t *testing.T) {
	out := SortByOrder([]Group{{ID: "c", Order: 1}, {ID: "b", Order: 1}, {ID: "a", Order: 0}})
	ids := []string{out[0].ID, out[1].ID, out[2].ID}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestValidateRejectsDuplicateAndEmptyIDs(t *testing.T) {
	if err := Validate([]Group{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("expected valid snapshot, got %v", err)
	}
	err := Validate([]Group{{ID: "a"}, {ID: "a"}})
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot for duplicate, got %v", err)
	}
	err = Validate([]Group{{Title: "no id"}})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || !strings.Contains(vErr.Reason, "no id") {
		t.Fatalf("expected validation error for missing id, got %v", err)
	}
}

func TestTouchKeepsUpdatedAtAtLeastCreatedAt(t *testing.T) {
	g := Touch(Group{ID: "g", CreatedAt: 500}, 100)
	if g.UpdatedAt != 500 {
		t.Fatalf("expected updatedAt clamped to createdAt, got %d", g.UpdatedAt)
	}
	g = Touch(Group{ID: "g"}, 700)
	if g.CreatedAt != 700 || g.UpdatedAt != 700 {
		t.Fatalf("expected createdAt and updatedAt stamped, got %+v", g)
	}
}

func mustHash(t *testing.T, in []Group) string {
	t.Helper()
	hash, err := ContentHash(in)
	if err != nil {
		t.Fatalf("hash snapshot: %v", err)
	}
	return hash
}

func TestContentHashIgnoresOrderAndNilItems(t *testing.T) {
	a := []Group{{ID: "1", Title: "A"}, {ID: "2", Title: "B", Items: []TabItem{}}}
	b := []Group{{ID: "2", Title: "B"}, {ID: "1", Title: "A", Items: []TabItem{}}}
	if mustHash(t, a) != mustHash(t, b) {
		t.Fatalf("expected equal hashes for equivalent snapshots")
	}
	b[0].Title = "changed"
	if mustHash(t, a) == mustHash(t, b) {
		t.Fatalf("expected hash to change with content")
	}
}

func TestContentHashFailsOnUnencodableSnapshot(t *testing.T) {
	hash, err := ContentHash([]Group{{ID: "g1", Order: math.NaN()}})
	if err == nil {
		t.Fatalf("expected an error for a NaN order, got hash %q", hash)
	}
}

func TestValidateRejectsNonFiniteOrder(t *testing.T) {
	for _, order := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := Validate([]Group{{ID: "g1", Order: order}})
		if !errors.Is(err, ErrInvalidSnapshot) {
			t.Fatalf("expected ErrInvalidSnapshot for order %v, got %v", order, err)
		}
	}
}
