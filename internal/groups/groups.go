// Package groups holds the tab group record model shared by the local
// store, the remote adapters and the merge engine.
package groups

import (
	"sort"
	"strings"
)

type TabItem struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	FavIconURL string `json:"favIconUrl,omitempty"`
}

type Group struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Items     []TabItem `json:"items"`
	Pinned    bool      `json:"pinned"`
	Collapsed bool      `json:"collapsed"`
	Order     float64   `json:"order"`
	Color     string    `json:"color,omitempty"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt,omitempty"`
}

// Clock is the modification time used for last-writer-wins comparisons.
// A zero UpdatedAt falls back to CreatedAt.
func (g Group) Clock() int64 {
	if g.UpdatedAt != 0 {
		return g.UpdatedAt
	}
	return g.CreatedAt
}

func (g Group) Clone() Group {
	out := g
	if g.Items != nil {
		out.Items = make([]TabItem, len(g.Items))
		copy(out.Items, g.Items)
	}
	return out
}

// Clone deep-copies a snapshot. A nil snapshot clones to an empty one.
func Clone(in []Group) []Group {
	out := make([]Group, 0, len(in))
	for _, g := range in {
		out = append(out, g.Clone())
	}
	return out
}

// Index keys a snapshot by group id.
func Index(in []Group) map[string]Group {
	out := make(map[string]Group, len(in))
	for _, g := range in {
		out[g.ID] = g
	}
	return out
}

func IDs(in []Group) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, g := range in {
		out[g.ID] = struct{}{}
	}
	return out
}

// SortByOrder returns a copy sorted by Order, ties broken by id so that
// listings are stable across devices.
func SortByOrder(in []Group) []Group {
	out := Clone(in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SortByID returns a copy sorted by id.
func SortByID(in []Group) []Group {
	out := Clone(in)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pinned splits a snapshot into pinned and unpinned groups, preserving order.
func Pinned(in []Group) (pinned, rest []Group) {
	for _, g := range in {
		if g.Pinned {
			pinned = append(pinned, g)
		} else {
			rest = append(rest, g)
		}
	}
	return pinned, rest
}

// AddToTop appends g to the snapshot with an order below every existing
// group so it sorts first.
func AddToTop(in []Group, g Group) []Group {
	minOrder := 0.0
	for i, existing := range in {
		if i == 0 || existing.Order < minOrder {
			minOrder = existing.Order
		}
	}
	g.Order = minOrder - 1
	return append(Clone(in), g)
}

// Filter returns the groups matching query. A group whose title matches
// keeps all of its tabs; otherwise only tabs whose title or url match are
// kept. Groups with no match are dropped. A blank query returns in unchanged.
func Filter(in []Group, query string) []Group {
	if strings.TrimSpace(query) == "" {
		return in
	}
	needle := strings.ToLower(query)
	out := make([]Group, 0, len(in))
	for _, g := range in {
		if strings.Contains(strings.ToLower(g.Title), needle) {
			out = append(out, g.Clone())
			continue
		}
		var items []TabItem
		for _, tab := range g.Items {
			if strings.Contains(strings.ToLower(tab.Title), needle) || strings.Contains(strings.ToLower(tab.URL), needle) {
				items = append(items, tab)
			}
		}
		if len(items) == 0 {
			continue
		}
		matched := g.Clone()
		matched.Items = items
		out = append(out, matched)
	}
	return out
}

// Normalize fills defaults that some stores drop: nil item lists become empty.
func Normalize(in []Group) []Group {
	out := Clone(in)
	for i := range out {
		if out[i].Items == nil {
			out[i].Items = []TabItem{}
		}
	}
	return out
}
