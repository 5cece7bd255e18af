package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/tabstash/internal/groups"
)

func sampleGroups(ids ...string) []groups.Group {
	out := make([]groups.Group, 0, len(ids))
	for i, id := range ids {
		out = append(out, groups.Group{
			ID:        id,
			Title:     "group " + id,
			Items:     []groups.TabItem{{ID: id + "-tab", URL: "https://example.com/" + id}},
			Order:     float64(i),
			CreatedAt: 1000,
			UpdatedAt: 1000 + int64(i),
		})
	}
	return out
}

func receive(t *testing.T, sub Subscription) []groups.Group {
	t.Helper()
	select {
	case snapshot, ok := <-sub.Updates():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return snapshot
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for remote update")
	}
	return nil
}

func idsOf(in []groups.Group) string {
	out := ""
	for _, g := range groups.SortByID(in) {
		out += g.ID + ","
	}
	return out
}

func TestFeedKeepsOnlyLatestSnapshot(t *testing.T) {
	f := newFeed(nil)
	f.offer(sampleGroups("a"))
	f.offer(sampleGroups("a", "b"))

	got := receive(t, f)
	if idsOf(got) != "a,b," {
		t.Fatalf("expected latest snapshot a,b, got %s", idsOf(got))
	}
	select {
	case extra := <-f.Updates():
		t.Fatalf("expected no further snapshot, got %v", extra)
	default:
	}
}

func TestFeedCloseIsIdempotent(t *testing.T) {
	stops := 0
	f := newFeed(func() { stops++ })
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if stops != 1 {
		t.Fatalf("expected stop to run once, ran %d times", stops)
	}
	if f.offer(sampleGroups("a")) {
		t.Fatalf("expected offer after close to be rejected")
	}
	if _, ok := <-f.Updates(); ok {
		t.Fatalf("expected updates channel to be closed")
	}
}

func TestMemoryStoreRequiresAccount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Fetch(ctx, " "); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount from fetch, got %v", err)
	}
	if err := store.Push(ctx, "", nil); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount from push, got %v", err)
	}
	if _, err := store.Subscribe(ctx, ""); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount from subscribe, got %v", err)
	}
}

func TestMemoryStoreSubscribeEmitsCurrentAndPushes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Push(ctx, "acct", sampleGroups("a")); err != nil {
		t.Fatalf("push: %v", err)
	}

	sub, err := store.Subscribe(ctx, "acct")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := receive(t, sub); idsOf(got) != "a," {
		t.Fatalf("expected initial snapshot a, got %s", idsOf(got))
	}

	if err := store.Push(ctx, "acct", sampleGroups("a", "b")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := receive(t, sub); idsOf(got) != "a,b," {
		t.Fatalf("expected pushed snapshot a,b, got %s", idsOf(got))
	}

	if err := store.Push(ctx, "other", sampleGroups("z")); err != nil {
		t.Fatalf("push other: %v", err)
	}
	select {
	case got := <-sub.Updates():
		t.Fatalf("expected no delivery for another account, got %s", idsOf(got))
	case <-time.After(50 * time.Millisecond):
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if store.SubscriberCount("acct") != 0 {
		t.Fatalf("expected subscriber to be removed on close")
	}
}

func TestMemoryStoreRejectsInvalidSnapshot(t *testing.T) {
	store := NewMemoryStore()
	dup := append(sampleGroups("a"), sampleGroups("a")...)
	if err := store.Push(context.Background(), "acct", dup); !errors.Is(err, groups.ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
	}
}

func TestDirStorePushFetchAndWatch(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDirStore(dir, nil)
	if err != nil {
		t.Fatalf("new dir store: %v", err)
	}
	ctx := context.Background()

	empty, err := store.Fetch(ctx, "acct")
	if err != nil {
		t.Fatalf("fetch missing document: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty snapshot, got %d groups", len(empty))
	}

	sub, err := store.Subscribe(ctx, "acct")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if got := receive(t, sub); len(got) != 0 {
		t.Fatalf("expected initial empty snapshot, got %d groups", len(got))
	}

	if err := store.Push(ctx, "acct", sampleGroups("a", "b")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := receive(t, sub); idsOf(got) != "a,b," {
		t.Fatalf("expected watched snapshot a,b, got %s", idsOf(got))
	}

	fetched, err := store.Fetch(ctx, "acct")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if idsOf(fetched) != "a,b," {
		t.Fatalf("expected fetched snapshot a,b, got %s", idsOf(fetched))
	}
}

func TestDirStoreKeepsAccountInsideDirectory(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDirStore(dir, nil)
	if err != nil {
		t.Fatalf("new dir store: %v", err)
	}
	if err := store.Push(context.Background(), "../escape", sampleGroups("a")); err != nil {
		t.Fatalf("push: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one document in %s, got %d", dir, len(entries))
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.json")); err == nil {
		t.Fatalf("expected document not to escape the store directory")
	}
}

func TestBuildFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn  string
		want string
	}{
		{dsn: "http://127.0.0.1:8080", want: "*remote.HTTPClient"},
		{dsn: "wss://tabs.example.com", want: "*remote.HTTPClient"},
		{dsn: "memory://", want: "*remote.MemoryStore"},
		{dsn: "dir://" + dir, want: "*remote.DirStore"},
	}
	for _, tc := range cases {
		store, err := BuildFromDSN(tc.dsn, Options{Token: "token"})
		if err != nil {
			t.Fatalf("build %q: %v", tc.dsn, err)
		}
		if got := fmt.Sprintf("%T", store); got != tc.want {
			t.Fatalf("build %q: expected %s, got %s", tc.dsn, tc.want, got)
		}
	}

	watch, err := BuildFromDSN("ws://127.0.0.1:9000/base", Options{Token: "token"})
	if err != nil {
		t.Fatalf("build ws: %v", err)
	}
	client := watch.(*HTTPClient)
	if client.mode != SubscribeWatch || client.baseURL != "http://127.0.0.1:9000/base" {
		t.Fatalf("unexpected ws client: mode=%s base=%s", client.mode, client.baseURL)
	}

	if _, err := BuildFromDSN("ftp://nope", Options{}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := BuildFromDSN("", Options{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredInterval(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected low bound 8s, got %s", got)
	}
	if got := jitteredInterval(base, 0.2, 0.5); got != base {
		t.Fatalf("expected midpoint 10s, got %s", got)
	}
	if got := jitteredInterval(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected high bound 12s, got %s", got)
	}
	if got := jitteredInterval(base, 0, 0.9); got != base {
		t.Fatalf("expected no jitter, got %s", got)
	}
	if got := jitteredInterval(0, 0.5, 0.5); got != 0 {
		t.Fatalf("expected zero for zero base, got %s", got)
	}
	if got := clampJitterRatio(3); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
}
