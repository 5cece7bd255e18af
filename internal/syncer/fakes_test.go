package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/tabstash/internal/groups"
	"github.com/agentworkforce/tabstash/internal/identity"
	"github.com/agentworkforce/tabstash/internal/localstore"
	"github.com/agentworkforce/tabstash/internal/remote"
	"github.com/agentworkforce/tabstash/internal/status"
)

func group(id string, updatedAt int64) groups.Group {
	return groups.Group{
		ID:        id,
		Title:     "group " + id,
		Items:     []groups.TabItem{},
		CreatedAt: 1,
		UpdatedAt: updatedAt,
	}
}

func hasGroup(in []groups.Group, id string) bool {
	for _, g := range in {
		if g.ID == id {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type pushCall struct {
	accountID string
	groups    []groups.Group
}

type fakeSubscription struct {
	accountID string
	ch        chan []groups.Group
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeSubscription) Updates() <-chan []groups.Group { return s.ch }

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeRemote struct {
	mu      sync.Mutex
	fetch   func(ctx context.Context, accountID string) ([]groups.Group, error)
	fetches map[string]int
	pushErr error
	pushes  []pushCall
	subs    []*fakeSubscription
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{fetches: map[string]int{}}
}

func (r *fakeRemote) setFetch(fn func(ctx context.Context, accountID string) ([]groups.Group, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetch = fn
}

func (r *fakeRemote) setPushErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushErr = err
}

func (r *fakeRemote) Fetch(ctx context.Context, accountID string) ([]groups.Group, error) {
	r.mu.Lock()
	r.fetches[accountID]++
	fn := r.fetch
	r.mu.Unlock()
	if fn == nil {
		return []groups.Group{}, nil
	}
	return fn(ctx, accountID)
}

func (r *fakeRemote) Push(ctx context.Context, accountID string, in []groups.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, pushCall{accountID: accountID, groups: groups.Clone(in)})
	return r.pushErr
}

func (r *fakeRemote) Subscribe(ctx context.Context, accountID string) (remote.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &fakeSubscription{
		accountID: accountID,
		ch:        make(chan []groups.Group, 1),
		closed:    make(chan struct{}),
	}
	r.subs = append(r.subs, sub)
	return sub, nil
}

func (r *fakeRemote) fetchCount(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[accountID]
}

func (r *fakeRemote) pushCalls() []pushCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushCall(nil), r.pushes...)
}

func (r *fakeRemote) subscriptions() []*fakeSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeSubscription(nil), r.subs...)
}

// gatedStore parks the next write until the test releases it.
type gatedStore struct {
	*localstore.MemoryStore

	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{MemoryStore: localstore.NewMemoryStore(localstore.Options{})}
}

func (s *gatedStore) arm() (<-chan struct{}, chan<- struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entered = make(chan struct{})
	s.release = make(chan struct{})
	return s.entered, s.release
}

func (s *gatedStore) wait() {
	s.mu.Lock()
	entered, release := s.entered, s.release
	s.entered, s.release = nil, nil
	s.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
}

func (s *gatedStore) Set(ctx context.Context, local []groups.Group) error {
	s.wait()
	return s.MemoryStore.Set(ctx, local)
}

func (s *gatedStore) Commit(ctx context.Context, local, base []groups.Group) error {
	s.wait()
	return s.MemoryStore.Commit(ctx, local, base)
}

type collector struct {
	mu         sync.Mutex
	deliveries [][]groups.Group
}

func (c *collector) handle(snapshot []groups.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, snapshot)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func (c *collector) countWith(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.deliveries {
		if hasGroup(d, id) {
			n++
		}
	}
	return n
}

type statusRecorder struct {
	mu     sync.Mutex
	states []status.State
}

func (r *statusRecorder) handle(s status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
}

func (r *statusRecorder) seen() []status.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.State(nil), r.states...)
}

func (r *statusRecorder) last() status.State {
	states := r.seen()
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

func newTestOrchestrator(t *testing.T, local localstore.Store, rem remote.Store, id identity.Provider) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Local:    local,
		Remote:   rem,
		Identity: id,
		Retry:    RetryOptions{sleep: func(context.Context, time.Duration) error { return nil }},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}
