package remote

import (
	"context"
	"sync"

	"github.com/agentworkforce/tabstash/internal/groups"
)

// MemoryStore keeps account documents in process. Pushes are delivered to
// every open subscription for the account.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]groups.Group
	subs map[string]map[*feed]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: map[string][]groups.Group{},
		subs: map[string]map[*feed]struct{}{},
	}
}

func (s *MemoryStore) Fetch(ctx context.Context, accountID string) ([]groups.Group, error) {
	accountID, err := requireAccount(accountID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return groups.Normalize(s.docs[accountID]), nil
}

func (s *MemoryStore) Push(ctx context.Context, accountID string, in []groups.Group) error {
	accountID, err := requireAccount(accountID)
	if err != nil {
		return err
	}
	if err := groups.Validate(in); err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[accountID] = groups.Normalize(in)
	targets := make([]*feed, 0, len(s.subs[accountID]))
	for f := range s.subs[accountID] {
		targets = append(targets, f)
	}
	snapshot := groups.Clone(s.docs[accountID])
	s.mu.Unlock()

	for _, f := range targets {
		f.offer(snapshot)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, accountID string) (Subscription, error) {
	accountID, err := requireAccount(accountID)
	if err != nil {
		return nil, err
	}
	var f *feed
	f = newFeed(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[accountID], f)
		if len(s.subs[accountID]) == 0 {
			delete(s.subs, accountID)
		}
	})

	s.mu.Lock()
	if s.subs[accountID] == nil {
		s.subs[accountID] = map[*feed]struct{}{}
	}
	s.subs[accountID][f] = struct{}{}
	current := groups.Normalize(s.docs[accountID])
	s.mu.Unlock()

	f.offer(current)
	return f, nil
}

func (s *MemoryStore) SubscriberCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[accountID])
}
