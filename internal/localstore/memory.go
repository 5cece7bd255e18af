package localstore

import (
	"context"
	"sync"

	"github.com/agentworkforce/tabstash/internal/groups"
)

type MemoryStore struct {
	mu    sync.Mutex
	quota int64
	local []groups.Group
	base  []groups.Group
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{quota: opts.QuotaBytes}
}

func (s *MemoryStore) Get(ctx context.Context) ([]groups.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return groups.Clone(s.local), nil
}

func (s *MemoryStore) Set(ctx context.Context, local []groups.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkQuotaLocked(local, s.base); err != nil {
		return err
	}
	s.local = groups.Clone(local)
	return nil
}

func (s *MemoryStore) GetBase(ctx context.Context) ([]groups.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return groups.Clone(s.base), nil
}

func (s *MemoryStore) SetBase(ctx context.Context, base []groups.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = groups.Clone(base)
	return nil
}

func (s *MemoryStore) Commit(ctx context.Context, local, base []groups.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkQuotaLocked(local, base); err != nil {
		return err
	}
	s.local = groups.Clone(local)
	s.base = groups.Clone(base)
	return nil
}

func (s *MemoryStore) checkQuotaLocked(local, base []groups.Group) error {
	if s.quota <= 0 {
		return nil
	}
	localBytes, err := encodeSnapshot(local)
	if err != nil {
		return err
	}
	return checkQuota(s.quota, len(localBytes))
}
