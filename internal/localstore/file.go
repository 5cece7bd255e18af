package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/tabstash/internal/fsutil"
	"github.com/agentworkforce/tabstash/internal/groups"
)

type fileState struct {
	Groups []groups.Group `json:"groups"`
	Base   []groups.Group `json:"base,omitempty"`
}

// FileStore keeps both snapshots in one JSON file. Every operation holds an
// advisory lock on a sibling .lock file so a CLI invocation and a running
// sync daemon can share the same file.
type FileStore struct {
	path  string
	quota int64
	mu    sync.Mutex
}

func NewFileStore(path string, opts Options) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path, quota: opts.QuotaBytes}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(ctx context.Context) ([]groups.Group, error) {
	state, err := s.read()
	if err != nil {
		return nil, err
	}
	return groups.Normalize(state.Groups), nil
}

func (s *FileStore) GetBase(ctx context.Context) ([]groups.Group, error) {
	state, err := s.read()
	if err != nil {
		return nil, err
	}
	return groups.Normalize(state.Base), nil
}

func (s *FileStore) Set(ctx context.Context, local []groups.Group) error {
	return s.update(func(state *fileState) {
		state.Groups = groups.Normalize(local)
	})
}

func (s *FileStore) SetBase(ctx context.Context, base []groups.Group) error {
	return s.update(func(state *fileState) {
		state.Base = groups.Normalize(base)
	})
}

func (s *FileStore) Commit(ctx context.Context, local, base []groups.Group) error {
	return s.update(func(state *fileState) {
		state.Groups = groups.Normalize(local)
		state.Base = groups.Normalize(base)
	})
}

func (s *FileStore) read() (fileState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return fileState{}, err
	}
	defer unlock()
	return s.readLocked()
}

func (s *FileStore) update(mutate func(*fileState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.readLocked()
	if err != nil {
		return err
	}
	mutate(&state)
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := checkQuota(s.quota, len(data)); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, data, 0o644)
}

func (s *FileStore) readLocked() (fileState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileState{}, nil
		}
		return fileState{}, err
	}
	var state fileState
	if len(strings.TrimSpace(string(data))) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fileState{}, err
	}
	return state, nil
}
