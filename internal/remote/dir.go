package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/tabstash/internal/fsutil"
	"github.com/agentworkforce/tabstash/internal/groups"
)

const dirDebounce = 50 * time.Millisecond

// DirStore keeps one document file per account in a shared directory,
// e.g. a folder synced between machines by another tool.
type DirStore struct {
	dir    string
	logger *slog.Logger
}

func NewDirStore(dir string, logger *slog.Logger) (*DirStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("remote directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DirStore{dir: dir, logger: logger}, nil
}

func (s *DirStore) documentPath(accountID string) string {
	return filepath.Join(s.dir, accountFileName(accountID))
}

// accountFileName keeps account ids from escaping the directory.
func accountFileName(accountID string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(accountID) + ".json"
}

func (s *DirStore) Fetch(ctx context.Context, accountID string) ([]groups.Group, error) {
	accountID, err := requireAccount(accountID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.documentPath(accountID))
	if errors.Is(err, os.ErrNotExist) {
		return []groups.Group{}, nil
	}
	if err != nil {
		return nil, err
	}
	return groups.DecodeDocument(data)
}

func (s *DirStore) Push(ctx context.Context, accountID string, in []groups.Group) error {
	accountID, err := requireAccount(accountID)
	if err != nil {
		return err
	}
	data, err := groups.EncodeDocument(in)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.documentPath(accountID), data, 0o644)
}

func (s *DirStore) Subscribe(ctx context.Context, accountID string) (Subscription, error) {
	accountID, err := requireAccount(accountID)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Atomic writes replace the file, so the directory is watched instead.
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	f := newFeed(func() { _ = watcher.Close() })
	target := filepath.Base(s.documentPath(accountID))
	logger := s.logger.With("account", accountID, "dir", s.dir)

	s.emit(ctx, f, accountID, logger)
	go s.watchLoop(f, watcher, target, accountID, logger)
	return f, nil
}

func (s *DirStore) emit(ctx context.Context, f *feed, accountID string, logger *slog.Logger) bool {
	snapshot, err := s.Fetch(ctx, accountID)
	if err != nil {
		logger.Warn("reading remote document failed", "error", err)
		return true
	}
	return f.offer(snapshot)
}

func (s *DirStore) watchLoop(f *feed, watcher *fsnotify.Watcher, target, accountID string, logger *slog.Logger) {
	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	for {
		select {
		case <-f.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(dirDebounce)
		case <-debounce.C:
			if !s.emit(context.Background(), f, accountID, logger) {
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("remote directory watch error", "error", err)
		}
	}
}
