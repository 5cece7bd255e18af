package identity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/tabstash/internal/fsutil"
)

const fileDebounce = 50 * time.Millisecond

// File reads the account id from the first line of a file and watches it.
// A missing or blank file means signed out.
type File struct {
	path      string
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	listeners listeners

	mu        sync.Mutex
	accountID string

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewFile(path string, logger *slog.Logger) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("account file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	f := &File{
		path:    path,
		logger:  logger.With("account_file", path),
		watcher: watcher,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	f.listeners.logger = f.logger
	accountID, err := readAccountFile(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	f.accountID = accountID
	go f.watchLoop()
	return f, nil
}

func (f *File) CurrentAccountID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountID
}

func (f *File) OnAccountChanged(fn func(string)) func() {
	return f.listeners.add(fn)
}

// SignIn writes accountID to the file. The watcher picks up the change.
func (f *File) SignIn(accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	return fsutil.WriteFileAtomic(f.path, []byte(accountID+"\n"), 0o600)
}

func (f *File) SignOut() error {
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (f *File) Close() error {
	var err error
	f.stopOnce.Do(func() {
		close(f.stopCh)
		err = f.watcher.Close()
		<-f.done
	})
	return err
}

func (f *File) watchLoop() {
	defer close(f.done)
	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	target := filepath.Base(f.path)
	for {
		select {
		case <-f.stopCh:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			debounce.Reset(fileDebounce)
		case <-debounce.C:
			f.reload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("account file watch error", "error", err)
		}
	}
}

func (f *File) reload() {
	accountID, err := readAccountFile(f.path)
	if err != nil {
		f.logger.Warn("reading account file failed", "error", err)
		return
	}
	f.mu.Lock()
	if f.accountID == accountID {
		f.mu.Unlock()
		return
	}
	f.accountID = accountID
	f.mu.Unlock()
	f.logger.Info("account changed", "signed_in", accountID != "")
	f.listeners.notify(accountID)
}

func readAccountFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", scanner.Err()
}
