// Package identity reports which account, if any, is signed in.
package identity

import (
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
)

// Provider reports the signed-in account. An empty id means signed out.
type Provider interface {
	CurrentAccountID() string
	// OnAccountChanged registers fn for every later sign-in, sign-out or
	// account switch. The current account is not replayed.
	OnAccountChanged(fn func(accountID string)) func()
}

// listeners is the handler registry shared by the providers.
type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(string)
	logger *slog.Logger
}

func (l *listeners) add(fn func(string)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = map[int]func(string){}
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) notify(accountID string) {
	l.mu.Lock()
	fns := make([]func(string), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		l.call(fn, accountID)
	}
}

func (l *listeners) call(fn func(string), accountID string) {
	defer func() {
		if r := recover(); r != nil {
			logger := l.logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("account change handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(accountID)
}

// Static holds an account id set in process, e.g. from configuration.
type Static struct {
	mu        sync.Mutex
	accountID string
	listeners listeners
}

func NewStatic(accountID string, logger *slog.Logger) *Static {
	s := &Static{accountID: strings.TrimSpace(accountID)}
	s.listeners.logger = logger
	return s
}

func (s *Static) CurrentAccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

func (s *Static) OnAccountChanged(fn func(string)) func() {
	return s.listeners.add(fn)
}

// Set switches the account and notifies handlers when it changed.
// An empty id signs out.
func (s *Static) Set(accountID string) {
	accountID = strings.TrimSpace(accountID)
	s.mu.Lock()
	if s.accountID == accountID {
		s.mu.Unlock()
		return
	}
	s.accountID = accountID
	s.mu.Unlock()
	s.listeners.notify(accountID)
}
