// Package remote adapts the account-scoped groups document to the sync
// engine: fetch it, replace it, and subscribe to changes.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/tabstash/internal/groups"
)

// ErrNoAccount reports the routine signed-out condition. It is never retried.
var ErrNoAccount = errors.New("no account signed in")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Store interface {
	Fetch(ctx context.Context, accountID string) ([]groups.Group, error)
	// Push replaces the whole account document with the given snapshot.
	Push(ctx context.Context, accountID string, in []groups.Group) error
	// Subscribe delivers the account document whenever it may have changed.
	// Deliveries of unchanged data are allowed.
	Subscribe(ctx context.Context, accountID string) (Subscription, error)
}

// Subscription delivers snapshots on a channel that holds at most one
// pending value: a newer snapshot replaces an unread older one.
type Subscription interface {
	Updates() <-chan []groups.Group
	Close() error
}

func requireAccount(accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", ErrNoAccount
	}
	return accountID, nil
}
