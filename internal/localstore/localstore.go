// Package localstore persists a device's current groups and the base
// snapshot recorded at the last successful synchronization.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/tabstash/internal/groups"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
)

type QuotaError struct {
	Used  int64
	Limit int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded (%d of %d bytes); try removing some groups", e.Used, e.Limit)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Store is read-your-writes consistent within a process. A store that has
// never been written returns empty snapshots.
type Store interface {
	Get(ctx context.Context) ([]groups.Group, error)
	Set(ctx context.Context, local []groups.Group) error
	GetBase(ctx context.Context) ([]groups.Group, error)
	SetBase(ctx context.Context, base []groups.Group) error
}

// Committer is implemented by stores that can write the current snapshot and
// the base in a single atomic step.
type Committer interface {
	Commit(ctx context.Context, local, base []groups.Group) error
}

type Options struct {
	// QuotaBytes caps the serialized size of the stored snapshots. Zero
	// disables the check.
	QuotaBytes int64
	// StateKey namespaces rows in SQL backends. Defaults to "default".
	StateKey string
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.StateKey == "" {
		o.StateKey = "default"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Commit writes local and base together, atomically when s supports it.
func Commit(ctx context.Context, s Store, local, base []groups.Group) error {
	if c, ok := s.(Committer); ok {
		return c.Commit(ctx, local, base)
	}
	if err := s.Set(ctx, local); err != nil {
		return err
	}
	return s.SetBase(ctx, base)
}

func encodeSnapshot(in []groups.Group) ([]byte, error) {
	return json.Marshal(groups.Normalize(in))
}

func decodeSnapshot(data []byte) ([]groups.Group, error) {
	if len(data) == 0 {
		return []groups.Group{}, nil
	}
	var out []groups.Group
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode stored snapshot: %w", err)
	}
	return groups.Normalize(out), nil
}

func checkQuota(limit int64, sizes ...int) error {
	if limit <= 0 {
		return nil
	}
	var used int64
	for _, n := range sizes {
		used += int64(n)
	}
	if used > limit {
		return &QuotaError{Used: used, Limit: limit}
	}
	return nil
}
