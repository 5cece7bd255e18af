package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/tabstash/internal/groups"
	"github.com/agentworkforce/tabstash/internal/remote"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
)

type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// Permanent errors stop retrying immediately.
	Permanent func(error) bool
	Logger    *slog.Logger

	sleep func(context.Context, time.Duration) error
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	} else if o.InitialDelay == 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.sleep == nil {
		o.sleep = sleepWithContext
	}
	return o
}

// Retry calls fn until it succeeds, a permanent error occurs, ctx ends, or
// MaxAttempts calls have failed. After failed attempt n (from zero) it waits
// InitialDelay * 2^n. No wait follows the final attempt.
func Retry[T any](ctx context.Context, fn func(context.Context) (T, error), opts RetryOptions) (T, error) {
	opts = opts.withDefaults()
	var zero T
	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if opts.Permanent != nil && opts.Permanent(err) {
			return zero, err
		}
		opts.Logger.Warn("fetch attempt failed",
			"attempt", fmt.Sprintf("%d/%d", attempt+1, opts.MaxAttempts),
			"error", err,
		)
		if attempt < opts.MaxAttempts-1 {
			if err := opts.sleep(ctx, opts.InitialDelay<<attempt); err != nil {
				return zero, err
			}
		}
	}
	opts.Logger.Error("all fetch retries failed", "error", lastErr)
	return zero, lastErr
}

// FetchWithRetry is Retry without the error: ok is false when every
// attempt failed.
func FetchWithRetry[T any](ctx context.Context, fn func(context.Context) (T, error), opts RetryOptions) (T, bool) {
	value, err := Retry(ctx, fn, opts)
	return value, err == nil
}

type FetchOutcome int

const (
	FetchOK FetchOutcome = iota
	// FetchNoAccount is the routine signed-out case.
	FetchNoAccount
	FetchFailed
)

func (o FetchOutcome) String() string {
	switch o {
	case FetchOK:
		return "ok"
	case FetchNoAccount:
		return "no_account"
	case FetchFailed:
		return "failed"
	default:
		return fmt.Sprintf("FetchOutcome(%d)", int(o))
	}
}

type FetchResult struct {
	Outcome FetchOutcome
	Groups  []groups.Group
	Err     error
}

// FetchInitial performs the bootstrap fetch for accountID. ErrNoAccount is
// reported as FetchNoAccount without retrying.
func FetchInitial(ctx context.Context, store remote.Store, accountID string, opts RetryOptions) FetchResult {
	opts.Permanent = func(err error) bool {
		return errors.Is(err, remote.ErrNoAccount) || errors.Is(err, groups.ErrInvalidSnapshot)
	}
	snapshot, err := Retry(ctx, func(ctx context.Context) ([]groups.Group, error) {
		return store.Fetch(ctx, accountID)
	}, opts)
	switch {
	case err == nil:
		return FetchResult{Outcome: FetchOK, Groups: snapshot}
	case errors.Is(err, remote.ErrNoAccount):
		return FetchResult{Outcome: FetchNoAccount, Err: err}
	default:
		return FetchResult{Outcome: FetchFailed, Err: err}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
