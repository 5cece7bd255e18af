// Package syncer keeps the local tab group snapshot and the account's remote
// document converged.
//
// An Orchestrator serializes every mutation of the local store behind one
// write lock. Remote snapshots that arrive while the lock is held are parked
// in a single pending slot (newer replaces older) and processed when the
// lock is released. A content hash of the last processed remote snapshot
// suppresses redundant deliveries, and a generation counter invalidates work
// that belongs to a superseded session.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/agentworkforce/tabstash/internal/groups"
	"github.com/agentworkforce/tabstash/internal/identity"
	"github.com/agentworkforce/tabstash/internal/localstore"
	"github.com/agentworkforce/tabstash/internal/merge"
	"github.com/agentworkforce/tabstash/internal/remote"
	"github.com/agentworkforce/tabstash/internal/status"
)

var ErrClosed = errors.New("orchestrator closed")

// GroupsHandler receives the merged snapshot, sorted by order. Handlers run
// while the write lock is held and must not call ApplyLocalChange
// synchronously.
type GroupsHandler func([]groups.Group)

type Options struct {
	Local    localstore.Store
	Remote   remote.Store
	Identity identity.Provider
	// Status defaults to a fresh publisher.
	Status *status.Publisher
	Retry  RetryOptions
	Logger *slog.Logger
}

type session struct {
	accountID string
	gen       uint64
	cancel    context.CancelFunc
}

type Orchestrator struct {
	local    localstore.Store
	remote   remote.Store
	identity identity.Provider
	status   *status.Publisher
	retry    RetryOptions
	logger   *slog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	locked     bool
	pending    []groups.Group
	hasPending bool
	pendingGen uint64
	lastHash   string
	generation uint64
	accountID  string
	session    *session
	active     bool
	closed     bool

	subs         map[uint64]GroupsHandler
	nextSubID    uint64
	stopIdentity func()
	pushes       sync.WaitGroup
	sessionsWG   sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Local == nil {
		return nil, fmt.Errorf("local store is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Status == nil {
		opts.Status = status.NewPublisher(opts.Logger)
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = opts.Logger
	}
	o := &Orchestrator{
		local:    opts.Local,
		remote:   opts.Remote,
		identity: opts.Identity,
		status:   opts.Status,
		retry:    opts.Retry,
		logger:   opts.Logger,
		subs:     map[uint64]GroupsHandler{},
	}
	o.cond = sync.NewCond(&o.mu)
	return o, nil
}

func (o *Orchestrator) Status() *status.Publisher {
	return o.status
}

// SubscribeStatus replays the current status to h and then every change.
// Account transitions are published with the orchestrator's lock held, so h
// must not call back into the Orchestrator synchronously.
func (o *Orchestrator) SubscribeStatus(h status.Handler) func() {
	return o.status.Subscribe(h)
}

// AddSubscriber registers h for merged snapshots. The first subscriber
// starts synchronization and removing the last one stops it.
func (o *Orchestrator) AddSubscriber(h GroupsHandler) func() {
	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subs[id] = h
	first := len(o.subs) == 1 && !o.closed
	o.mu.Unlock()

	if first {
		o.start()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			last := len(o.subs) == 0
			o.mu.Unlock()
			if last {
				o.stop()
			}
		})
	}
}

func (o *Orchestrator) SubscriberCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// start activates synchronization if subscribers remain and no session is
// active yet. Both start and stop re-check the subscriber set under o.mu.
func (o *Orchestrator) start() {
	stopIdentity := o.identity.OnAccountChanged(o.handleAccountChanged)

	o.mu.Lock()
	if o.active || o.closed || len(o.subs) == 0 {
		o.mu.Unlock()
		stopIdentity()
		return
	}
	o.active = true
	o.stopIdentity = stopIdentity
	o.switchAccountLocked(o.identity.CurrentAccountID())
	o.mu.Unlock()
}

// stop deactivates synchronization unless a subscriber was added since the
// caller saw the set become empty.
func (o *Orchestrator) stop() {
	o.mu.Lock()
	if !o.active || len(o.subs) > 0 {
		o.mu.Unlock()
		return
	}
	o.active = false
	stopIdentity := o.stopIdentity
	o.stopIdentity = nil
	o.endSessionLocked()
	o.generation++
	o.lastHash = ""
	o.pending = nil
	o.hasPending = false
	o.accountID = ""
	if !o.closed {
		o.status.Set(status.Idle, nil)
	}
	o.mu.Unlock()

	if stopIdentity != nil {
		stopIdentity()
	}
}

func (o *Orchestrator) handleAccountChanged(accountID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.active {
		return
	}
	o.logger.Info("account changed", "signed_in", accountID != "")
	o.switchAccountLocked(accountID)
}

// switchAccountLocked drops all state tied to the previous account, publishes
// the account status and, when accountID is set, starts a session for it.
// The status is set before the session goroutine exists so that the
// session's own transitions always come after it.
func (o *Orchestrator) switchAccountLocked(accountID string) {
	o.endSessionLocked()
	o.generation++
	o.pending = nil
	o.hasPending = false
	o.lastHash = ""
	o.accountID = accountID
	if accountID == "" {
		o.status.Set(status.Idle, nil)
		return
	}
	o.status.Set(status.Syncing, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{accountID: accountID, cancel: cancel}
	o.session = s
	o.sessionsWG.Add(1)
	go o.runSession(ctx, s)
}

func (o *Orchestrator) endSessionLocked() {
	if o.session != nil {
		o.session.cancel()
		o.session = nil
	}
}

// beginBootstrap claims a fresh generation for s. It returns false when s
// was already superseded.
func (o *Orchestrator) beginBootstrap(s *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != s {
		return false
	}
	o.generation++
	s.gen = o.generation
	return true
}

func (o *Orchestrator) currentGeneration() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation
}

func (o *Orchestrator) runSession(ctx context.Context, s *session) {
	defer o.sessionsWG.Done()
	logger := o.logger.With("account", s.accountID)

	if !o.beginBootstrap(s) {
		return
	}
	result := FetchInitial(ctx, o.remote, s.accountID, o.retry)
	switch result.Outcome {
	case FetchOK:
		if o.currentGeneration() != s.gen {
			logger.Debug("discarding stale bootstrap result")
			return
		}
		if err := o.handleRemote(ctx, s.gen, result.Groups); err != nil {
			logger.Error("initial merge failed", "error", err)
		}
	case FetchNoAccount:
		if o.currentGeneration() == s.gen {
			o.status.Set(status.Idle, nil)
		}
		return
	case FetchFailed:
		if ctx.Err() != nil {
			return
		}
		logger.Warn("starting without initial snapshot", "error", result.Err)
	}

	sub, err := Retry(ctx, func(ctx context.Context) (remote.Subscription, error) {
		return o.remote.Subscribe(ctx, s.accountID)
	}, RetryOptions{
		MaxAttempts:  o.retry.MaxAttempts,
		InitialDelay: o.retry.InitialDelay,
		Permanent:    func(err error) bool { return errors.Is(err, remote.ErrNoAccount) },
		Logger:       o.retry.Logger,
		sleep:        o.retry.sleep,
	})
	if err != nil {
		if ctx.Err() != nil || o.currentGeneration() != s.gen {
			return
		}
		if errors.Is(err, remote.ErrNoAccount) {
			o.status.Set(status.Idle, nil)
			return
		}
		logger.Error("remote subscription failed", "error", err)
		o.status.Set(status.Error, err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := o.handleRemote(ctx, s.gen, snapshot); err != nil {
				logger.Error("remote update failed", "error", err)
			}
		}
	}
}

// OnRemoteUpdate processes a remote snapshot for the current account. While
// a local write holds the lock it only parks the snapshot and returns nil.
func (o *Orchestrator) OnRemoteUpdate(ctx context.Context, remoteGroups []groups.Group) error {
	return o.handleRemote(ctx, o.currentGeneration(), remoteGroups)
}

func (o *Orchestrator) handleRemote(ctx context.Context, gen uint64, remoteGroups []groups.Group) error {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		o.logger.Debug("dropping remote update from superseded session")
		return nil
	}
	if o.locked {
		o.pending = groups.Clone(remoteGroups)
		o.hasPending = true
		o.pendingGen = gen
		o.mu.Unlock()
		return nil
	}
	o.locked = true
	o.mu.Unlock()

	err := o.processRemote(ctx, gen, remoteGroups)
	o.release(context.WithoutCancel(ctx))
	return err
}

// ApplyLocalChange persists a user edit. With an account signed in it also
// becomes the new base and is pushed in the background. A push failure only
// shows up in the status. A local persistence failure is returned.
func (o *Orchestrator) ApplyLocalChange(ctx context.Context, next []groups.Group) error {
	if err := groups.Validate(next); err != nil {
		return err
	}
	next = groups.Normalize(next)

	o.mu.Lock()
	for o.locked && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.locked = true
	accountID := o.accountID
	gen := o.generation
	o.mu.Unlock()
	defer o.release(context.WithoutCancel(ctx))

	if accountID == "" {
		if err := o.local.Set(ctx, next); err != nil {
			return fmt.Errorf("persist local change: %w", err)
		}
		return nil
	}
	if err := localstore.Commit(ctx, o.local, next, next); err != nil {
		return fmt.Errorf("persist local change: %w", err)
	}
	o.mu.Lock()
	if gen == o.generation {
		o.lastHash = ""
	}
	o.mu.Unlock()
	o.pushAsync(accountID, gen, next)
	return nil
}

// release hands the lock to the most recent parked remote snapshot, if any,
// and otherwise unlocks.
func (o *Orchestrator) release(ctx context.Context) {
	for {
		o.mu.Lock()
		if !o.hasPending {
			o.locked = false
			o.cond.Broadcast()
			o.mu.Unlock()
			return
		}
		payload, gen := o.pending, o.pendingGen
		o.pending = nil
		o.hasPending = false
		stale := gen != o.generation
		o.mu.Unlock()

		if stale {
			continue
		}
		if err := o.processRemote(ctx, gen, payload); err != nil {
			o.logger.Error("queued remote update failed", "error", err)
		}
	}
}

// processRemote runs one merge pass. The caller holds the write lock.
func (o *Orchestrator) processRemote(ctx context.Context, gen uint64, remoteGroups []groups.Group) (err error) {
	if err := groups.Validate(remoteGroups); err != nil {
		o.failRemote(gen, err)
		return err
	}
	hash, err := groups.ContentHash(remoteGroups)
	if err != nil {
		o.failRemote(gen, err)
		return err
	}

	o.mu.Lock()
	if gen != o.generation || o.lastHash == hash {
		o.mu.Unlock()
		return nil
	}
	accountID := o.accountID
	o.lastHash = hash
	o.mu.Unlock()

	if accountID == "" {
		o.logger.Debug("ignoring remote update while signed out")
		return nil
	}

	defer func() {
		if err != nil {
			o.failRemote(gen, err)
		}
	}()

	o.status.Set(status.Syncing, nil)
	local, err := o.local.Get(ctx)
	if err != nil {
		return fmt.Errorf("read local snapshot: %w", err)
	}
	base, err := o.local.GetBase(ctx)
	if err != nil {
		return fmt.Errorf("read base snapshot: %w", err)
	}
	result := merge.ThreeWay(local, remoteGroups, base)
	merged := groups.SortByOrder(result.Merged)

	if o.currentGeneration() != gen {
		return nil
	}
	if err := localstore.Commit(ctx, o.local, merged, merged); err != nil {
		return fmt.Errorf("persist merged snapshot: %w", err)
	}
	o.notify(merged)
	o.status.Set(status.Synced, nil)
	if len(result.ToPush) > 0 {
		o.pushAsync(accountID, gen, merged)
	}
	return nil
}

func (o *Orchestrator) failRemote(gen uint64, err error) {
	o.mu.Lock()
	if gen == o.generation {
		o.lastHash = ""
	}
	o.mu.Unlock()
	o.logger.Error("merge failed", "error", err)
	o.status.Set(status.Error, err)
}

// pushAsync writes snapshot to the remote document without blocking the
// caller. The push is never cancelled.
func (o *Orchestrator) pushAsync(accountID string, gen uint64, snapshot []groups.Group) {
	snapshot = groups.Clone(snapshot)
	o.pushes.Add(1)
	go func() {
		defer o.pushes.Done()
		if err := o.remote.Push(context.Background(), accountID, snapshot); err != nil {
			o.logger.Warn("push failed (will retry on next sync)", "account", accountID, "error", err)
			o.mu.Lock()
			if gen == o.generation {
				o.lastHash = ""
			}
			o.mu.Unlock()
			o.status.Set(status.Error, err)
		}
	}()
}

func (o *Orchestrator) notify(merged []groups.Group) {
	o.mu.Lock()
	handlers := make([]GroupsHandler, 0, len(o.subs))
	for _, h := range o.subs {
		handlers = append(handlers, h)
	}
	o.mu.Unlock()
	for _, h := range handlers {
		o.safeCall(h, groups.Clone(merged))
	}
}

func (o *Orchestrator) safeCall(h GroupsHandler, snapshot []groups.Group) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("groups subscriber panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(snapshot)
}

// Wait blocks until in-flight background pushes have finished.
func (o *Orchestrator) Wait() {
	o.pushes.Wait()
}

// Close stops synchronization, wakes blocked writers and waits for
// background work.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.active = false
	stopIdentity := o.stopIdentity
	o.stopIdentity = nil
	o.endSessionLocked()
	o.generation++
	o.pending = nil
	o.hasPending = false
	o.lastHash = ""
	o.cond.Broadcast()
	o.mu.Unlock()

	if stopIdentity != nil {
		stopIdentity()
	}
	o.sessionsWG.Wait()
	o.pushes.Wait()
	return nil
}
