package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/tabstash/internal/config"
	"github.com/agentworkforce/tabstash/internal/groups"
	"github.com/agentworkforce/tabstash/internal/identity"
	"github.com/agentworkforce/tabstash/internal/localstore"
	"github.com/agentworkforce/tabstash/internal/logging"
	"github.com/agentworkforce/tabstash/internal/remote"
	"github.com/agentworkforce/tabstash/internal/status"
	"github.com/agentworkforce/tabstash/internal/syncer"
)

type app struct {
	configFile  string
	offline     bool
	syncTimeout time.Duration
	jsonOutput  bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	now   func() time.Time
	newID func() string
}

func newApp() *app {
	return &app{
		now: time.Now,
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"account":      "account",
	"account-file": "account_file",
	"local":        "local.dsn",
	"remote":       "remote.dsn",
	"token":        "remote.token",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
}

func (a *app) load(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func (a *app) close() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// runtime is one wired instance of the sync engine for a command.
type runtime struct {
	app      *app
	local    localstore.Store
	remote   remote.Store
	identity identity.Provider
	orch     *syncer.Orchestrator

	unsubscribe func()
	closers     []func() error
}

func (a *app) openRuntime() (*runtime, error) {
	rt := &runtime{app: a}
	local, err := localstore.BuildFromDSN(a.cfg.Local.DSN, localstore.Options{
		QuotaBytes: a.cfg.Local.QuotaBytes,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	rt.local = local
	if c, ok := local.(io.Closer); ok {
		rt.closers = append(rt.closers, c.Close)
	}

	rt.remote, err = remote.BuildFromDSN(a.cfg.Remote.DSN, remote.Options{
		Token:        a.cfg.Remote.Token,
		Timeout:      a.cfg.Remote.Timeout,
		PollInterval: a.cfg.Remote.PollInterval,
		PollJitter:   a.cfg.Remote.PollJitter,
		Logger:       a.logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open remote store: %w", err)
	}

	if a.cfg.AccountFile != "" {
		file, err := identity.NewFile(a.cfg.AccountFile, a.logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open account file: %w", err)
		}
		rt.identity = file
		rt.closers = append(rt.closers, file.Close)
	} else {
		rt.identity = identity.NewStatic(a.cfg.Account, a.logger)
	}

	rt.orch, err = syncer.New(syncer.Options{
		Local:    rt.local,
		Remote:   rt.remote,
		Identity: rt.identity,
		Retry: syncer.RetryOptions{
			MaxAttempts:  a.cfg.Sync.MaxAttempts,
			InitialDelay: a.cfg.Sync.InitialDelay,
		},
		Logger: a.logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// settle starts synchronization and waits until the first merge has
// finished, the account turned out to be signed out, or the timeout passed.
func (rt *runtime) settle(ctx context.Context) status.Status {
	if rt.app.offline {
		return rt.orch.Status().Current()
	}
	settled := make(chan status.Status, 1)
	rt.unsubscribe = rt.orch.AddSubscriber(func([]groups.Group) {})
	stop := rt.orch.SubscribeStatus(func(s status.Status) {
		if s.State == status.Syncing {
			return
		}
		select {
		case settled <- s:
		default:
		}
	})
	defer stop()

	timer := time.NewTimer(rt.app.syncTimeout)
	defer timer.Stop()
	select {
	case s := <-settled:
		return s
	case <-timer.C:
		rt.app.logger.Warn("sync did not settle in time", "timeout", rt.app.syncTimeout)
	case <-ctx.Done():
	}
	return rt.orch.Status().Current()
}

// mutate applies edit to the current snapshot as a local change and waits
// for the resulting push.
func (rt *runtime) mutate(ctx context.Context, edit func([]groups.Group) ([]groups.Group, error)) error {
	rt.settle(ctx)
	current, err := rt.local.Get(ctx)
	if err != nil {
		return err
	}
	next, err := edit(groups.Clone(current))
	if err != nil {
		return err
	}
	if err := rt.orch.ApplyLocalChange(ctx, next); err != nil {
		return err
	}
	rt.orch.Wait()
	if s := rt.orch.Status().Current(); s.State == status.Error {
		rt.app.logger.Warn("saved locally but sync failed", "error", s.Error)
	}
	return nil
}

func (rt *runtime) Close() {
	if rt.unsubscribe != nil {
		rt.unsubscribe()
	}
	if rt.orch != nil {
		_ = rt.orch.Close()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		rt.app.logger.Warn("close runtime", "error", err)
	}
}
