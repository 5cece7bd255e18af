package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/tabstash/internal/config"
	"github.com/agentworkforce/tabstash/internal/httpapi"
	"github.com/agentworkforce/tabstash/internal/logging"
	"github.com/agentworkforce/tabstash/internal/remote"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type serverApp struct {
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	a := &serverApp{}
	cmd := &cobra.Command{
		Use:           "tabstash-server",
		Short:         "Serve account tab group documents to tabstash clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: ./tabstash.yaml or $XDG_CONFIG_HOME/tabstash/tabstash.yaml)")
	flags.String("addr", "", "listen address")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("store", "", "document store DSN (memory://, dir:///path)")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (text|json)")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newTokenCmd(a))
	return cmd
}

var flagKeys = map[string]string{
	"addr":       "server.addr",
	"jwt-secret": "server.jwt_secret",
	"store":      "server.store_dsn",
	"log-level":  "log.level",
	"log-format": "log.format",
}

func (a *serverApp) load(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	if errs := cfg.ValidateServer(); len(errs) > 0 {
		return config.ValidationErrors(errs)
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
	a.cfg = &cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	return nil
}

func newServeCmd(a *serverApp) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the document server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", a.cfg.Server.Addr)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), ln, a.cfg, a.logger)
		},
	}
}

// runServer serves on ln until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger) error {
	store, err := remote.BuildFromDSN(cfg.Server.StoreDSN, remote.Options{Logger: logger})
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open document store: %w", err)
	}
	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Logger:          logger,
	})
	// No WriteTimeout: watch connections stay open.
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tabstash-server listening", "addr", ln.Addr().String(), "store", cfg.Server.StoreDSN)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newTokenCmd(a *serverApp) *cobra.Command {
	var client string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <account>",
		Short: "Issue a bearer token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := httpapi.IssueToken(a.cfg.Server.JWTSecret, httpapi.TokenRequest{
				AccountID: args[0],
				Client:    strings.TrimSpace(client),
				Scopes:    scopes,
				TTL:       ttl,
			}, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client name recorded in the token")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes (default groups:read,groups:write)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
