package remote

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	Token        string
	Timeout      time.Duration
	PollInterval time.Duration
	PollJitter   float64
	MaxRetries   int
	Logger       *slog.Logger
}

// BuildFromDSN selects a remote adapter:
//
//	http(s)://host    document server, polled
//	ws(s)://host      document server, watched over a websocket
//	memory://         in-process store
//	dir:///path       shared directory of account documents
func BuildFromDSN(dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("remote dsn is required")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse remote dsn: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	clientOpts := HTTPClientOptions{
		Token:        opts.Token,
		HTTPClient:   &http.Client{Timeout: timeout},
		PollInterval: opts.PollInterval,
		PollJitter:   opts.PollJitter,
		MaxRetries:   opts.MaxRetries,
		Logger:       opts.Logger,
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		clientOpts.Mode = SubscribePoll
		return NewHTTPClient(dsn, clientOpts), nil
	case "ws", "wss":
		clientOpts.Mode = SubscribeWatch
		u.Scheme = strings.Replace(strings.ToLower(u.Scheme), "ws", "http", 1)
		return NewHTTPClient(u.String(), clientOpts), nil
	case "memory", "mem":
		return NewMemoryStore(), nil
	case "dir", "file":
		path := u.Host + u.Path
		if path == "" {
			path = u.Opaque
		}
		return NewDirStore(path, opts.Logger)
	default:
		return nil, fmt.Errorf("unsupported remote scheme %q", u.Scheme)
	}
}
