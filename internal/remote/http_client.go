package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tabstash/internal/groups"
)

const maxDocumentBytes = 8 << 20

type SubscribeMode string

const (
	SubscribePoll  SubscribeMode = "poll"
	SubscribeWatch SubscribeMode = "watch"
)

type HTTPClientOptions struct {
	Token        string
	HTTPClient   *http.Client
	Mode         SubscribeMode
	PollInterval time.Duration
	PollJitter   float64
	MaxRetries   int
	Logger       *slog.Logger
}

// HTTPClient talks to a tabstash document server.
type HTTPClient struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	mode         SubscribeMode
	pollInterval time.Duration
	pollJitter   float64
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewHTTPClient(baseURL string, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Mode == "" {
		opts.Mode = SubscribePoll
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:      baseURL,
		token:        strings.TrimSpace(opts.Token),
		httpClient:   opts.HTTPClient,
		mode:         opts.Mode,
		pollInterval: opts.PollInterval,
		pollJitter:   clampJitterRatio(opts.PollJitter),
		maxRetries:   opts.MaxRetries,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     2 * time.Second,
		logger:       opts.Logger,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *HTTPClient) documentPath(accountID string) string {
	return fmt.Sprintf("/v1/accounts/%s/groups", url.PathEscape(accountID))
}

func (c *HTTPClient) Fetch(ctx context.Context, accountID string) ([]groups.Group, error) {
	accountID, err := c.requireCredentials(accountID)
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodGet, c.documentPath(accountID), nil)
	if err != nil {
		return nil, err
	}
	return groups.DecodeDocument(payload)
}

func (c *HTTPClient) Push(ctx context.Context, accountID string, in []groups.Group) error {
	accountID, err := c.requireCredentials(accountID)
	if err != nil {
		return err
	}
	body, err := groups.EncodeDocument(in)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, c.documentPath(accountID), body)
	return err
}

func (c *HTTPClient) Subscribe(ctx context.Context, accountID string) (Subscription, error) {
	accountID, err := c.requireCredentials(accountID)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	f := newFeed(cancel)
	switch c.mode {
	case SubscribeWatch:
		go c.watch(subCtx, f, accountID)
	default:
		go c.poll(subCtx, f, accountID)
	}
	return f, nil
}

func (c *HTTPClient) requireCredentials(accountID string) (string, error) {
	accountID, err := requireAccount(accountID)
	if err != nil {
		return "", err
	}
	if c.token == "" {
		return "", ErrNoAccount
	}
	return accountID, nil
}

func (c *HTTPClient) poll(ctx context.Context, f *feed, accountID string) {
	logger := c.logger.With("account", accountID, "mode", SubscribePoll)
	for {
		snapshot, err := c.Fetch(ctx, accountID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("remote poll failed", "error", err)
		} else if !f.offer(snapshot) {
			return
		}
		if err := waitWithContext(ctx, c.nextPollDelay()); err != nil {
			return
		}
	}
}

func (c *HTTPClient) nextPollDelay() time.Duration {
	c.rngMu.Lock()
	sample := c.rng.Float64()
	c.rngMu.Unlock()
	return jitteredInterval(c.pollInterval, c.pollJitter, sample)
}

func (c *HTTPClient) watch(ctx context.Context, f *feed, accountID string) {
	logger := c.logger.With("account", accountID, "mode", SubscribeWatch)
	for attempt := 0; ; attempt++ {
		received, err := c.watchOnce(ctx, f, accountID)
		if ctx.Err() != nil {
			return
		}
		if received {
			attempt = 0
		}
		logger.Warn("remote watch disconnected", "error", err, "attempt", attempt+1)
		if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
			return
		}
	}
}

// watchOnce holds one websocket connection open until it fails. It reports
// whether at least one document arrived so the caller can reset backoff.
func (c *HTTPClient) watchOnce(ctx context.Context, f *feed, accountID string) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	conn, resp, err := websocket.Dial(ctx, c.baseURL+c.documentPath(accountID)+"/watch", &websocket.DialOptions{
		HTTPClient: c.httpClientForWatch(),
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return false, &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxDocumentBytes)

	received := false
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return received, err
		}
		snapshot, err := groups.DecodeDocument(raw)
		if err != nil {
			c.logger.Warn("discarding malformed remote document", "account", accountID, "error", err)
			continue
		}
		received = true
		if !f.offer(snapshot) {
			return received, nil
		}
	}
}

// httpClientForWatch drops the request timeout, which would otherwise cut
// the long-lived websocket connection.
func (c *HTTPClient) httpClientForWatch() *http.Client {
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath string, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if len(payload) > maxDocumentBytes {
			return nil, fmt.Errorf("remote document exceeds %d bytes", maxDocumentBytes)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("tabstash_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
