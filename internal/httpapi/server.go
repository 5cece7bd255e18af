// Package httpapi serves account-scoped tab group documents over HTTP and
// streams changes to websocket watchers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tabstash/internal/groups"
	"github.com/agentworkforce/tabstash/internal/remote"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	WriteTimeout    time.Duration
	Logger          *slog.Logger
}

type Server struct {
	store       remote.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      chi.Router
	logger      *slog.Logger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store remote.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store remote.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1/accounts/{accountID}/groups", func(r chi.Router) {
		r.With(s.authorize(ScopeRead)).Get("/", s.handleGetGroups)
		r.With(s.authorize(ScopeWrite)).Put("/", s.handlePutGroups)
		r.With(s.authorize(ScopeRead)).Get("/watch", s.handleWatch)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"correlation_id", getCorrelationID(r),
		)
	})
}

type claimsKey struct{}

func (s *Server) authorize(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			accountID := chi.URLParam(r, "accountID")
			claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, accountID, scope, s.now())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if s.rateLimiter != nil && !s.rateLimiter.allow(claims.AccountID+"|"+claims.Client, s.now()) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func (s *Server) handleGetGroups(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	snapshot, err := s.store.Fetch(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	doc, err := groups.EncodeDocument(snapshot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode document", correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if etag, err := groups.ContentHash(snapshot); err == nil {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) handlePutGroups(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	snapshot, err := groups.DecodeDocument(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error(), correlationID)
		return
	}
	accountID := chi.URLParam(r, "accountID")
	if err := s.store.Push(r.Context(), accountID, snapshot); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	claims, _ := r.Context().Value(claimsKey{}).(tokenClaims)
	s.logger.Info("groups replaced",
		"account", accountID,
		"client", claims.Client,
		"groups", len(snapshot),
		"correlation_id", correlationID,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch ended")

	// Watchers never send; CloseRead handles control frames and cancels
	// ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	sub, err := s.store.Subscribe(ctx, accountID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	logger := s.logger.With("account", accountID, "correlation_id", getCorrelationID(r))
	logger.Debug("watch opened")
	for {
		select {
		case <-ctx.Done():
			logger.Debug("watch closed")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case snapshot, ok := <-sub.Updates():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			doc, err := groups.EncodeDocument(snapshot)
			if err != nil {
				logger.Error("encode watched document", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err = wsjson.Write(writeCtx, conn, json.RawMessage(doc))
			cancel()
			if err != nil {
				logger.Debug("watch write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, remote.ErrNoAccount):
		writeError(w, http.StatusNotFound, "not_found", "unknown account", correlationID)
	case errors.Is(err, groups.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error(), correlationID)
	default:
		s.logger.Error("document store failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "document store unavailable", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
