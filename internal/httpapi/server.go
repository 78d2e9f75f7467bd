package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tabgrove/spacesync/internal/spacesync"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *spacesync.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      chi.Router
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

func NewServer(store *spacesync.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *spacesync.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
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
	}
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/v1/spaces", s.handleGetAllSpaces)
	r.Post("/v1/spaces", s.handleCreateSpace)
	r.Post("/v1/windows/{windowID}/rename", s.handleRename)
	r.Post("/v1/windows/{windowID}/close", s.handleClose)
	r.Post("/v1/windows/{windowID}/switch", s.handleSwitch)
	r.Post("/v1/closed-spaces/{spaceID}/restore", s.handleRestore)
	r.Delete("/v1/closed-spaces/{spaceID}", s.handleRemoveClosed)
	r.Get("/v1/notifications", s.handleNotifications)
	r.Get("/v1/admin/backend", s.handleBackendStatus)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SnapshotResponse is the full-state pull every client reconciles against.
type SnapshotResponse struct {
	Spaces       map[string]spacesync.Space `json:"spaces"`
	ClosedSpaces map[string]spacesync.Space `json:"closedSpaces"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type createRequest struct {
	Name string   `json:"name"`
	URLs []string `json:"urls"`
}

// SpaceResponse echoes the committed entity back to the mutating client so
// it can clear its optimistic record against the authoritative version.
type SpaceResponse struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Version int64           `json:"version"`
	Space   spacesync.Space `json:"space"`
}

func spaceResponseOf(sp spacesync.Space) SpaceResponse {
	return SpaceResponse{ID: sp.ID, Name: sp.Name, Version: sp.Version, Space: sp}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetAllSpaces(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	spaces, err := s.store.GetAllSpaces(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	closed, err := s.store.GetAllClosedSpaces(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{Spaces: spaces, ClosedSpaces: closed})
}

func (s *Server) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	correlationID, ok := s.mutationPreamble(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !s.readJSONBody(w, r, &req, correlationID) {
		return
	}
	sp, err := s.store.CreateSpace(r.Context(), req.Name, req.URLs)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, spaceResponseOf(sp))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	correlationID, ok := s.mutationPreamble(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !s.readJSONBody(w, r, &req, correlationID) {
		return
	}
	sp, err := s.store.Rename(r.Context(), chi.URLParam(r, "windowID"), req.Name)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, spaceResponseOf(sp))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	correlationID, ok := s.mutationPreamble(w, r)
	if !ok {
		return
	}
	sp, err := s.store.CloseSpace(r.Context(), chi.URLParam(r, "windowID"))
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, spaceResponseOf(sp))
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	correlationID, ok := s.mutationPreamble(w, r)
	if !ok {
		return
	}
	sp, err := s.store.SwitchTo(r.Context(), chi.URLParam(r, "windowID"))
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, spaceResponseOf(sp))
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	correlationID, ok := s.mutationPreamble(w, r)
	if !ok {
		return
	}
	sp, err := s.store.Restore(r.Context(), chi.URLParam(r, "spaceID"))
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, spaceResponseOf(sp))
}

func (s *Server) handleRemoveClosed(w http.ResponseWriter, r *http.Request) {
	correlationID, ok := s.mutationPreamble(w, r)
	if !ok {
		return
	}
	sp, err := s.store.RemoveClosed(r.Context(), chi.URLParam(r, "spaceID"))
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, spaceResponseOf(sp))
}

// handleNotifications upgrades to a websocket and forwards broadcast
// messages until the client goes away. Push is a latency optimization only;
// a client that misses messages pulls /v1/spaces and reconciles.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	messages, cancel := s.store.Broadcaster().Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-messages:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, msg)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleBackendStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetBackendStatus())
}

// mutationPreamble enforces the correlation-id header and the rate limit for
// every mutating route.
func (s *Server) mutationPreamble(w http.ResponseWriter, r *http.Request) (string, bool) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return "", false
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return "", false
		}
	}
	return correlationID, true
}

func (s *Server) readJSONBody(w http.ResponseWriter, r *http.Request, out any, correlationID string) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", correlationID)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var validation *spacesync.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", validation.Error(), correlationID)
	case errors.Is(err, spacesync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, spacesync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, spacesync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, spacesync.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error(), correlationID)
	case errors.Is(err, spacesync.ErrStaleVersion):
		writeError(w, http.StatusConflict, "stale_version", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func clientKey(r *http.Request) string {
	if client := strings.TrimSpace(r.Header.Get("X-Client-Id")); client != "" {
		return client
	}
	return r.RemoteAddr
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, errorBody{Code: code, Message: message, CorrelationID: correlationID})
}
