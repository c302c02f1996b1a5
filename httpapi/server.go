// Package httpapi exposes the sync, account and deduct operations over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/creditsync"
)

// Service is the part of *creditsync.Syncer the server needs.
type Service interface {
	Sync(ctx context.Context, req creditsync.SyncRequest) (creditsync.SyncResult, error)
	Account(ctx context.Context, userID string) (creditsync.AccountView, error)
	Deduct(ctx context.Context, req creditsync.DeductRequest) (creditsync.DeductResult, error)
}

var _ Service = (*creditsync.Syncer)(nil)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Server is the creditsync HTTP API server.
type Server struct {
	svc            Service
	logger         *slog.Logger
	allowedOrigin  string
	metrics        http.Handler
	requestTimeout time.Duration
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the base logger. Each request gets a child logger
// carrying its request ID.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAllowedOrigin sets Access-Control-Allow-Origin (default "*").
func WithAllowedOrigin(origin string) Option {
	return func(s *Server) { s.allowedOrigin = origin }
}

// WithMetrics mounts h at /metrics. Pass promhttp.Handler() for the
// default registry.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRequestTimeout bounds each request (default 30s).
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// New creates a Server.
func New(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:            svc,
		allowedOrigin:  "*",
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// DefaultMetricsHandler serves the default Prometheus registry.
func DefaultMetricsHandler() http.Handler { return promhttp.Handler() }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(s.cors)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sync", s.handleSync)
		r.Get("/accounts/{userID}", s.handleAccount)
		r.Post("/check-status", s.handleCheckStatus)
		r.Post("/deduct", s.handleDeduct)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	return r
}

// syncBody accepts both spellings used by existing callers.
type syncBody struct {
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	UserID     string `json:"user_id"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncBody
	if !decode(w, r, &body) {
		return
	}
	key := body.SessionKey
	if key == "" {
		key = body.SessionID
	}

	res, err := s.svc.Sync(r.Context(), creditsync.SyncRequest{SessionKey: key, UserID: body.UserID})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.account(w, r, chi.URLParam(r, "userID"))
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.account(w, r, body.UserID)
}

func (s *Server) account(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := s.svc.Account(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var req creditsync.DeductRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Deduct(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, creditsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "creditsync: "))
	case errors.Is(err, creditsync.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	default:
		LoggerFrom(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
