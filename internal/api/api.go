// Package api exposes the billing service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/kamilpajak/billsync/internal/auth"
	"github.com/kamilpajak/billsync/internal/billing"
	"github.com/kamilpajak/billsync/internal/database"
	"github.com/kamilpajak/billsync/internal/logger"
)

// maxRequestBodyBytes caps JSON request bodies on user endpoints.
const maxRequestBodyBytes = 1 << 20

// ProfileStore persists user profiles synced from the identity provider.
type ProfileStore interface {
	UpsertUserProfile(ctx context.Context, userID, email string) (*database.UserProfile, error)
}

// Server is the API server.
type Server struct {
	service      *billing.Service
	webhooks     http.Handler
	profiles     ProfileStore
	authVerifier *auth.Verifier
	limiter      *rateLimiter
	health       func(context.Context) error
	metrics      http.Handler
	logger       *zap.Logger
	mux          *http.ServeMux
	handler      http.Handler
}

// Config holds API server configuration.
type Config struct {
	Service   *billing.Service
	Processor *billing.Processor
	Profiles  ProfileStore
	// AuthVerifier protects the user endpoints. When nil, callers are
	// trusted and no bearer token is required.
	AuthVerifier *auth.Verifier
	// RateLimitPerMinute bounds requests per user on user endpoints; 0
	// disables limiting.
	RateLimitPerMinute int
	// Health reports whether dependencies are reachable.
	Health func(context.Context) error
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	log := logger.OrNop(cfg.Logger)
	s := &Server{
		service:      cfg.Service,
		webhooks:     billing.NewWebhookHandler(cfg.Processor, log),
		profiles:     cfg.Profiles,
		authVerifier: cfg.AuthVerifier,
		limiter:      newRateLimiter(cfg.RateLimitPerMinute),
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		logger:       log,
		mux:          http.NewServeMux(),
	}

	s.registerRoutes()
	s.handler = requestLogger(log)(s.mux)
	return s
}

func (s *Server) registerRoutes() {
	// Public endpoints
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /billing/plans", s.handleListPlans)
	s.mux.Handle("POST /webhooks/billing", s.webhooks)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	// User endpoints
	s.mux.HandleFunc("POST /auth/sync", s.withAuth(s.handleAuthSync))
	s.mux.HandleFunc("POST /billing/checkout", s.withAuth(s.handleCreateCheckout))
	s.mux.HandleFunc("POST /billing/portal", s.withAuth(s.handleCreatePortal))
	s.mux.HandleFunc("POST /billing/cancel", s.withAuth(s.handleCancel))
	s.mux.HandleFunc("POST /billing/resume", s.withAuth(s.handleResume))
	s.mux.HandleFunc("POST /billing/change-plan", s.withAuth(s.handleChangePlan))
	s.mux.HandleFunc("GET /billing/subscription", s.withAuth(s.handleGetSubscription))
	s.mux.HandleFunc("GET /billing/entitlements", s.withAuth(s.handleGetEntitlements))
	s.mux.HandleFunc("GET /billing/entitlements/check", s.withAuth(s.handleCheckLimit))
}

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	if s.authVerifier == nil {
		return handler
	}
	middleware := auth.Middleware(s.authVerifier)
	return func(w http.ResponseWriter, r *http.Request) {
		middleware(handler).ServeHTTP(w, r)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			logger.FromContext(r.Context(), s.logger).Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
