// Package api is the HTTP surface of dastyar: job submission and tracking
// for API-key holders, wallet and key self-service, and the admin console
// endpoints. The same operations are offered as MCP tools (see mcp.go).
//
// Routes live under /v1. Authentication is an API key sent as
// "Authorization: Bearer <key>" or "X-API-Key: <key>".
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/config"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/observability"
	"github.com/hazyhaar/dastyar/shield"
)

// Deps are the collaborators of the API.
type Deps struct {
	Accounts    *accounts.Store
	Jobs        *jobs.Manager
	Events      *observability.EventLogger
	Metrics     *observability.MetricsManager
	Audit       *observability.AuditLogger
	ObsDB       *sql.DB // heartbeats
	Maintenance *shield.MaintenanceMode
	RateLimits  *shield.RateLimiter
	Logger      *slog.Logger
}

// Server serves the API.
type Server struct {
	cfg *config.Config
	Deps
	watchEvery time.Duration
}

// New builds a Server.
func New(cfg *config.Config, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{cfg: cfg, Deps: d, watchEvery: time.Second}
}

// Routes mounts the API on r. The shield stack is applied by the caller.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/me", s.me)
		r.Get("/me/transactions", s.transactions)
		r.Get("/me/keys", s.listKeys)
		r.Post("/me/keys", s.createKey)
		r.Delete("/me/keys/{keyID}", s.revokeKey)

		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{jobID}", s.getJob)
		r.Post("/jobs/{jobID}/cancel", s.cancelJob)
		r.Get("/jobs/{jobID}/download/{format}", s.download)
		r.Get("/jobs/{jobID}/watch", s.watch)

		r.Handle("/mcp", s.mcpHandler())

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/users", s.adminListUsers)
			r.Post("/users", s.adminCreateUser)
			r.Patch("/users/{userID}", s.adminUpdateUser)
			r.Post("/users/{userID}/wallet", s.adminAdjustWallet)
			r.Get("/users/{userID}/transactions", s.adminTransactions)
			r.Get("/jobs", s.adminListJobs)
			r.Post("/jobs/{jobID}/status", s.adminForceStatus)
			r.Get("/jobs/{jobID}/events", s.adminJobEvents)
			r.Get("/audit", s.adminAudit)
			r.Get("/workers", s.adminWorkers)
			r.Post("/maintenance", s.adminMaintenance)
			r.Get("/ratelimits", s.adminRateLimits)
			r.Put("/ratelimits", s.adminSetRateLimit)
		})
	})
}

// Handler returns the full handler: shield stack plus routes.
func (s *Server) Handler(stack []func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range stack {
		r.Use(mw)
	}
	s.Routes(r)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.Accounts.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// fail maps domain errors to HTTP statuses. Unknown errors are logged and
// reported as 500 without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("api: request failed", "error", err)
		writeJSON(w, code, map[string]string{"error": "internal error"})
		return
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, accounts.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, accounts.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, accounts.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, accounts.ErrUserInactive):
		return http.StatusForbidden
	case errors.Is(err, accounts.ErrUsernameTaken), errors.Is(err, jobs.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrUnsupportedFormat), errors.Is(err, jobs.ErrInvalidStatus),
		errors.Is(err, accounts.ErrInvalidAmount), errors.Is(err, accounts.ErrInvalidKey),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
