package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/observability"
	"github.com/hazyhaar/dastyar/shield"
)

func actor(r *http.Request) string { return userFrom(r.Context()).Username }

func (s *Server) adminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Accounts.Users(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) adminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string  `json:"username"`
		Email      string  `json:"email"`
		Role       string  `json:"role"`
		FileLimit  int     `json:"file_limit"`
		TokenPrice float64 `json:"token_price"`
		Balance    float64 `json:"balance"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Role != "" && req.Role != accounts.RoleAdmin && req.Role != accounts.RoleCustomer {
		writeError(w, http.StatusBadRequest, errors.New("role must be admin or customer"))
		return
	}
	if req.FileLimit == 0 {
		req.FileLimit = s.cfg.Billing.DefaultFileLimit
	}
	if req.TokenPrice == 0 {
		req.TokenPrice = s.cfg.Billing.DefaultTokenPrice
	}
	u, err := s.Accounts.CreateUser(r.Context(), accounts.NewUser{
		Username: req.Username, Email: req.Email, Role: req.Role,
		FileLimit: req.FileLimit, TokenPrice: req.TokenPrice, Balance: req.Balance,
	})
	s.Audit.Record(r.Context(), actor(r), "user.create", req.Username, req, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) adminUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active     *bool    `json:"active"`
		TokenPrice *float64 `json:"token_price"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "userID")
	var err error
	if req.Active != nil {
		err = s.Accounts.SetActive(ctx, id, *req.Active)
	}
	if err == nil && req.TokenPrice != nil {
		err = s.Accounts.SetTokenPrice(ctx, id, *req.TokenPrice)
	}
	s.Audit.Record(ctx, actor(r), "user.update", id, req, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.Accounts.GetUser(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// adminAdjustWallet credits (positive amount) or debits a wallet.
func (s *Server) adminAdjustWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      float64 `json:"amount"`
		Description string  `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "userID")
	if req.Description == "" {
		req.Description = "admin adjustment by " + actor(r)
	}
	t, err := s.Accounts.Adjust(ctx, id, req.Amount, req.Description)
	s.Audit.Record(ctx, actor(r), "wallet.adjust", id, req, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ev := observability.EventWalletCredit
	if req.Amount < 0 {
		ev = observability.EventWalletDebit
	}
	s.Events.LogEvent(ctx, observability.BusinessEvent{
		EventType: ev, EntityType: "user", EntityID: id, UserID: id,
		Action: "adjust", Success: true,
		Details: map[string]any{"amount": req.Amount, "balance_after": t.BalanceAfter, "by": actor(r)},
	})
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) adminTransactions(w http.ResponseWriter, r *http.Request) {
	s.writeTransactions(w, r, chi.URLParam(r, "userID"))
}

func (s *Server) adminListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJobList(w, r, r.URL.Query().Get("user_id"))
}

func (s *Server) adminForceStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	j, err := s.Jobs.ForceStatus(r.Context(), chi.URLParam(r, "jobID"), req.Status, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) adminJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []observability.Event{}})
		return
	}
	events, err := s.Events.Events(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) adminAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []observability.AuditEntry{}})
		return
	}
	entries, err := s.Audit.Query(r.Context(), r.URL.Query().Get("target"), queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// adminWorkers lists the workers that sent a heartbeat in the last hour.
func (s *Server) adminWorkers(w http.ResponseWriter, r *http.Request) {
	if s.ObsDB == nil {
		writeJSON(w, http.StatusOK, map[string]any{"workers": []*observability.HeartbeatStatus{}})
		return
	}
	workers, err := observability.Workers(r.Context(), s.ObsDB, time.Now().Add(-time.Hour), 90*time.Second)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) adminMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active  bool   `json:"active"`
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.Maintenance == nil {
		writeError(w, http.StatusNotImplemented, errors.New("maintenance switch not configured"))
		return
	}
	err := s.Maintenance.Set(r.Context(), req.Active, req.Message)
	s.Audit.Record(r.Context(), actor(r), "maintenance.set", "", req, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": s.Maintenance.Active(), "message": s.Maintenance.Message()})
}

func (s *Server) adminRateLimits(w http.ResponseWriter, r *http.Request) {
	if s.RateLimits == nil {
		writeError(w, http.StatusNotImplemented, errors.New("rate limiter not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.RateLimits.Rules()})
}

// adminSetRateLimit upserts one rule. Endpoint is "METHOD /path" or "*".
func (s *Server) adminSetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
		shield.RateLimitConfig
	}
	req.Enabled = true
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.RateLimits == nil {
		writeError(w, http.StatusNotImplemented, errors.New("rate limiter not configured"))
		return
	}
	err := s.RateLimits.SetRule(r.Context(), req.Endpoint, req.RateLimitConfig)
	s.Audit.Record(r.Context(), actor(r), "ratelimit.set", req.Endpoint, req, err)
	if errors.Is(err, shield.ErrInvalidRule) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.RateLimits.Rules()})
}
