package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type meResponse struct {
	ID         string  `json:"id"`
	Username   string  `json:"username"`
	Role       string  `json:"role"`
	Balance    float64 `json:"balance"`
	TokenPrice float64 `json:"token_price"`
	FileLimit  int     `json:"file_limit"`
	Remaining  int     `json:"remaining_today"`
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	left, err := s.Accounts.Remaining(r.Context(), u.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID: u.ID, Username: u.Username, Role: u.Role,
		Balance: u.Balance, TokenPrice: u.TokenPrice, FileLimit: u.FileLimit,
		Remaining: left,
	})
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	s.writeTransactions(w, r, userFrom(r.Context()).ID)
}

func (s *Server) writeTransactions(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.Accounts.Transactions(r.Context(), userID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": list})
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Accounts.Keys(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	k, tok, err := s.Accounts.CreateKey(r.Context(), userFrom(r.Context()).ID, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": k, "token": tok})
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.Accounts.RevokeKey(r.Context(), userFrom(r.Context()).ID, chi.URLParam(r, "keyID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
