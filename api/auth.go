package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/kit"
)

type ctxKey struct{}

// userFrom returns the authenticated user. Routes behind authenticate
// always have one.
func userFrom(ctx context.Context) *accounts.User {
	u, _ := ctx.Value(ctxKey{}).(*accounts.User)
	return u
}

func withUser(ctx context.Context, u *accounts.User, keyID string) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, u)
	ctx = kit.WithUserID(ctx, u.ID)
	ctx = kit.WithUsername(ctx, u.Username)
	ctx = kit.WithRole(ctx, u.Role)
	return kit.WithAPIKeyID(ctx, keyID)
}

// token extracts the API key. Browsers cannot set headers on a websocket
// handshake, so upgrades may pass it as the api_key query parameter.
func token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := token(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing api key"))
			return
		}
		u, key, err := s.Accounts.Authenticate(r.Context(), tok)
		switch {
		case errors.Is(err, accounts.ErrInvalidKey), errors.Is(err, accounts.ErrUserNotFound):
			writeError(w, http.StatusUnauthorized, errors.New("invalid api key"))
			return
		case errors.Is(err, accounts.ErrUserInactive):
			writeError(w, http.StatusForbidden, err)
			return
		case err != nil:
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u, key.ID)))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := userFrom(r.Context()); u == nil || !u.IsAdmin() {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
