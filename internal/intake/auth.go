package intake

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oss-compass/openchecker/internal/auth"

	"github.com/go-chi/render"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

type userKey struct{}

func userFrom(ctx context.Context) (auth.User, bool) {
	u, ok := ctx.Value(userKey{}).(auth.User)
	return u, ok
}

// authenticate accepts HTTP basic credentials or a JSON body.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if name, password, ok := r.BasicAuth(); ok {
		c = credentials{Username: name, Password: password}
	} else if err := render.DecodeJSON(r.Body, &c); err != nil {
		fail(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, err := s.dir.Authenticate(c.Username, c.Password)
	if err != nil {
		slog.InfoContext(r.Context(), "authentication failed", "username", c.Username)
		fail(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	tok, err := s.issuer.Issue(user)
	if err != nil {
		slog.ErrorContext(r.Context(), "issuing token", "error", err)
		fail(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	render.JSON(w, r, tokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// bearer rejects requests without a valid token of a known user.
func (s *Server) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, raw, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, auth.TokenType) || raw == "" {
			fail(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.issuer.Verify(strings.TrimSpace(raw))
		if err != nil {
			slog.InfoContext(r.Context(), "token rejected", "error", err)
			fail(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}
