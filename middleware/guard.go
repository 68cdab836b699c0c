package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	identity "github.com/cropai/identity"
)

// Authorizer is the part of *identity.Engine used by the guards.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*identity.Claims, error)
	RequirePermission(claims *identity.Claims, perm string) error
}

// Guard verifies the bearer token and attaches the claims to the request
// context. A missing or rejected token gets 401; a revocation store outage
// gets 503.
func Guard(engine Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.Authorize(r.Context(), token)
			if err != nil {
				if errors.Is(err, identity.ErrBackendUnavailable) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
