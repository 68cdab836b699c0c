package middleware

import (
	"errors"
	"net/http"

	identity "github.com/cropai/identity"
)

// RequirePermission rejects requests whose claims lack perm. It must run
// after Guard; without claims it answers 401.
func RequirePermission(engine Authorizer, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := identity.ClaimsFromContext(r.Context())
			if err := engine.RequirePermission(claims, perm); err != nil {
				if errors.Is(err, identity.ErrPermissionDenied) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
