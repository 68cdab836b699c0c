package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	identity "github.com/cropai/identity"
)

type fakeAuthorizer struct {
	claims *identity.Claims
	err    error
}

func (f fakeAuthorizer) Authorize(_ context.Context, token string) (*identity.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	if token != "good" {
		return nil, fmt.Errorf("%w: %w", identity.ErrUnauthorized, identity.ErrTokenInvalid)
	}
	return f.claims, nil
}

func (f fakeAuthorizer) RequirePermission(claims *identity.Claims, perm string) error {
	if claims == nil {
		return identity.ErrUnauthorized
	}
	if !claims.HasPermission(perm) {
		return identity.ErrPermissionDenied
	}
	return nil
}

func serve(h http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/crops", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGuard(t *testing.T) {
	claims := &identity.Claims{Username: "alice", Permissions: []string{"crops:read"}}
	var seen *identity.Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = identity.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Guard(fakeAuthorizer{claims: claims})(next)

	if rec := serve(h, ""); rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("expected 401 without header, got %d", rec.Code)
	}
	if rec := serve(h, "Basic abc"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for basic auth, got %d", rec.Code)
	}
	if rec := serve(h, "Bearer bad"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a rejected token, got %d", rec.Code)
	}
	if rec := serve(h, "bearer good"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen != claims {
		t.Fatalf("expected claims in the request context")
	}
}

func TestGuardBackendOutage(t *testing.T) {
	err := fmt.Errorf("%w: %w", identity.ErrUnauthorized, identity.ErrBackendUnavailable)
	h := Guard(fakeAuthorizer{err: err})(http.NotFoundHandler())
	if rec := serve(h, "Bearer good"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestGuardNilEngine(t *testing.T) {
	h := Guard(nil)(http.NotFoundHandler())
	if rec := serve(h, "Bearer good"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	authz := fakeAuthorizer{claims: &identity.Claims{Permissions: []string{"crops:read"}}}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	read := Guard(authz)(RequirePermission(authz, "crops:read")(ok))
	if rec := serve(read, "Bearer good"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	del := Guard(authz)(RequirePermission(authz, "crops:delete")(ok))
	if rec := serve(del, "Bearer good"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	bare := RequirePermission(authz, "crops:read")(ok)
	if rec := serve(bare, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without claims, got %d", rec.Code)
	}
}
