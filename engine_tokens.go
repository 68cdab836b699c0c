package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cropai/identity/metrics"
	"github.com/cropai/identity/store"
)

// unauthorized tags cause so callers can match either ErrUnauthorized or
// the precise reason.
func unauthorized(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnauthorized, cause)
}

// Authorize verifies an access token and rejects revoked ones. Every error
// matches ErrUnauthorized; expired, invalid and revoked tokens also match
// ErrTokenExpired, ErrTokenInvalid and ErrTokenRevoked respectively. A
// revocation lookup that fails denies the request.
func (e *Engine) Authorize(ctx context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	claims, err := e.codec.ParseAccess(token, e.now())
	if err != nil {
		e.metrics.Authorize(outcome(err))
		return nil, unauthorized(err)
	}

	revoked, err := e.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		e.metrics.Authorize(metrics.OutcomeError)
		return nil, unauthorized(backendErr(err))
	}
	if revoked {
		e.metrics.Authorize(metrics.OutcomeRevoked)
		return nil, unauthorized(ErrTokenRevoked)
	}

	e.metrics.Authorize(metrics.OutcomeSuccess)
	return claims, nil
}

// RequirePermission checks perm against verified claims.
func (e *Engine) RequirePermission(claims *Claims, perm string) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if !claims.HasPermission(strings.ToLower(strings.TrimSpace(perm))) {
		return ErrPermissionDenied
	}
	return nil
}

// Refresh mints a new access token from a refresh token. Roles and
// permissions are re-read so grants made since login take effect. The
// refresh token itself is returned unchanged.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	now := e.now()
	claims, err := e.codec.ParseRefresh(strings.TrimSpace(refreshToken), now)
	if err != nil {
		return nil, err
	}
	revoked, err := e.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, backendErr(err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	identityID, err := claims.IdentityID()
	if err != nil {
		return nil, ErrTokenInvalid
	}
	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, backendErr(err)
	}
	if !identity.Active {
		return nil, ErrInactiveIdentity
	}

	_, access, err := e.mintAccess(ctx, identity, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int(e.codec.AccessTTL() / time.Second),
	}, nil
}

// Logout revokes the token id jti for the longest lifetime any token can
// have. It never fails; revocation errors are logged and counted.
func (e *Engine) Logout(ctx context.Context, jti string) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return
	}
	now := e.now()
	e.revoke(ctx, jti, now.Add(e.config.JWT.RefreshTTL), now)
}

// LogoutTokens revokes each given access or refresh token until its own
// expiry. Tokens that do not parse are skipped. It never fails.
func (e *Engine) LogoutTokens(ctx context.Context, tokens ...string) {
	now := e.now()
	for _, token := range tokens {
		token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
		if token == "" {
			continue
		}
		if claims, err := e.codec.ParseAccess(token, now); err == nil {
			e.revoke(ctx, claims.ID, claims.ExpiresAt.Time, now)
			continue
		}
		if claims, err := e.codec.ParseRefresh(token, now); err == nil {
			e.revoke(ctx, claims.ID, claims.ExpiresAt.Time, now)
		}
	}
}

func (e *Engine) revoke(ctx context.Context, jti string, expiresAt, now time.Time) {
	if err := e.revoked.Revoke(ctx, jti, expiresAt, now); err != nil {
		e.metrics.LogoutFailure()
		e.logger.Warn("token revocation failed", zap.Error(err))
	}
}
