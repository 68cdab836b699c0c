package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	identity "github.com/cropai/identity"
)

type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfter        int    `json:"retry_after,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
}

var errorKinds = []struct {
	err    error
	kind   string
	status int
}{
	{identity.ErrBackendUnavailable, "backend_unavailable", http.StatusServiceUnavailable},
	{identity.ErrAccountLocked, "account_locked", http.StatusTooManyRequests},
	{identity.ErrInvalidCredentials, "invalid_credentials", http.StatusUnauthorized},
	{identity.ErrInactiveIdentity, "inactive_identity", http.StatusForbidden},
	{identity.ErrTokenExpired, "token_expired", http.StatusUnauthorized},
	{identity.ErrTokenRevoked, "token_revoked", http.StatusUnauthorized},
	{identity.ErrTokenInvalid, "token_invalid", http.StatusUnauthorized},
	{identity.ErrUnauthorized, "unauthorized", http.StatusUnauthorized},
	{identity.ErrChallengeNotFound, "challenge_not_found", http.StatusUnauthorized},
	{identity.ErrChallengeExpired, "challenge_expired", http.StatusUnauthorized},
	{identity.ErrChallengeExhausted, "challenge_exhausted", http.StatusUnauthorized},
	{identity.ErrInvalidMFACode, "invalid_mfa_code", http.StatusUnauthorized},
	{identity.ErrPermissionDenied, "permission_denied", http.StatusForbidden},
	{identity.ErrDuplicateIdentity, "duplicate_identity", http.StatusConflict},
	{identity.ErrDuplicateAssignment, "duplicate_assignment", http.StatusConflict},
	{identity.ErrRoleNotFound, "role_not_found", http.StatusBadRequest},
	{identity.ErrPermissionNotFound, "permission_not_found", http.StatusBadRequest},
	{identity.ErrNotAssigned, "not_assigned", http.StatusBadRequest},
	{identity.ErrIdentityNotFound, "identity_not_found", http.StatusNotFound},
	{identity.ErrDeviceNotFound, "device_not_found", http.StatusNotFound},
	{identity.ErrMFANotConfigured, "mfa_not_configured", http.StatusBadRequest},
	{identity.ErrMFAMethodUnsupported, "mfa_method_unsupported", http.StatusBadRequest},
	{identity.ErrCodeDeliveryFailed, "code_delivery_failed", http.StatusBadGateway},
	{identity.ErrInvalidResetCode, "invalid_reset_code", http.StatusBadRequest},
	{identity.ErrWeakPassword, "weak_password", http.StatusBadRequest},
	{identity.ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
}

// writeError renders an engine error. Order matters: a wrapped backend
// failure also matches ErrUnauthorized and must map to 503.
func (s *Server) writeError(c echo.Context, err error) error {
	for _, k := range errorKinds {
		if !errors.Is(err, k.err) {
			continue
		}
		body := errorResponse{Error: k.kind, Message: k.err.Error()}

		var locked *identity.LockedError
		if errors.As(err, &locked) {
			secs := int(math.Ceil(locked.RetryAfter(s.clock.Now()).Seconds()))
			body.RetryAfter = secs
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		}
		var codeErr *identity.MFACodeError
		if errors.As(err, &codeErr) {
			remaining := codeErr.Remaining
			body.RemainingAttempts = &remaining
		}
		if k.status == http.StatusServiceUnavailable {
			s.logger.Warn("backend unavailable", zap.String("path", c.Path()), zap.Error(err))
		}
		return c.JSON(k.status, body)
	}

	s.logger.Error("unhandled engine error", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal error"})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: message})
}
