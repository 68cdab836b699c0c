package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/cropai/identity/device"
	"github.com/cropai/identity/jwt"
	"github.com/cropai/identity/rbac"
)

var (
	// ErrInvalidCredentials is returned for an unknown identifier and for a
	// wrong password alike.
	ErrInvalidCredentials = errors.New("invalid email/username or password")
	// ErrAccountLocked is returned while an address or account lockout is in
	// force. The concrete error is a *LockedError carrying the unlock time.
	ErrAccountLocked    = errors.New("account temporarily locked")
	ErrInactiveIdentity = errors.New("identity is deactivated")

	ErrTokenExpired = jwt.ErrExpiredToken
	ErrTokenInvalid = jwt.ErrInvalidToken
	ErrTokenRevoked = errors.New("token revoked")
	ErrUnauthorized = errors.New("unauthorized")

	ErrChallengeNotFound  = errors.New("invalid or unknown mfa challenge")
	ErrChallengeExpired   = errors.New("mfa challenge expired")
	ErrChallengeExhausted = errors.New("mfa challenge attempts exhausted")
	// ErrInvalidMFACode is returned as a *MFACodeError with the remaining
	// attempts.
	ErrInvalidMFACode       = errors.New("invalid mfa code")
	ErrMFANotConfigured     = errors.New("mfa not configured")
	ErrMFAMethodUnsupported = errors.New("mfa method not supported")
	ErrCodeDeliveryFailed   = errors.New("verification code could not be delivered")

	ErrPermissionDenied    = errors.New("permission denied")
	ErrRoleNotFound        = rbac.ErrRoleNotFound
	ErrPermissionNotFound  = rbac.ErrPermissionNotFound
	ErrDuplicateAssignment = rbac.ErrDuplicateAssignment
	ErrNotAssigned         = rbac.ErrNotAssigned

	ErrDuplicateIdentity = errors.New("email or username already exists")
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrDeviceNotFound    = device.ErrDeviceNotFound

	ErrInvalidResetCode = errors.New("invalid or expired reset code")
	ErrWeakPassword     = errors.New("password does not meet policy")
	ErrInvalidRequest   = errors.New("invalid request")

	ErrBackendUnavailable = errors.New("identity backend unavailable")
)

// LockedError reports a lockout and when it ends.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// RetryAfter is the time left until the lock ends, never negative.
func (e *LockedError) RetryAfter(now time.Time) time.Duration {
	if d := e.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// MFACodeError reports a wrong MFA code and the attempts left on the
// challenge.
type MFACodeError struct {
	Remaining int
}

func (e *MFACodeError) Error() string {
	return fmt.Sprintf("%s: %d attempts remaining", ErrInvalidMFACode, e.Remaining)
}

func (e *MFACodeError) Unwrap() error { return ErrInvalidMFACode }

func backendErr(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
