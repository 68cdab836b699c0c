package identity

import (
	"time"

	"github.com/cropai/identity/jwt"
	"github.com/cropai/identity/store"
)

// Clock supplies the current time. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Claims are the verified contents of an access token.
type Claims = jwt.AccessClaims

// LoginRequest is one password login attempt. Identifier is a username or
// an email address. A non-empty DeviceName registers the client device and
// returns a device-trust token.
type LoginRequest struct {
	Identifier string
	Password   string
	Address    string
	UserAgent  string
	DeviceName string
	DeviceType string
}

// VerifyMFARequest answers a pending MFA challenge.
type VerifyMFARequest struct {
	ChallengeID string
	Code        string
	Address     string
	UserAgent   string
}

// LoginStatus tells a full login from one waiting on MFA.
type LoginStatus string

const (
	StatusAuthenticated LoginStatus = "authenticated"
	StatusMFARequired   LoginStatus = "mfa_required"
)

// LoginResult is the successful outcome of Login or VerifyMFA. Exactly one
// of Tokens and Challenge is set, matching Status.
type LoginResult struct {
	Status    LoginStatus
	Tokens    *TokenPair
	Identity  *IdentitySummary
	Challenge *ChallengeInfo
	Device    *DeviceGrant
}

// TokenPair is the token bundle returned to the client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type IdentitySummary struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Role        string   `json:"role"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// ChallengeInfo describes an issued MFA challenge. It never carries the
// expected code.
type ChallengeInfo struct {
	ID        string          `json:"challenge_id"`
	Method    store.MFAMethod `json:"mfa_method"`
	ExpiresAt time.Time       `json:"expires_at"`
	ExpiresIn int             `json:"expires_in"`
}

// DeviceGrant is the device registered during a login and its trust token.
type DeviceGrant struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"device_token"`
	Trusted  bool   `json:"trusted"`
}

// SetupMFARequest starts enrollment of a second factor.
type SetupMFARequest struct {
	Method store.MFAMethod
	Phone  string
}

// SetupResult is returned by SetupMFA. Secret, ProvisioningURI and
// BackupCodes are only set for TOTP and are shown to the user once.
type SetupResult struct {
	Method          store.MFAMethod `json:"method"`
	Secret          string          `json:"secret,omitempty"`
	ProvisioningURI string          `json:"provisioning_uri,omitempty"`
	BackupCodes     []string        `json:"backup_codes,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// RegisterRequest creates an identity. Role defaults to VIEWER.
type RegisterRequest struct {
	Email    string
	Username string
	Password string
	FullName string
	Role     string
}

// DeviceRequest registers a device explicitly.
type DeviceRequest struct {
	DeviceID   string
	Name       string
	Type       string
	UserAgent  string
	TrustedFor time.Duration
}
