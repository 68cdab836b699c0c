package store

import (
	"strings"
	"time"
)

// MFAMethod is the second factor configured on a credential.
type MFAMethod string

const (
	MFANone  MFAMethod = "none"
	MFATOTP  MFAMethod = "totp"
	MFASMS   MFAMethod = "sms"
	MFAEmail MFAMethod = "email"
)

// Valid reports whether m is a known method.
func (m MFAMethod) Valid() bool {
	switch m {
	case MFANone, MFATOTP, MFASMS, MFAEmail:
		return true
	}
	return false
}

// LoginMethod is the preferred primary login method.
type LoginMethod string

const (
	LoginPassword LoginMethod = "password"
	LoginSSO      LoginMethod = "sso"
)

// LoginStatus is the outcome recorded in a history entry.
type LoginStatus string

const (
	StatusSuccess     LoginStatus = "success"
	StatusFailed      LoginStatus = "failed"
	StatusBlocked     LoginStatus = "blocked"
	StatusMFARequired LoginStatus = "mfa_required"
	StatusMFAFailed   LoginStatus = "mfa_failed"
)

// DeviceType classifies the client that performed a login.
type DeviceType string

const (
	DeviceWeb           DeviceType = "web"
	DeviceMobileIOS     DeviceType = "mobile_ios"
	DeviceMobileAndroid DeviceType = "mobile_android"
	DeviceDesktop       DeviceType = "desktop"
	DeviceTablet        DeviceType = "tablet"
	DeviceOther         DeviceType = "other"
)

// NormalizeDeviceType maps unknown values to DeviceOther.
func NormalizeDeviceType(s string) DeviceType {
	switch t := DeviceType(strings.ToLower(strings.TrimSpace(s))); t {
	case DeviceWeb, DeviceMobileIOS, DeviceMobileAndroid, DeviceDesktop, DeviceTablet:
		return t
	case "":
		return DeviceWeb
	}
	return DeviceOther
}

// Identity is a principal. Identities are deactivated, never hard-deleted.
type Identity struct {
	ID           int64
	Email        string
	Username     string
	FullName     string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Credential is the per-identity login record. TOTPSecret and BackupCodes
// are sealed before they reach the store.
type Credential struct {
	IdentityID           int64
	Username             string
	BackupEmail          string
	Phone                string
	MFAEnabled           bool
	MFAMethod            MFAMethod
	MFAVerified          bool
	TOTPSecret           []byte
	BackupCodes          []byte
	PreferredLoginMethod LoginMethod
	LastLoginAt          *time.Time
	LockedUntil          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsLocked reports whether the credential carries an unexpired lock.
func (c *Credential) IsLocked(now time.Time) bool {
	return c.LockedUntil != nil && c.LockedUntil.After(now)
}

// HistoryEntry is an immutable login audit record.
type HistoryEntry struct {
	ID            int64
	IdentityID    int64
	Status        LoginStatus
	Method        string
	Address       string
	UserAgent     string
	DeviceType    DeviceType
	DeviceName    string
	Location      string
	MFAUsed       bool
	MFAMethod     string
	FailureReason string
	CreatedAt     time.Time
}

// Device is a client device registered to an identity.
type Device struct {
	ID         int64
	IdentityID int64
	DeviceID   string
	Name       string
	Type       DeviceType
	Trusted    bool
	LastUsedAt *time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Role is a named bundle of permissions.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is a "resource:action" capability.
type Permission struct {
	ID          int64
	Name        string
	Resource    string
	Action      string
	Description string
	CreatedAt   time.Time
}
