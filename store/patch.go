package store

import (
	"errors"
	"net/mail"
	"strings"
	"time"
)

// IdentityPatch lists the mutable Identity fields. Nil fields are left unchanged.
type IdentityPatch struct {
	Email        *string
	Username     *string
	FullName     *string
	PasswordHash *string
	Active       *bool
	LastLoginAt  *time.Time
}

// Validate normalizes and checks the patch before it is applied.
func (p *IdentityPatch) Validate() error {
	if p.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*p.Email))
		if _, err := mail.ParseAddress(email); err != nil {
			return errors.New("invalid email")
		}
		p.Email = &email
	}
	if p.Username != nil {
		username, err := NormalizeUsername(*p.Username)
		if err != nil {
			return err
		}
		p.Username = &username
	}
	if p.PasswordHash != nil && *p.PasswordHash == "" {
		return errors.New("password hash must not be empty")
	}
	return nil
}

// Apply copies the set fields onto id.
func (p IdentityPatch) Apply(id *Identity) {
	if p.Email != nil {
		id.Email = *p.Email
	}
	if p.Username != nil {
		id.Username = *p.Username
	}
	if p.FullName != nil {
		id.FullName = *p.FullName
	}
	if p.PasswordHash != nil {
		id.PasswordHash = *p.PasswordHash
	}
	if p.Active != nil {
		id.Active = *p.Active
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		id.LastLoginAt = &t
	}
}

// CredentialPatch lists the mutable Credential fields. ClearLock and
// ClearMFASecrets take precedence over LockedUntil and the secret fields.
type CredentialPatch struct {
	BackupEmail          *string
	Phone                *string
	MFAEnabled           *bool
	MFAMethod            *MFAMethod
	MFAVerified          *bool
	TOTPSecret           []byte
	BackupCodes          []byte
	ClearMFASecrets      bool
	PreferredLoginMethod *LoginMethod
	LastLoginAt          *time.Time
	LockedUntil          *time.Time
	ClearLock            bool
}

// Validate checks the patch before it is applied.
func (p *CredentialPatch) Validate() error {
	if p.MFAMethod != nil && !p.MFAMethod.Valid() {
		return errors.New("invalid mfa method")
	}
	if p.BackupEmail != nil && *p.BackupEmail != "" {
		email := strings.ToLower(strings.TrimSpace(*p.BackupEmail))
		if _, err := mail.ParseAddress(email); err != nil {
			return errors.New("invalid backup email")
		}
		p.BackupEmail = &email
	}
	if p.PreferredLoginMethod != nil {
		switch *p.PreferredLoginMethod {
		case LoginPassword, LoginSSO:
		default:
			return errors.New("invalid login method")
		}
	}
	if p.ClearLock && p.LockedUntil != nil {
		return errors.New("lock cannot be both set and cleared")
	}
	return nil
}

// Apply copies the set fields onto c.
func (p CredentialPatch) Apply(c *Credential) {
	if p.BackupEmail != nil {
		c.BackupEmail = *p.BackupEmail
	}
	if p.Phone != nil {
		c.Phone = *p.Phone
	}
	if p.MFAEnabled != nil {
		c.MFAEnabled = *p.MFAEnabled
	}
	if p.MFAMethod != nil {
		c.MFAMethod = *p.MFAMethod
	}
	if p.MFAVerified != nil {
		c.MFAVerified = *p.MFAVerified
	}
	if p.ClearMFASecrets {
		c.TOTPSecret = nil
		c.BackupCodes = nil
	} else {
		if p.TOTPSecret != nil {
			c.TOTPSecret = append([]byte(nil), p.TOTPSecret...)
		}
		if p.BackupCodes != nil {
			c.BackupCodes = append([]byte(nil), p.BackupCodes...)
		}
	}
	if p.PreferredLoginMethod != nil {
		c.PreferredLoginMethod = *p.PreferredLoginMethod
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		c.LastLoginAt = &t
	}
	if p.ClearLock {
		c.LockedUntil = nil
	} else if p.LockedUntil != nil {
		t := *p.LockedUntil
		c.LockedUntil = &t
	}
}

// DevicePatch lists the mutable Device fields.
type DevicePatch struct {
	Name       *string
	Trusted    *bool
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
}

// Apply copies the set fields onto d.
func (p DevicePatch) Apply(d *Device) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Trusted != nil {
		d.Trusted = *p.Trusted
	}
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		d.LastUsedAt = &t
	}
	if p.ExpiresAt != nil {
		d.ExpiresAt = *p.ExpiresAt
	}
}

// NormalizeUsername lowercases and trims a login username.
func NormalizeUsername(s string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(s))
	if len(username) < 3 || len(username) > 64 {
		return "", errors.New("username must be 3-64 characters")
	}
	if strings.ContainsAny(username, " @\t\n") {
		return "", errors.New("username contains invalid characters")
	}
	return username, nil
}
