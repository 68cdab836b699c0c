package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cropai/identity/device"
	"github.com/cropai/identity/internal/stores"
	"github.com/cropai/identity/jwt"
	"github.com/cropai/identity/metrics"
	"github.com/cropai/identity/mfa"
	"github.com/cropai/identity/notify"
	"github.com/cropai/identity/store"
)

const (
	tokenTypeBearer = "bearer"
	challengeIDSize = 32
)

// challengePayload is the login context kept with a challenge so the
// session issued after verification matches the original request.
type challengePayload struct {
	DeviceName string `json:"device_name,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// Login authenticates a password attempt.
//
// The checks run in a fixed order: address throttle, credential lookup,
// account lock and pair throttle, password, then the MFA branch. Every
// refusal writes one audit entry. Unknown identifiers and wrong passwords
// both return ErrInvalidCredentials. Lockouts return a *LockedError.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	now := e.now()
	tc := e.config.Throttle
	a := attempt{
		address:    strings.TrimSpace(req.Address),
		userAgent:  req.UserAgent,
		deviceName: strings.TrimSpace(req.DeviceName),
		deviceType: store.NormalizeDeviceType(req.DeviceType),
		method:     string(store.LoginPassword),
	}

	// -------- THROTTLE CHECK --------
	blocked, until, err := e.throttle.ShouldThrottle(ctx, 0, a.address, tc.MaxAttempts, tc.Lockout, now)
	if err != nil {
		return nil, e.deny(ctx, a, "", backendErr(err))
	}
	if blocked {
		e.metrics.ThrottleBlock(metrics.ScopeAddress)
		return nil, e.deny(ctx, a, "address_throttled", &LockedError{Until: until})
	}

	// -------- CREDENTIAL CHECK --------
	if strings.TrimSpace(req.Identifier) == "" || req.Password == "" {
		if _, err := e.throttle.RecordFailure(ctx, 0, a.address, now); err != nil {
			return nil, e.deny(ctx, a, "", backendErr(err))
		}
		return nil, e.deny(ctx, a, "empty_credentials", ErrInvalidCredentials)
	}

	cred, err := e.findCredential(ctx, req.Identifier)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, e.deny(ctx, a, "", backendErr(err))
		}
		if _, err := e.throttle.RecordFailure(ctx, 0, a.address, now); err != nil {
			return nil, e.deny(ctx, a, "", backendErr(err))
		}
		return nil, e.deny(ctx, a, "user_not_found", ErrInvalidCredentials)
	}
	a.identityID = cred.IdentityID

	// -------- LOCK CHECK --------
	if cred.IsLocked(now) {
		e.metrics.ThrottleBlock(metrics.ScopeAccount)
		return nil, e.deny(ctx, a, "account_locked", &LockedError{Until: *cred.LockedUntil})
	}
	// Attempts are counted before the password is evaluated.
	account, err := e.throttle.Reserve(ctx, cred.IdentityID, stores.AccountScope,
		tc.MaxAttempts-1, tc.Lockout, tc.FailureWindow, now)
	if err != nil {
		return nil, e.deny(ctx, a, "", backendErr(err))
	}
	if !account.Allowed {
		e.metrics.ThrottleBlock(metrics.ScopeAccount)
		return nil, e.deny(ctx, a, "account_locked", &LockedError{Until: account.BlockedUntil})
	}
	pair, err := e.throttle.Reserve(ctx, cred.IdentityID, a.address, tc.MaxAttempts, tc.Lockout, 0, now)
	if err != nil {
		return nil, e.deny(ctx, a, "", backendErr(err))
	}
	if !pair.Allowed {
		e.metrics.ThrottleBlock(metrics.ScopeAddress)
		return nil, e.deny(ctx, a, "throttled", &LockedError{Until: pair.BlockedUntil})
	}

	identity, err := e.store.GetIdentity(ctx, cred.IdentityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.deny(ctx, a, "user_not_found", ErrInvalidCredentials)
		}
		return nil, e.deny(ctx, a, "", backendErr(err))
	}

	// -------- PASSWORD CHECK --------
	if !e.verifyPassword(req.Password, identity.PasswordHash) {
		return nil, e.passwordFailure(ctx, a, cred, account, now)
	}
	if err := e.clearThrottle(ctx, identity.ID, a.address); err != nil {
		return nil, e.deny(ctx, a, "", err)
	}
	if !identity.Active {
		return nil, e.deny(ctx, a, "inactive", ErrInactiveIdentity)
	}
	e.upgradeHash(ctx, identity, req.Password)

	// -------- MFA BRANCH --------
	if cred.MFAEnabled && cred.MFAVerified {
		info, err := e.issueChallenge(ctx, identity, cred, a, now)
		if err != nil {
			return nil, e.deny(ctx, a, "", err)
		}
		entry := a.entry(store.StatusMFARequired, "")
		entry.MFAMethod = string(info.Method)
		e.audit(ctx, entry)
		e.metrics.Login(metrics.OutcomeMFARequired)
		return &LoginResult{Status: StatusMFARequired, Challenge: info}, nil
	}

	return e.issueSession(ctx, identity, a, "", now)
}

// findCredential resolves by username first and falls back to email.
func (e *Engine) findCredential(ctx context.Context, identifier string) (*store.Credential, error) {
	identifier = strings.TrimSpace(identifier)
	if username, err := store.NormalizeUsername(identifier); err == nil {
		cred, err := e.store.FindCredentialByUsername(ctx, username)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return cred, err
		}
	}
	if !strings.Contains(identifier, "@") {
		return nil, store.ErrNotFound
	}
	return e.store.FindCredentialByEmail(ctx, strings.ToLower(identifier))
}

// passwordFailure handles a wrong password whose attempt was already
// reserved. It locks the account one attempt before the pair throttle would
// engage: when the account reservation was the last one allowed, or when
// the audit history shows as many failures. The history count starts after
// the last successful login or the end of the last lock, whichever is
// later, so a lock does not re-engage at once.
func (e *Engine) passwordFailure(
	ctx context.Context,
	a attempt,
	cred *store.Credential,
	account stores.Reservation,
	now time.Time,
) error {
	tc := e.config.Throttle
	since := now.Add(-tc.FailureWindow)
	if cred.LastLoginAt != nil && cred.LastLoginAt.After(since) {
		since = *cred.LastLoginAt
	}
	if cred.LockedUntil != nil && !cred.LockedUntil.After(now) && cred.LockedUntil.After(since) {
		since = *cred.LockedUntil
	}
	failures, err := e.store.CountHistory(ctx, cred.IdentityID,
		[]store.LoginStatus{store.StatusFailed, store.StatusBlocked}, since)
	if err != nil {
		return e.deny(ctx, a, "", backendErr(err))
	}

	if !account.BlockedUntil.IsZero() || failures+1 >= tc.MaxAttempts-1 {
		if err := e.lockAccount(ctx, cred.IdentityID, now); err != nil {
			return e.deny(ctx, a, "", err)
		}
	}
	return e.deny(ctx, a, "password_mismatch", ErrInvalidCredentials)
}

// clearThrottle resets the account and pair counters after a correct
// password.
func (e *Engine) clearThrottle(ctx context.Context, identityID int64, address string) error {
	for _, scope := range []string{stores.AccountScope, address} {
		if _, err := e.throttle.Reset(ctx, identityID, scope); err != nil {
			return backendErr(err)
		}
	}
	return nil
}

// lockAccount sets locked_until to now plus the lockout duration.
func (e *Engine) lockAccount(ctx context.Context, identityID int64, now time.Time) error {
	until := now.Add(e.config.Throttle.Lockout)
	if _, err := e.store.UpdateCredential(ctx, identityID, store.CredentialPatch{LockedUntil: &until}); err != nil {
		return backendErr(err)
	}
	e.logger.Warn("account locked",
		zap.Int64("identity_id", identityID),
		zap.Time("locked_until", until))
	return nil
}

// upgradeHash rehashes the password when the stored parameters are older
// than the configured ones. Failures only cost a rehash on the next login.
func (e *Engine) upgradeHash(ctx context.Context, identity *store.Identity, plaintext string) {
	upgrade, err := e.hasher.NeedsUpgrade(identity.PasswordHash)
	if err != nil || !upgrade {
		return
	}
	hash, err := e.hashPassword(plaintext)
	if err != nil {
		return
	}
	if _, err := e.store.UpdateIdentity(ctx, identity.ID, store.IdentityPatch{PasswordHash: &hash}); err != nil {
		e.logger.Warn("password rehash failed", zap.Int64("identity_id", identity.ID), zap.Error(err))
	}
}

// issueChallenge stores a new challenge for the credential's method and,
// for sms and email, delivers the code.
func (e *Engine) issueChallenge(
	ctx context.Context,
	identity *store.Identity,
	cred *store.Credential,
	a attempt,
	now time.Time,
) (*ChallengeInfo, error) {
	mc := e.config.MFA
	id, err := newChallengeID()
	if err != nil {
		return nil, backendErr(err)
	}
	payload, err := json.Marshal(challengePayload{
		DeviceName: a.deviceName,
		DeviceType: string(a.deviceType),
		UserAgent:  a.userAgent,
	})
	if err != nil {
		return nil, err
	}

	ch := &stores.Challenge{
		IdentityID:  identity.ID,
		Method:      string(cred.MFAMethod),
		Payload:     payload,
		MaxAttempts: uint16(mc.MaxAttempts),
		CreatedAt:   now,
		ExpiresAt:   now.Add(mc.ChallengeTTL),
	}

	var code, recipient string
	switch cred.MFAMethod {
	case store.MFATOTP:
	case store.MFASMS, store.MFAEmail:
		recipient = cred.Phone
		if cred.MFAMethod == store.MFAEmail {
			recipient = identity.Email
		}
		if code, err = mfa.NumericCode(mc.CodeDigits); err != nil {
			return nil, err
		}
		if ch.Code, err = e.sealer.Seal([]byte(code), challengeAAD(id)); err != nil {
			return nil, err
		}
	default:
		return nil, ErrMFAMethodUnsupported
	}

	if err := e.challenges.Save(ctx, id, ch, now); err != nil {
		return nil, backendErr(err)
	}
	if code != "" {
		if err := e.deliver(ctx, cred.MFAMethod, recipient, code, notify.PurposeMFA, mc.ChallengeTTL); err != nil {
			if delErr := e.challenges.Delete(ctx, id); delErr != nil {
				e.logger.Warn("challenge cleanup failed", zap.Error(delErr))
			}
			return nil, err
		}
	}

	return &ChallengeInfo{
		ID:        id,
		Method:    cred.MFAMethod,
		ExpiresAt: ch.ExpiresAt,
		ExpiresIn: int(mc.ChallengeTTL / time.Second),
	}, nil
}

// deliver sends code through the sender for method.
func (e *Engine) deliver(
	ctx context.Context,
	method store.MFAMethod,
	to, code string,
	purpose notify.Purpose,
	ttl time.Duration,
) error {
	sender := e.email
	if method == store.MFASMS {
		sender = e.sms
	}
	if sender == nil {
		return fmt.Errorf("%w: no %s sender configured", ErrCodeDeliveryFailed, method)
	}
	err := sender.Send(ctx, notify.Message{To: to, Code: code, Purpose: purpose, ExpiresIn: ttl})
	if err != nil {
		e.logger.Warn("code delivery failed", zap.String("method", string(method)), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrCodeDeliveryFailed, err)
	}
	return nil
}

// issueSession mints tokens for an authenticated identity and completes
// the login. mfaMethod is empty when no second factor was used.
func (e *Engine) issueSession(
	ctx context.Context,
	identity *store.Identity,
	a attempt,
	mfaMethod string,
	now time.Time,
) (*LoginResult, error) {
	summary, access, err := e.mintAccess(ctx, identity, now)
	if err != nil {
		return nil, e.deny(ctx, a, "", err)
	}
	refresh, _, err := e.codec.IssueRefresh(identity.ID, now)
	if err != nil {
		return nil, e.deny(ctx, a, "", err)
	}

	if _, err := e.store.UpdateCredential(ctx, identity.ID, store.CredentialPatch{LastLoginAt: &now}); err != nil {
		return nil, e.deny(ctx, a, "", backendErr(err))
	}
	if _, err := e.store.UpdateIdentity(ctx, identity.ID, store.IdentityPatch{LastLoginAt: &now}); err != nil {
		return nil, e.deny(ctx, a, "", backendErr(err))
	}
	if err := e.clearThrottle(ctx, identity.ID, a.address); err != nil {
		return nil, e.deny(ctx, a, "", err)
	}

	var grant *DeviceGrant
	if a.deviceName != "" {
		grant, err = e.bindDevice(ctx, identity.ID, a, now)
		if err != nil {
			return nil, e.deny(ctx, a, "", err)
		}
	}

	entry := a.entry(store.StatusSuccess, "")
	entry.MFAUsed = mfaMethod != ""
	entry.MFAMethod = mfaMethod
	e.audit(ctx, entry)
	e.metrics.Login(metrics.OutcomeSuccess)
	if mfaMethod != "" {
		e.metrics.MFA(mfaMethod, metrics.OutcomeSuccess)
	}

	return &LoginResult{
		Status: StatusAuthenticated,
		Tokens: &TokenPair{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    tokenTypeBearer,
			ExpiresIn:    int(e.codec.AccessTTL() / time.Second),
		},
		Identity: summary,
		Device:   grant,
	}, nil
}

// mintAccess resolves the identity's current roles and permissions and
// signs an access token carrying them.
func (e *Engine) mintAccess(ctx context.Context, identity *store.Identity, now time.Time) (*IdentitySummary, string, error) {
	roles, err := e.resolver.RoleNames(ctx, identity.ID)
	if err != nil {
		return nil, "", backendErr(err)
	}
	perms, err := e.resolver.EffectivePermissions(ctx, identity.ID)
	if err != nil {
		return nil, "", backendErr(err)
	}
	token, _, err := e.codec.IssueAccess(jwt.AccessInput{
		IdentityID:  identity.ID,
		Email:       identity.Email,
		Username:    identity.Username,
		Roles:       roles,
		Permissions: perms,
	}, now)
	if err != nil {
		return nil, "", err
	}

	display := identity.FullName
	if display == "" {
		display = identity.Username
	}
	return &IdentitySummary{
		ID:          identity.ID,
		Email:       identity.Email,
		Username:    identity.Username,
		DisplayName: display,
		Role:        primaryRole(roles),
		Roles:       roles,
		Permissions: perms,
	}, token, nil
}

// bindDevice registers the login's device under a server-derived id and
// returns a device-trust token for it.
func (e *Engine) bindDevice(ctx context.Context, identityID int64, a attempt, now time.Time) (*DeviceGrant, error) {
	did := device.DeriveID(a.deviceName, a.userAgent)
	d, _, err := e.devices.Register(ctx, device.Registration{
		IdentityID: identityID,
		DeviceID:   did,
		Name:       a.deviceName,
		Type:       string(a.deviceType),
	}, now)
	if err != nil {
		return nil, backendErr(err)
	}
	if _, err := e.devices.Touch(ctx, identityID, did, now); err != nil {
		return nil, backendErr(err)
	}
	token, _, err := e.codec.IssueDevice(identityID, did, now)
	if err != nil {
		return nil, err
	}
	return &DeviceGrant{DeviceID: did, Token: token, Trusted: d.Trusted}, nil
}

var rolePrecedence = []string{"ADMIN", "MANAGER", "ANALYST", "VIEWER"}

// primaryRole picks the most privileged known role, else the first role.
func primaryRole(roles []string) string {
	for _, want := range rolePrecedence {
		for _, r := range roles {
			if r == want {
				return r
			}
		}
	}
	if len(roles) > 0 {
		return roles[0]
	}
	return ""
}

func newChallengeID() (string, error) {
	buf := make([]byte, challengeIDSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func challengeAAD(id string) []byte { return []byte("challenge:" + id) }

func totpAAD(identityID int64) []byte {
	return []byte("totp:" + strconv.FormatInt(identityID, 10))
}

func backupAAD(identityID int64) []byte {
	return []byte("backup:" + strconv.FormatInt(identityID, 10))
}
