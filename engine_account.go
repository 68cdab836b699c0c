package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/cropai/identity/internal/stores"
	"github.com/cropai/identity/mfa"
	"github.com/cropai/identity/notify"
	"github.com/cropai/identity/rbac"
	"github.com/cropai/identity/store"
)

const defaultRole = "VIEWER"

// Register creates an identity with its credential and grants one role.
// It returns ErrDuplicateIdentity when the email or username is taken.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*store.Identity, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidRequest
	}
	username, err := store.NormalizeUsername(req.Username)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	if err := e.checkPasswordPolicy(req.Password); err != nil {
		return nil, err
	}
	role := strings.ToUpper(strings.TrimSpace(req.Role))
	if role == "" {
		role = defaultRole
	}
	if _, err := e.resolver.RolePermissions(ctx, role); err != nil {
		if errors.Is(err, rbac.ErrRoleNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, backendErr(err)
	}

	hash, err := e.hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	identity := &store.Identity{
		Email:        email,
		Username:     username,
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: hash,
		Active:       true,
	}
	cred := &store.Credential{
		Username:             username,
		MFAMethod:            store.MFANone,
		PreferredLoginMethod: store.LoginPassword,
	}
	if err := e.store.CreateIdentity(ctx, identity, cred); err != nil {
		return nil, storeErr(err)
	}
	if err := e.resolver.AssignRole(ctx, identity.ID, role); err != nil {
		// Remove the identity so the email and username can be registered
		// again.
		if _, delErr := e.store.DeleteIdentity(ctx, identity.ID); delErr != nil {
			e.logger.Error("orphaned identity after role assignment failure",
				zap.Int64("identity_id", identity.ID), zap.Error(delErr))
		}
		return nil, backendErr(err)
	}

	e.logger.Info("identity registered",
		zap.Int64("identity_id", identity.ID),
		zap.String("role", role))
	return identity, nil
}

// ChangePassword replaces the password after checking the current one.
// Existing tokens stay valid until they expire.
func (e *Engine) ChangePassword(ctx context.Context, identityID int64, current, next string) error {
	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return storeErr(err)
	}
	if !e.verifyPassword(current, identity.PasswordHash) {
		return ErrInvalidCredentials
	}
	if err := e.checkPasswordPolicy(next); err != nil {
		return err
	}
	if current == next {
		return ErrWeakPassword
	}

	hash, err := e.hashPassword(next)
	if err != nil {
		return err
	}
	if _, err := e.store.UpdateIdentity(ctx, identityID, store.IdentityPatch{PasswordHash: &hash}); err != nil {
		return storeErr(err)
	}
	e.logger.Info("password changed", zap.Int64("identity_id", identityID))
	return nil
}

// RequestPasswordReset sends a one-time reset code to the identity's email.
// The outcome is the same whether or not the identifier exists; failures
// are logged only.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string) {
	now := e.now()
	rc := e.config.Reset

	cred, err := e.findCredential(ctx, identifier)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("password reset lookup failed", zap.Error(err))
		}
		return
	}
	identity, err := e.store.GetIdentity(ctx, cred.IdentityID)
	if err != nil || !identity.Active {
		return
	}

	code, err := mfa.NumericCode(rc.CodeDigits)
	if err != nil {
		e.logger.Warn("password reset code generation failed", zap.Error(err))
		return
	}
	record := &stores.ResetRecord{
		IdentityID: identity.ID,
		SecretHash: sha256.Sum256([]byte(code)),
		ExpiresAt:  now.Add(rc.CodeTTL),
	}
	if err := e.resets.Save(ctx, record, now); err != nil {
		e.logger.Warn("password reset save failed", zap.Int64("identity_id", identity.ID), zap.Error(err))
		return
	}
	if err := e.deliver(ctx, store.MFAEmail, identity.Email, code, notify.PurposePasswordReset, rc.CodeTTL); err != nil {
		return
	}
	e.logger.Info("password reset requested", zap.Int64("identity_id", identity.ID))
}

// ConfirmPasswordReset sets a new password using a code from
// RequestPasswordReset. It also clears any account lock. Wrong, expired and
// exhausted codes all return ErrInvalidResetCode.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, identifier, code, newPassword string) error {
	now := e.now()
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	cred, err := e.findCredential(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidResetCode
		}
		return backendErr(err)
	}

	_, err = e.resets.Consume(ctx, cred.IdentityID, sha256.Sum256([]byte(strings.TrimSpace(code))),
		e.config.Reset.MaxAttempts, now)
	switch {
	case errors.Is(err, stores.ErrNotFound),
		errors.Is(err, stores.ErrResetSecretMismatch),
		errors.Is(err, stores.ErrResetAttemptsExceeded):
		return ErrInvalidResetCode
	case err != nil:
		return backendErr(err)
	}

	hash, err := e.hashPassword(newPassword)
	if err != nil {
		return err
	}
	if _, err := e.store.UpdateIdentity(ctx, cred.IdentityID, store.IdentityPatch{PasswordHash: &hash}); err != nil {
		return storeErr(err)
	}
	if _, err := e.store.UpdateCredential(ctx, cred.IdentityID, store.CredentialPatch{ClearLock: true}); err != nil {
		return storeErr(err)
	}
	if _, err := e.throttle.Reset(ctx, cred.IdentityID, stores.AccountScope); err != nil {
		return backendErr(err)
	}
	e.logger.Info("password reset completed", zap.Int64("identity_id", cred.IdentityID))
	return nil
}

// UnlockAccount clears the account lock and the account-wide attempt
// count. Per-address throttles are not touched.
func (e *Engine) UnlockAccount(ctx context.Context, identityID int64) error {
	if _, err := e.store.UpdateCredential(ctx, identityID, store.CredentialPatch{ClearLock: true}); err != nil {
		return storeErr(err)
	}
	if _, err := e.throttle.Reset(ctx, identityID, stores.AccountScope); err != nil {
		return backendErr(err)
	}
	e.logger.Info("account unlocked", zap.Int64("identity_id", identityID))
	return nil
}

// SetActive activates or deactivates an identity. Deactivated identities
// cannot log in or refresh.
func (e *Engine) SetActive(ctx context.Context, identityID int64, active bool) error {
	if _, err := e.store.UpdateIdentity(ctx, identityID, store.IdentityPatch{Active: &active}); err != nil {
		return storeErr(err)
	}
	return nil
}

// LoginHistory returns audit entries newest first. limit is capped by the
// configured page limit.
func (e *Engine) LoginHistory(ctx context.Context, identityID int64, limit, offset int) ([]store.HistoryEntry, error) {
	max := e.config.Audit.HistoryPageLimit
	if limit <= 0 || limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := e.store.ListHistory(ctx, identityID, limit, offset)
	if err != nil {
		return nil, backendErr(err)
	}
	return entries, nil
}
