package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cropai/identity/internal/stores"
	"github.com/cropai/identity/metrics"
	"github.com/cropai/identity/mfa"
	"github.com/cropai/identity/notify"
	"github.com/cropai/identity/store"
)

// SetupMFA starts enrollment of a second factor. Nothing on the credential
// changes until VerifyMFASetup confirms a live code. A new setup replaces a
// pending one.
//
// For TOTP the result carries the secret, the provisioning URI and the
// backup codes; they are shown once. For sms and email a code is sent to
// the phone number or the identity's email.
func (e *Engine) SetupMFA(ctx context.Context, identityID int64, req SetupMFARequest) (*SetupResult, error) {
	now := e.now()
	mc := e.config.MFA

	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, storeErr(err)
	}
	cred, err := e.store.GetCredential(ctx, identityID)
	if err != nil {
		return nil, storeErr(err)
	}

	key := strconv.FormatInt(identityID, 10)
	pending := &stores.Challenge{
		IdentityID:  identityID,
		Method:      string(req.Method),
		MaxAttempts: uint16(mc.MaxAttempts),
		CreatedAt:   now,
		ExpiresAt:   now.Add(mc.SetupTTL),
	}
	result := &SetupResult{Method: req.Method, ExpiresAt: pending.ExpiresAt}

	var code, recipient string
	switch req.Method {
	case store.MFATOTP:
		enrollment, err := e.totp.Generate(identity.Email)
		if err != nil {
			return nil, err
		}
		codes, err := mfa.NewBackupCodes(mc.BackupCodeCount)
		if err != nil {
			return nil, err
		}
		if pending.Code, err = e.sealer.Seal([]byte(enrollment.Secret), totpAAD(identityID)); err != nil {
			return nil, err
		}
		if pending.Payload, err = e.sealer.Seal(mfa.EncodeBackupCodes(codes), backupAAD(identityID)); err != nil {
			return nil, err
		}
		result.Secret = enrollment.Secret
		result.ProvisioningURI = enrollment.URI
		result.BackupCodes = codes

	case store.MFASMS:
		recipient = strings.TrimSpace(req.Phone)
		if recipient == "" {
			recipient = cred.Phone
		}
		if recipient == "" {
			return nil, ErrInvalidRequest
		}
		pending.Payload = []byte(recipient)
		fallthrough

	case store.MFAEmail:
		if req.Method == store.MFAEmail {
			recipient = identity.Email
		}
		if code, err = mfa.NumericCode(mc.CodeDigits); err != nil {
			return nil, err
		}
		if pending.Code, err = e.sealer.Seal([]byte(code), setupAAD(identityID)); err != nil {
			return nil, err
		}

	default:
		return nil, ErrMFAMethodUnsupported
	}

	if err := e.setups.Save(ctx, key, pending, now); err != nil {
		return nil, backendErr(err)
	}
	if code != "" {
		if err := e.deliver(ctx, req.Method, recipient, code, notify.PurposeMFASetup, mc.SetupTTL); err != nil {
			if delErr := e.setups.Delete(ctx, key); delErr != nil {
				e.logger.Warn("pending setup cleanup failed", zap.Error(delErr))
			}
			return nil, err
		}
	}

	e.logger.Info("mfa setup started",
		zap.Int64("identity_id", identityID),
		zap.String("method", string(req.Method)))
	return result, nil
}

// VerifyMFASetup confirms a pending setup with a live code and activates
// the method. A wrong code returns false with a nil error until the setup
// runs out of attempts.
func (e *Engine) VerifyMFASetup(ctx context.Context, identityID int64, method store.MFAMethod, code string) (bool, error) {
	now := e.now()
	key := strconv.FormatInt(identityID, 10)

	pending, err := e.setups.Get(ctx, key)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return false, ErrChallengeNotFound
		}
		return false, backendErr(err)
	}
	if pending.Method != string(method) {
		return false, ErrChallengeNotFound
	}
	if pending.Expired(now) {
		if err := e.setups.Delete(ctx, key); err != nil {
			e.logger.Warn("pending setup delete failed", zap.Error(err))
		}
		return false, ErrChallengeExpired
	}

	var ok bool
	switch method {
	case store.MFATOTP:
		secret, err := e.sealer.Open(pending.Code, totpAAD(identityID))
		if err != nil {
			return false, backendErr(err)
		}
		ok = e.totp.Validate(code, string(secret), now)
	case store.MFASMS, store.MFAEmail:
		expected, err := e.sealer.Open(pending.Code, setupAAD(identityID))
		if err != nil {
			return false, backendErr(err)
		}
		ok = mfa.EqualCode(string(expected), strings.TrimSpace(code))
	default:
		return false, ErrMFAMethodUnsupported
	}

	if !ok {
		_, exhausted, err := e.setups.RecordFailure(ctx, key)
		switch {
		case errors.Is(err, stores.ErrNotFound):
			return false, ErrChallengeNotFound
		case err != nil:
			return false, backendErr(err)
		case exhausted:
			e.metrics.MFA(string(method), metrics.OutcomeExhausted)
			return false, ErrChallengeExhausted
		}
		e.metrics.MFA(string(method), metrics.OutcomeFailed)
		return false, nil
	}

	consumed, err := e.setups.Consume(ctx, key)
	if err != nil {
		return false, backendErr(err)
	}
	if !consumed {
		return false, ErrChallengeNotFound
	}

	enabled, verified := true, true
	patch := store.CredentialPatch{
		MFAEnabled:  &enabled,
		MFAVerified: &verified,
		MFAMethod:   &method,
	}
	switch method {
	case store.MFATOTP:
		patch.TOTPSecret = pending.Code
		patch.BackupCodes = pending.Payload
	case store.MFASMS:
		phone := string(pending.Payload)
		patch.Phone = &phone
		patch.ClearMFASecrets = true
	default:
		patch.ClearMFASecrets = true
	}
	if _, err := e.store.UpdateCredential(ctx, identityID, patch); err != nil {
		return false, storeErr(err)
	}

	e.logger.Info("mfa enabled",
		zap.Int64("identity_id", identityID),
		zap.String("method", string(method)))
	return true, nil
}

// DisableMFA turns the second factor off after re-checking the password.
// The stored secret and backup codes are removed.
func (e *Engine) DisableMFA(ctx context.Context, identityID int64, currentPassword string) error {
	identity, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return storeErr(err)
	}
	if !e.verifyPassword(currentPassword, identity.PasswordHash) {
		return ErrInvalidCredentials
	}

	off, none := false, store.MFANone
	_, err = e.store.UpdateCredential(ctx, identityID, store.CredentialPatch{
		MFAEnabled:      &off,
		MFAVerified:     &off,
		MFAMethod:       &none,
		ClearMFASecrets: true,
	})
	if err != nil {
		return storeErr(err)
	}
	e.logger.Info("mfa disabled", zap.Int64("identity_id", identityID))
	return nil
}

func setupAAD(identityID int64) []byte {
	return []byte("setup:" + strconv.FormatInt(identityID, 10))
}

// BackupCodesRemaining reports how many unused backup codes the identity
// holds.
func (e *Engine) BackupCodesRemaining(ctx context.Context, identityID int64) (int, error) {
	cred, err := e.store.GetCredential(ctx, identityID)
	if err != nil {
		return 0, storeErr(err)
	}
	if len(cred.BackupCodes) == 0 {
		return 0, nil
	}
	codes, err := e.openBackupCodes(cred)
	if err != nil {
		return 0, err
	}
	return len(codes), nil
}
