package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cropai/identity/internal/stores"
	"github.com/cropai/identity/mfa"
	"github.com/cropai/identity/store"
)

const mfaMethodBackupCode = "backup_code"

// VerifyMFA answers the challenge issued by Login.
//
// Expiry is checked before the code, so a correct code on an expired
// challenge still fails with ErrChallengeExpired. A wrong code returns a
// *MFACodeError with the attempts left. The attempt that exhausts the
// challenge deletes it, locks the account and returns
// ErrChallengeExhausted. A successful verification consumes the challenge
// exactly once and issues a session.
func (e *Engine) VerifyMFA(ctx context.Context, req VerifyMFARequest) (*LoginResult, error) {
	now := e.now()
	a := attempt{
		address:   strings.TrimSpace(req.Address),
		userAgent: req.UserAgent,
		method:    "mfa",
	}

	if req.ChallengeID == "" {
		return nil, e.denyMFA(ctx, a, "", ErrChallengeNotFound)
	}
	ch, err := e.challenges.Get(ctx, req.ChallengeID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, e.denyMFA(ctx, a, "", ErrChallengeNotFound)
		}
		return nil, e.denyMFA(ctx, a, "", backendErr(err))
	}
	a.identityID = ch.IdentityID
	a.restore(ch.Payload)

	if ch.Expired(now) {
		e.dropChallenge(ctx, req.ChallengeID)
		return nil, e.denyMFA(ctx, a, ch.Method, ErrChallengeExpired)
	}
	if ch.Exhausted() {
		e.dropChallenge(ctx, req.ChallengeID)
		if err := e.lockAccount(ctx, ch.IdentityID, now); err != nil {
			return nil, e.denyMFA(ctx, a, ch.Method, err)
		}
		return nil, e.denyMFA(ctx, a, ch.Method, ErrChallengeExhausted)
	}

	identity, err := e.store.GetIdentity(ctx, ch.IdentityID)
	if err != nil {
		return nil, e.denyMFA(ctx, a, ch.Method, storeErr(err))
	}
	cred, err := e.store.GetCredential(ctx, ch.IdentityID)
	if err != nil {
		return nil, e.denyMFA(ctx, a, ch.Method, storeErr(err))
	}
	if !identity.Active {
		e.dropChallenge(ctx, req.ChallengeID)
		return nil, e.denyMFA(ctx, a, ch.Method, ErrInactiveIdentity)
	}

	match, err := e.matchChallenge(req.ChallengeID, ch, cred, req.Code, now)
	if err != nil {
		return nil, e.denyMFA(ctx, a, ch.Method, err)
	}
	if !match.ok {
		updated, exhausted, err := e.challenges.RecordFailure(ctx, req.ChallengeID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return nil, e.denyMFA(ctx, a, ch.Method, ErrChallengeNotFound)
			}
			return nil, e.denyMFA(ctx, a, ch.Method, backendErr(err))
		}
		if exhausted {
			if err := e.lockAccount(ctx, ch.IdentityID, now); err != nil {
				return nil, e.denyMFA(ctx, a, ch.Method, err)
			}
			return nil, e.denyMFA(ctx, a, ch.Method, ErrChallengeExhausted)
		}
		return nil, e.denyMFA(ctx, a, ch.Method, &MFACodeError{Remaining: updated.Remaining()})
	}

	consumed, err := e.challenges.Consume(ctx, req.ChallengeID)
	if err != nil {
		return nil, e.denyMFA(ctx, a, ch.Method, backendErr(err))
	}
	if !consumed {
		return nil, e.denyMFA(ctx, a, ch.Method, ErrChallengeNotFound)
	}

	method := ch.Method
	if match.backupCodes != nil {
		method = mfaMethodBackupCode
		if err := e.storeBackupCodes(ctx, identity.ID, match.backupCodes); err != nil {
			return nil, e.denyMFA(ctx, a, method, err)
		}
		e.logger.Info("backup code used",
			zap.Int64("identity_id", identity.ID),
			zap.Int("remaining", len(match.backupCodes)))
	}

	return e.issueSession(ctx, identity, a, method, now)
}

// restore copies the login context saved with the challenge. Values given
// on the verification request win.
func (a *attempt) restore(payload []byte) {
	if len(payload) == 0 {
		return
	}
	var p challengePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	a.deviceName = p.DeviceName
	a.deviceType = store.NormalizeDeviceType(p.DeviceType)
	if a.userAgent == "" {
		a.userAgent = p.UserAgent
	}
}

type challengeMatch struct {
	ok bool
	// backupCodes is the remaining list when a backup code was used.
	backupCodes []string
}

// matchChallenge compares code against the challenge. An 8-character code
// is first tried against the stored backup codes.
func (e *Engine) matchChallenge(
	id string,
	ch *stores.Challenge,
	cred *store.Credential,
	code string,
	now time.Time,
) (challengeMatch, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return challengeMatch{}, nil
	}

	if mfa.LooksLikeBackupCode(code) && len(cred.BackupCodes) > 0 {
		codes, err := e.openBackupCodes(cred)
		if err != nil {
			return challengeMatch{}, err
		}
		if rest, ok := mfa.ConsumeBackupCode(codes, code); ok {
			if rest == nil {
				rest = []string{}
			}
			return challengeMatch{ok: true, backupCodes: rest}, nil
		}
	}

	switch store.MFAMethod(ch.Method) {
	case store.MFATOTP:
		secret, err := e.sealer.Open(cred.TOTPSecret, totpAAD(cred.IdentityID))
		if err != nil {
			return challengeMatch{}, backendErr(err)
		}
		return challengeMatch{ok: e.totp.Validate(code, string(secret), now)}, nil
	case store.MFASMS, store.MFAEmail:
		expected, err := e.sealer.Open(ch.Code, challengeAAD(id))
		if err != nil {
			return challengeMatch{}, backendErr(err)
		}
		return challengeMatch{ok: mfa.EqualCode(string(expected), code)}, nil
	}
	return challengeMatch{}, ErrMFAMethodUnsupported
}

func (e *Engine) openBackupCodes(cred *store.Credential) ([]string, error) {
	raw, err := e.sealer.Open(cred.BackupCodes, backupAAD(cred.IdentityID))
	if err != nil {
		return nil, backendErr(err)
	}
	return mfa.DecodeBackupCodes(raw), nil
}

func (e *Engine) storeBackupCodes(ctx context.Context, identityID int64, codes []string) error {
	sealed, err := e.sealer.Seal(mfa.EncodeBackupCodes(codes), backupAAD(identityID))
	if err != nil {
		return err
	}
	_, err = e.store.UpdateCredential(ctx, identityID, store.CredentialPatch{BackupCodes: sealed})
	return backendErr(err)
}

// dropChallenge deletes a challenge that can no longer succeed. Failures
// are logged; the record expires on its own.
func (e *Engine) dropChallenge(ctx context.Context, id string) {
	if err := e.challenges.Delete(ctx, id); err != nil {
		e.logger.Warn("challenge delete failed", zap.Error(err))
	}
}
