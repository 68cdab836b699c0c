package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cropai/identity/mfa"
	"github.com/cropai/identity/notify"
	"github.com/cropai/identity/store"
)

// wrongTOTP returns a six-digit code that is not accepted for secret at now.
func wrongTOTP(t *testing.T, secret string, now time.Time) string {
	t.Helper()
	valid := map[string]bool{}
	gen := mfa.NewTOTP("test")
	for _, at := range []time.Time{now.Add(-30 * time.Second), now, now.Add(30 * time.Second)} {
		code, err := gen.Code(secret, at)
		if err != nil {
			t.Fatalf("Code failed: %v", err)
		}
		valid[code] = true
	}
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if !valid[candidate] {
			return candidate
		}
	}
	t.Fatalf("no wrong code available")
	return ""
}

func (env *testEnv) enableSMS(t *testing.T, identityID int64, phone string) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.engine.SetupMFA(ctx, identityID, SetupMFARequest{Method: store.MFASMS, Phone: phone}); err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}
	msg := env.sms.last(t)
	if msg.Purpose != notify.PurposeMFASetup || msg.To != phone {
		t.Fatalf("unexpected setup message %+v", msg)
	}
	ok, err := env.engine.VerifyMFASetup(ctx, identityID, store.MFASMS, msg.Code)
	if err != nil || !ok {
		t.Fatalf("VerifyMFASetup failed: ok=%v err=%v", ok, err)
	}
}

func TestMFAExhaustionDeletesChallengeAndLocks(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	secret, _ := env.enableTOTP(t, alice.ID)
	ctx := context.Background()

	res, err := env.login("alice", alicePassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	wrong := wrongTOTP(t, secret, env.clock.Now())
	req := VerifyMFARequest{ChallengeID: res.Challenge.ID, Code: wrong, Address: testAddress}

	for want := 4; want >= 1; want-- {
		_, err := env.engine.VerifyMFA(ctx, req)
		var codeErr *MFACodeError
		if !errors.As(err, &codeErr) || !errors.Is(err, ErrInvalidMFACode) {
			t.Fatalf("expected *MFACodeError, got %v", err)
		}
		if codeErr.Remaining != want {
			t.Fatalf("expected %d remaining, got %d", want, codeErr.Remaining)
		}
	}
	if _, err := env.engine.VerifyMFA(ctx, req); !errors.Is(err, ErrChallengeExhausted) {
		t.Fatalf("expected ErrChallengeExhausted, got %v", err)
	}

	correct, err := mfa.NewTOTP("test").Code(secret, env.clock.Now())
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	req.Code = correct
	if _, err := env.engine.VerifyMFA(ctx, req); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound after exhaustion, got %v", err)
	}

	if _, err := env.login("alice", alicePassword); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected the account to be locked, got %v", err)
	}
}

func TestMFAExpiredChallengeRejectsCorrectCode(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	env.enableSMS(t, alice.ID, "+15551234567")
	ctx := context.Background()

	res, err := env.login("alice", alicePassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.Challenge.Method != store.MFASMS {
		t.Fatalf("expected sms challenge, got %q", res.Challenge.Method)
	}
	msg := env.sms.last(t)
	if msg.Purpose != notify.PurposeMFA || len(msg.Code) != 6 {
		t.Fatalf("unexpected challenge message %+v", msg)
	}

	env.clock.Advance(11 * time.Minute)
	req := VerifyMFARequest{ChallengeID: res.Challenge.ID, Code: msg.Code, Address: testAddress}
	if _, err := env.engine.VerifyMFA(ctx, req); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	if _, err := env.engine.VerifyMFA(ctx, req); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected the expired challenge to be deleted, got %v", err)
	}
}

func TestSMSChallengeSucceedsWithDeliveredCode(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	env.enableSMS(t, alice.ID, "+15551234567")

	res, err := env.login("alice", alicePassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	done, err := env.engine.VerifyMFA(context.Background(), VerifyMFARequest{
		ChallengeID: res.Challenge.ID,
		Code:        env.sms.last(t).Code,
		Address:     testAddress,
	})
	if err != nil || done.Tokens == nil {
		t.Fatalf("VerifyMFA failed: %v", err)
	}
}

func TestEmailChallengeDeliveryFailure(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	ctx := context.Background()

	if _, err := env.engine.SetupMFA(ctx, alice.ID, SetupMFARequest{Method: store.MFAEmail}); err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}
	msg := env.email.last(t)
	if msg.To != "alice@x.com" {
		t.Fatalf("expected the code at the identity email, got %q", msg.To)
	}
	if ok, err := env.engine.VerifyMFASetup(ctx, alice.ID, store.MFAEmail, msg.Code); err != nil || !ok {
		t.Fatalf("VerifyMFASetup failed: ok=%v err=%v", ok, err)
	}

	env.email.err = errors.New("smtp down")
	if _, err := env.login("alice", alicePassword); !errors.Is(err, ErrCodeDeliveryFailed) {
		t.Fatalf("expected ErrCodeDeliveryFailed, got %v", err)
	}
	last := env.history(t, alice.ID)[0]
	if last.Status != store.StatusFailed || last.FailureReason != "code_delivery_failed" {
		t.Fatalf("expected the delivery failure to be audited, got %+v", last)
	}
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	_, codes := env.enableTOTP(t, alice.ID)
	ctx := context.Background()

	if len(codes) != 8 {
		t.Fatalf("expected 8 backup codes, got %d", len(codes))
	}

	res, err := env.login("alice", alicePassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	done, err := env.engine.VerifyMFA(ctx, VerifyMFARequest{ChallengeID: res.Challenge.ID, Code: codes[0]})
	if err != nil || done.Tokens == nil {
		t.Fatalf("VerifyMFA with backup code failed: %v", err)
	}
	if last := env.history(t, alice.ID)[0]; last.MFAMethod != "backup_code" {
		t.Fatalf("expected backup_code in audit, got %+v", last)
	}

	left, err := env.engine.BackupCodesRemaining(ctx, alice.ID)
	if err != nil || left != 7 {
		t.Fatalf("expected 7 codes left, got %d (%v)", left, err)
	}

	res, err = env.login("alice", alicePassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	_, err = env.engine.VerifyMFA(ctx, VerifyMFARequest{ChallengeID: res.Challenge.ID, Code: codes[0]})
	if !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("expected a used backup code to be rejected, got %v", err)
	}
}

func TestVerifyMFASetupOutcomes(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	ctx := context.Background()

	if _, err := env.engine.VerifyMFASetup(ctx, alice.ID, store.MFATOTP, "123456"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound without a pending setup, got %v", err)
	}

	setup, err := env.engine.SetupMFA(ctx, alice.ID, SetupMFARequest{Method: store.MFATOTP})
	if err != nil {
		t.Fatalf("SetupMFA failed: %v", err)
	}
	if setup.Secret == "" || setup.ProvisioningURI == "" {
		t.Fatalf("expected secret and provisioning uri, got %+v", setup)
	}

	if _, err := env.engine.VerifyMFASetup(ctx, alice.ID, store.MFASMS, "123456"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound on method mismatch, got %v", err)
	}

	ok, err := env.engine.VerifyMFASetup(ctx, alice.ID, store.MFATOTP, wrongTOTP(t, setup.Secret, env.clock.Now()))
	if ok || err != nil {
		t.Fatalf("expected (false, nil) for a wrong code, got (%v, %v)", ok, err)
	}
	cred, err := env.store.GetCredential(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if cred.MFAEnabled {
		t.Fatalf("expected mfa to stay disabled before verification")
	}

	env.clock.Advance(11 * time.Minute)
	code, err := mfa.NewTOTP("test").Code(setup.Secret, env.clock.Now())
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if _, err := env.engine.VerifyMFASetup(ctx, alice.ID, store.MFATOTP, code); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestSetupSMSRequiresPhone(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	_, err := env.engine.SetupMFA(context.Background(), alice.ID, SetupMFARequest{Method: store.MFASMS})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	_, err = env.engine.SetupMFA(context.Background(), alice.ID, SetupMFARequest{Method: "carrier-pigeon"})
	if !errors.Is(err, ErrMFAMethodUnsupported) {
		t.Fatalf("expected ErrMFAMethodUnsupported, got %v", err)
	}
}

func TestDisableMFA(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	env.enableTOTP(t, alice.ID)
	ctx := context.Background()

	if err := env.engine.DisableMFA(ctx, alice.ID, "not-my-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := env.engine.DisableMFA(ctx, alice.ID, alicePassword); err != nil {
		t.Fatalf("DisableMFA failed: %v", err)
	}

	cred, err := env.store.GetCredential(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if cred.MFAEnabled || cred.TOTPSecret != nil || cred.BackupCodes != nil {
		t.Fatalf("expected mfa state cleared, got %+v", cred)
	}

	res, err := env.login("alice", alicePassword)
	if err != nil || res.Status != StatusAuthenticated {
		t.Fatalf("expected direct login, got %+v %v", res, err)
	}
}
