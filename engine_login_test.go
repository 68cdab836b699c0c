package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cropai/identity/store"
	"github.com/cropai/identity/store/memory"
)

func TestLoginUnknownAndWrongPasswordAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.registerAlice(t)

	_, unknown := env.login("nobody", "whatever-123")
	_, wrong := env.login("alice", "whatever-123")
	if !errors.Is(unknown, ErrInvalidCredentials) || !errors.Is(wrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v / %v", unknown, wrong)
	}
	if unknown.Error() != wrong.Error() {
		t.Fatalf("messages differ: %q vs %q", unknown, wrong)
	}
	if unknown.Error() != "invalid email/username or password" {
		t.Fatalf("unexpected wording %q", unknown)
	}
}

func TestLoginByEmailFallback(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.registerAlice(t)

	for _, identifier := range []string{"ALICE", "Alice@X.com"} {
		if _, err := env.login(identifier, alicePassword); err != nil {
			t.Fatalf("Login(%q) failed: %v", identifier, err)
		}
	}
}

func TestAddressThrottleBlocksBeforeLookup(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.registerAlice(t)

	for i := 0; i < 5; i++ {
		if _, err := env.login("ghost", "nope-nope"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	_, err := env.login("alice", alicePassword)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected address lockout, got %v", err)
	}
	if !locked.Until.Equal(env.clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("unexpected unlock time %v", locked.Until)
	}

	unknown := env.history(t, 0)
	if len(unknown) != 6 || unknown[0].Status != store.StatusBlocked {
		t.Fatalf("expected 5 failures and 1 block under identity 0, got %+v", unknown)
	}

	other, err := env.engine.Login(context.Background(), LoginRequest{
		Identifier: "alice",
		Password:   alicePassword,
		Address:    "198.51.100.1",
	})
	if err != nil || other.Tokens == nil {
		t.Fatalf("expected another address to log in, got %v", err)
	}
}

func TestEveryDenialWritesOneAuditEntry(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)

	cases := []struct {
		name       string
		identifier string
		password   string
		identity   int64
		status     store.LoginStatus
	}{
		{"unknown identifier", "nobody", "pw-123456", 0, store.StatusFailed},
		{"wrong password", "alice", "pw-123456", alice.ID, store.StatusFailed},
		{"empty password", "alice", "", 0, store.StatusFailed},
	}
	for _, tc := range cases {
		before := len(env.history(t, tc.identity))
		if _, err := env.login(tc.identifier, tc.password); err == nil {
			t.Fatalf("%s: expected an error", tc.name)
		}
		after := env.history(t, tc.identity)
		if len(after) != before+1 {
			t.Fatalf("%s: expected exactly one entry, got %d new", tc.name, len(after)-before)
		}
		if after[0].Status != tc.status {
			t.Fatalf("%s: expected status %s, got %s", tc.name, tc.status, after[0].Status)
		}
	}
}

type failingHistory struct {
	*memory.Store
}

func (failingHistory) AppendHistory(context.Context, *store.HistoryEntry) error {
	return errors.New("disk full")
}

func TestAuditFailureDoesNotChangeResult(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.registerAlice(t)
	env.engine.store = failingHistory{env.store}

	if _, err := env.login("alice", alicePassword); err != nil {
		t.Fatalf("expected success despite audit failure, got %v", err)
	}
	if _, err := env.login("alice", "bad-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials despite audit failure, got %v", err)
	}
}

func TestAuditSinkReceivesEntries(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, testConfig(), func(b *Builder) {
		b.WithAuditSink(NewJSONWriterSink(&buf))
	})
	env.registerAlice(t)

	if _, err := env.login("alice", "bad-password"); err == nil {
		t.Fatalf("expected failure")
	}
	line := strings.TrimSpace(buf.String())
	var entry store.HistoryEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("sink output is not one JSON entry: %v", err)
	}
	if entry.Status != store.StatusFailed || entry.FailureReason != "password_mismatch" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestInactiveIdentityCannotLogin(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	if err := env.engine.SetActive(context.Background(), alice.ID, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if _, err := env.login("alice", alicePassword); !errors.Is(err, ErrInactiveIdentity) {
		t.Fatalf("expected ErrInactiveIdentity, got %v", err)
	}
}

func TestLoginRegistersDevice(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.registerAlice(t)
	ctx := context.Background()

	req := LoginRequest{
		Identifier: "alice",
		Password:   alicePassword,
		Address:    testAddress,
		UserAgent:  testUserAgent,
		DeviceName: "Field tablet",
		DeviceType: "tablet",
	}
	first, err := env.engine.Login(ctx, req)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if first.Device == nil || first.Device.Token == "" {
		t.Fatalf("expected a device grant, got %+v", first.Device)
	}
	second, err := env.engine.Login(ctx, req)
	if err != nil {
		t.Fatalf("second Login failed: %v", err)
	}
	if second.Device.DeviceID != first.Device.DeviceID {
		t.Fatalf("expected the same derived device id")
	}

	devices, err := env.engine.ListDevices(ctx, alice.ID, false)
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].Type != store.DeviceTablet || devices[0].LastUsedAt == nil {
		t.Fatalf("unexpected devices %+v", devices)
	}

	d, err := env.engine.VerifyDeviceToken(ctx, first.Device.Token)
	if err != nil || d.DeviceID != first.Device.DeviceID {
		t.Fatalf("VerifyDeviceToken failed: %v", err)
	}
}

func TestPrimaryRolePrecedence(t *testing.T) {
	if got := primaryRole([]string{"VIEWER", "ADMIN", "ANALYST"}); got != "ADMIN" {
		t.Fatalf("expected ADMIN, got %q", got)
	}
	if got := primaryRole([]string{"AGRONOMIST"}); got != "AGRONOMIST" {
		t.Fatalf("expected fallback to first role, got %q", got)
	}
	if got := primaryRole(nil); got != "" {
		t.Fatalf("expected empty role, got %q", got)
	}
}
