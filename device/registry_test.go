package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cropai/identity/store"
	"github.com/cropai/identity/store/memory"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newTestRegistry() *Registry {
	return NewRegistry(memory.New(func() time.Time { return base }), 0, nil)
}

func TestRegisterIsUpsert(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	d, created, err := r.Register(ctx, Registration{IdentityID: 1, DeviceID: "dev-1", Name: "Pixel", Type: "Mobile_Android"}, base)
	if err != nil || !created {
		t.Fatalf("Register failed: created=%v err=%v", created, err)
	}
	if d.Type != store.DeviceMobileAndroid || !d.ExpiresAt.Equal(base.Add(DefaultTTL)) {
		t.Fatalf("unexpected device %+v", d)
	}

	again, created, err := r.Register(ctx, Registration{IdentityID: 1, DeviceID: "dev-1", Name: "Other"}, base.Add(time.Hour))
	if err != nil || created {
		t.Fatalf("second Register: created=%v err=%v", created, err)
	}
	if again.ID != d.ID || again.Name != "Pixel" {
		t.Fatalf("expected existing device, got %+v", again)
	}

	if _, _, err := r.Register(ctx, Registration{IdentityID: 1}, base); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestTrustTouchRemove(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	for _, id := range []string{"a", "b"} {
		if _, _, err := r.Register(ctx, Registration{IdentityID: 7, DeviceID: id}, base); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	d, err := r.SetTrusted(ctx, 7, "a", true)
	if err != nil || !d.Trusted {
		t.Fatalf("SetTrusted failed: %+v %v", d, err)
	}
	used := base.Add(time.Minute)
	d, err = r.Touch(ctx, 7, "a", used)
	if err != nil || d.LastUsedAt == nil || !d.LastUsedAt.Equal(used) {
		t.Fatalf("Touch failed: %+v %v", d, err)
	}

	trusted, err := r.List(ctx, 7, true)
	if err != nil || len(trusted) != 1 || trusted[0].DeviceID != "a" {
		t.Fatalf("unexpected trusted list %+v %v", trusted, err)
	}

	if _, err := r.SetTrusted(ctx, 7, "zzz", true); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if err := r.Remove(ctx, 7, "a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := r.Remove(ctx, 7, "a"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound on second remove, got %v", err)
	}
	n, err := r.RemoveAll(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("RemoveAll: n=%d err=%v", n, err)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	if _, _, err := r.Register(ctx, Registration{IdentityID: 1, DeviceID: "short", TTL: time.Hour}, base); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, _, err := r.Register(ctx, Registration{IdentityID: 1, DeviceID: "long"}, base); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	n, err := r.SweepExpired(ctx, base.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired: n=%d err=%v", n, err)
	}
	if _, err := r.Get(ctx, 1, "short"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected expired device gone, got %v", err)
	}
}

func TestDeriveID(t *testing.T) {
	a := DeriveID("Laptop", "Mozilla/5.0")
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
	if a != DeriveID("Laptop", "Mozilla/5.0") || a == DeriveID("Laptop", "curl/8") {
		t.Fatal("DeriveID must be deterministic and bound to the user agent")
	}
}
