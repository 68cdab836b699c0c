package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestChallengeSaveGetRoundTrip(t *testing.T) {
	mr, rdb := newRedisTest(t)
	s := NewChallengeStore(rdb, "ch", time.Minute)
	ctx := context.Background()

	in := &Challenge{
		IdentityID:  42,
		Method:      "totp",
		Code:        []byte{1, 2, 3},
		MaxAttempts: 5,
		CreatedAt:   testNow,
		ExpiresAt:   testNow.Add(10 * time.Minute),
	}
	if err := s.Save(ctx, "abc", in, testNow); err != nil {
		t.Fatalf("save challenge: %v", err)
	}
	if ttl := mr.TTL("ch:abc"); ttl != 11*time.Minute {
		t.Fatalf("expected ttl of expiry plus grace, got %v", ttl)
	}

	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if got.IdentityID != 42 || got.Method != "totp" || string(got.Code) != string(in.Code) || got.Payload != nil {
		t.Fatalf("unexpected challenge %+v", got)
	}
	if !got.ExpiresAt.Equal(in.ExpiresAt) || got.Remaining() != 5 {
		t.Fatalf("unexpected expiry or remaining: %+v", got)
	}
	if got.Expired(testNow.Add(10*time.Minute)) || !got.Expired(testNow.Add(10*time.Minute+time.Millisecond)) {
		t.Fatal("expiry boundary is inclusive of expires_at")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChallengeRecordFailureExhaustsAndDeletes(t *testing.T) {
	mr, rdb := newRedisTest(t)
	s := NewChallengeStore(rdb, "ch", time.Minute)
	ctx := context.Background()

	c := &Challenge{IdentityID: 1, Method: "sms", MaxAttempts: 3, CreatedAt: testNow, ExpiresAt: testNow.Add(time.Minute)}
	if err := s.Save(ctx, "x", c, testNow); err != nil {
		t.Fatalf("save challenge: %v", err)
	}

	for i := 1; i <= 2; i++ {
		got, exhausted, err := s.RecordFailure(ctx, "x")
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		if exhausted || got.Remaining() != 3-i {
			t.Fatalf("attempt %d: exhausted=%v remaining=%d", i, exhausted, got.Remaining())
		}
	}
	if mr.TTL("ch:x") <= 0 {
		t.Fatal("expected ttl to survive attempt update")
	}

	_, exhausted, err := s.RecordFailure(ctx, "x")
	if err != nil || !exhausted {
		t.Fatalf("expected exhaustion on third failure: exhausted=%v err=%v", exhausted, err)
	}
	if mr.Exists("ch:x") {
		t.Fatal("exhausted challenge must be deleted")
	}
	if _, _, err := s.RecordFailure(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after exhaustion, got %v", err)
	}
}

func TestChallengeConsumeOnlyOnce(t *testing.T) {
	_, rdb := newRedisTest(t)
	s := NewChallengeStore(rdb, "ch", time.Minute)
	ctx := context.Background()

	c := &Challenge{IdentityID: 1, Method: "totp", MaxAttempts: 5, CreatedAt: testNow, ExpiresAt: testNow.Add(time.Minute)}
	if err := s.Save(ctx, "once", c, testNow); err != nil {
		t.Fatalf("save challenge: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Consume(ctx, "once")
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one consumer, got %d", wins)
	}
}

func TestDecodeChallengeRejectsUnknownVersion(t *testing.T) {
	if _, err := decodeChallenge([]byte{9, 0, 0}); err == nil {
		t.Fatal("expected version error")
	}
	if _, err := decodeChallenge(nil); err == nil {
		t.Fatal("expected error on empty record")
	}
}

func TestThrottleBlocksAtCeiling(t *testing.T) {
	_, rdb := newRedisTest(t)
	s := NewThrottleStore(rdb, "thr", 24*time.Hour)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		blocked, _, err := s.ShouldThrottle(ctx, 7, "10.0.0.1", 3, 30*time.Minute, testNow)
		if err != nil || blocked {
			t.Fatalf("attempt %d should pass: blocked=%v err=%v", i, blocked, err)
		}
		n, err := s.RecordFailure(ctx, 7, "10.0.0.1", testNow)
		if err != nil || n != i {
			t.Fatalf("record failure %d: n=%d err=%v", i, n, err)
		}
	}

	blocked, until, err := s.ShouldThrottle(ctx, 7, "10.0.0.1", 3, 30*time.Minute, testNow)
	if err != nil || !blocked {
		t.Fatalf("expected block after ceiling: blocked=%v err=%v", blocked, err)
	}
	if !until.Equal(testNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected unlock time %v", until)
	}

	// Other keys are unaffected.
	if blocked, _, _ := s.ShouldThrottle(ctx, 0, "10.0.0.1", 3, 30*time.Minute, testNow); blocked {
		t.Fatal("address-only key must be independent of identity key")
	}

	later := testNow.Add(31 * time.Minute)
	blocked, _, err = s.ShouldThrottle(ctx, 7, "10.0.0.1", 3, 30*time.Minute, later)
	if err != nil || blocked {
		t.Fatalf("expected pass once lockout elapsed: blocked=%v err=%v", blocked, err)
	}
	rec, err := s.Get(ctx, 7, "10.0.0.1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.FailedAttempts != 0 {
		t.Fatalf("expected counter cleared after elapsed lockout, got %d", rec.FailedAttempts)
	}

	if _, err := s.RecordFailure(ctx, 7, "10.0.0.1", later); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	existed, err := s.Reset(ctx, 7, "10.0.0.1")
	if err != nil || !existed {
		t.Fatalf("reset: existed=%v err=%v", existed, err)
	}
	rec, err = s.Get(ctx, 7, "10.0.0.1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.FailedAttempts != 0 || !rec.BlockedUntil.IsZero() {
		t.Fatalf("expected cleared record, got %+v", rec)
	}
	if blocked, _, _ := s.ShouldThrottle(ctx, 7, "10.0.0.1", 3, 30*time.Minute, later); blocked {
		t.Fatal("expected pass after reset")
	}
}

func TestThrottleConcurrentFailuresAreCounted(t *testing.T) {
	_, rdb := newRedisTest(t)
	s := NewThrottleStore(rdb, "thr", time.Hour)
	ctx := context.Background()

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordFailure(ctx, 0, "1.2.3.4", testNow); err != nil {
				t.Errorf("record failure: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, 0, "1.2.3.4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.FailedAttempts != workers {
		t.Fatalf("expected %d failures, got %d", workers, rec.FailedAttempts)
	}
}

func TestThrottleReserveBlocksAtLimit(t *testing.T) {
	mr, rdb := newRedisTest(t)
	s := NewThrottleStore(rdb, "thr", time.Hour)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		r, err := s.Reserve(ctx, 7, AccountScope, 3, 30*time.Minute, 0, testNow)
		if err != nil || !r.Allowed || r.Count != i {
			t.Fatalf("reservation %d: %+v err=%v", i, r, err)
		}
		if last := i == 3; last != !r.BlockedUntil.IsZero() {
			t.Fatalf("reservation %d: unexpected block %v", i, r.BlockedUntil)
		}
	}
	if ttl := mr.TTL("thr:7:*"); ttl != time.Hour {
		t.Fatalf("expected retention ttl, got %v", ttl)
	}

	r, err := s.Reserve(ctx, 7, AccountScope, 3, 30*time.Minute, 0, testNow.Add(time.Second))
	if err != nil || r.Allowed {
		t.Fatalf("expected refusal at limit: %+v err=%v", r, err)
	}
	if !r.BlockedUntil.Equal(testNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected unlock time %v", r.BlockedUntil)
	}

	r, err = s.Reserve(ctx, 7, AccountScope, 3, 30*time.Minute, 0, testNow.Add(31*time.Minute))
	if err != nil || !r.Allowed || r.Count != 1 {
		t.Fatalf("expected a fresh count after the block: %+v err=%v", r, err)
	}

	if existed, err := s.Reset(ctx, 7, AccountScope); err != nil || !existed {
		t.Fatalf("reset: existed=%v err=%v", existed, err)
	}
	rec, err := s.Get(ctx, 7, AccountScope)
	if err != nil || rec.FailedAttempts != 0 || !rec.BlockedUntil.IsZero() {
		t.Fatalf("expected cleared record, got %+v err=%v", rec, err)
	}
}

func TestThrottleReserveWindowRestartsCount(t *testing.T) {
	_, rdb := newRedisTest(t)
	s := NewThrottleStore(rdb, "thr", time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Reserve(ctx, 7, AccountScope, 3, time.Minute, 15*time.Minute, testNow); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	r, err := s.Reserve(ctx, 7, AccountScope, 3, time.Minute, 15*time.Minute, testNow.Add(15*time.Minute))
	if err != nil || !r.Allowed || r.Count != 1 || !r.BlockedUntil.IsZero() {
		t.Fatalf("expected the window to restart the count: %+v err=%v", r, err)
	}
}

func TestThrottleConcurrentReservationsStopAtLimit(t *testing.T) {
	_, rdb := newRedisTest(t)
	s := NewThrottleStore(rdb, "thr", time.Hour)
	ctx := context.Background()

	const (
		workers = 64
		limit   = 4
	)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		last    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.Reserve(ctx, 9, AccountScope, limit, 30*time.Minute, 0, testNow)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if r.Allowed {
				allowed++
				if !r.BlockedUntil.IsZero() {
					last++
				}
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("expected %d reservations, got %d", limit, allowed)
	}
	if last != 1 {
		t.Fatalf("expected exactly one reservation to set the block, got %d", last)
	}
}

func TestChallengeConcurrentFailuresAreCounted(t *testing.T) {
	mr, rdb := newRedisTest(t)
	s := NewChallengeStore(rdb, "ch", time.Minute)
	ctx := context.Background()

	c := &Challenge{IdentityID: 1, Method: "sms", MaxAttempts: 40, CreatedAt: testNow, ExpiresAt: testNow.Add(time.Minute)}
	if err := s.Save(ctx, "busy", c, testNow); err != nil {
		t.Fatalf("save challenge: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.RecordFailure(ctx, "busy"); err != nil {
				t.Errorf("record failure: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "busy")
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if got.Attempts != workers || got.Method != "sms" || got.IdentityID != 1 {
		t.Fatalf("expected %d attempts on an intact record, got %+v", workers, got)
	}
	if mr.TTL("ch:busy") <= 0 {
		t.Fatal("expected ttl to survive concurrent updates")
	}
}

func TestThrottleSweepRemovesStaleRecords(t *testing.T) {
	_, rdb := newRedisTest(t)
	s := NewThrottleStore(rdb, "thr", 48*time.Hour)
	ctx := context.Background()

	old := testNow.Add(-25 * time.Hour)
	if _, err := s.RecordFailure(ctx, 1, "a", old); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.RecordFailure(ctx, 2, "b", testNow); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := s.Sweep(ctx, testNow.Add(-24*time.Hour), testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stale record removed, got %d", n)
	}
	if _, err := s.Get(ctx, 1, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale record gone, got %v", err)
	}
	if _, err := s.Get(ctx, 2, "b"); err != nil {
		t.Fatalf("fresh record must survive: %v", err)
	}
}

func TestRevocation(t *testing.T) {
	mr, rdb := newRedisTest(t)
	s := NewRevocationStore(rdb, "rv")
	ctx := context.Background()

	if err := s.Revoke(ctx, "jti-1", testNow.Add(5*time.Minute), testNow); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := s.IsRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked: %v %v", revoked, err)
	}
	if ttl := mr.TTL("rv:jti-1"); ttl != 5*time.Minute {
		t.Fatalf("expected entry to live until token expiry, got %v", ttl)
	}

	if err := s.Revoke(ctx, "jti-old", testNow.Add(-time.Second), testNow); err != nil {
		t.Fatalf("revoke expired: %v", err)
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-old"); revoked {
		t.Fatal("already-expired token should not be stored")
	}

	mr.FastForward(6 * time.Minute)
	if revoked, _ := s.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatal("entry should be pruned after expiry")
	}
}

func TestBackendErrorsAreWrapped(t *testing.T) {
	mr, rdb := newRedisTest(t)
	s := NewRevocationStore(rdb, "rv")
	mr.Close()

	_, err := s.IsRevoked(context.Background(), "x")
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
}

func TestResetConsume(t *testing.T) {
	mr, rdb := newRedisTest(t)
	s := NewResetStore(rdb, "pr")
	ctx := context.Background()

	good := [32]byte{1}
	bad := [32]byte{2}
	rec := &ResetRecord{IdentityID: 9, SecretHash: good, ExpiresAt: testNow.Add(15 * time.Minute)}
	if err := s.Save(ctx, rec, testNow); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := s.Consume(ctx, 9, bad, 3, testNow); !errors.Is(err, ErrResetSecretMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	got, err := s.Consume(ctx, 9, good, 3, testNow)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.IdentityID != 9 || got.Attempts != 1 {
		t.Fatalf("unexpected record %+v", got)
	}
	if mr.Exists("pr:9") {
		t.Fatal("consumed reset must be deleted")
	}
	if _, err := s.Consume(ctx, 9, good, 3, testNow); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on reuse, got %v", err)
	}
}

func TestResetAttemptsAndExpiry(t *testing.T) {
	_, rdb := newRedisTest(t)
	s := NewResetStore(rdb, "pr")
	ctx := context.Background()

	rec := &ResetRecord{IdentityID: 1, SecretHash: [32]byte{1}, ExpiresAt: testNow.Add(time.Minute)}
	if err := s.Save(ctx, rec, testNow); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Consume(ctx, 1, [32]byte{}, 2, testNow); !errors.Is(err, ErrResetSecretMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := s.Consume(ctx, 1, [32]byte{}, 2, testNow); !errors.Is(err, ErrResetAttemptsExceeded) {
		t.Fatalf("expected attempts exceeded, got %v", err)
	}

	if err := s.Save(ctx, rec, testNow); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Consume(ctx, 1, [32]byte{1}, 2, testNow.Add(2*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired reset to be not found, got %v", err)
	}
}
