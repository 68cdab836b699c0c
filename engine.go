package identity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cropai/identity/device"
	"github.com/cropai/identity/internal/stores"
	"github.com/cropai/identity/jwt"
	"github.com/cropai/identity/metrics"
	"github.com/cropai/identity/mfa"
	"github.com/cropai/identity/notify"
	"github.com/cropai/identity/password"
	"github.com/cropai/identity/rbac"
	"github.com/cropai/identity/store"
)

// Engine is the login orchestrator and the entry point for every identity
// operation. It holds no per-request state and is safe for concurrent use.
type Engine struct {
	config  Config
	store   store.Store
	logger  *zap.Logger
	clock   Clock
	metrics *metrics.Metrics

	hasher   *password.Argon2
	codec    *jwt.Codec
	sealer   *mfa.Sealer
	totp     *mfa.TOTP
	resolver *rbac.Resolver
	devices  *device.Registry

	challenges *stores.ChallengeStore
	setups     *stores.ChallengeStore
	throttle   *stores.ThrottleStore
	revoked    *stores.RevocationStore
	resets     *stores.ResetStore

	email notify.Sender
	sms   notify.Sender
	sink  AuditSink
}

// Resolver exposes role and permission management.
func (e *Engine) Resolver() *rbac.Resolver { return e.resolver }

// Devices exposes the device registry.
func (e *Engine) Devices() *device.Registry { return e.devices }

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// hashPassword hashes and records the hashing latency.
func (e *Engine) hashPassword(plaintext string) (string, error) {
	start := time.Now()
	hash, err := e.hasher.Hash(plaintext)
	e.metrics.ObserveHash(time.Since(start))
	return hash, err
}

func (e *Engine) verifyPassword(plaintext, hash string) bool {
	start := time.Now()
	ok := e.hasher.Verify(plaintext, hash)
	e.metrics.ObserveHash(time.Since(start))
	return ok
}

// checkPasswordPolicy applies the length bounds.
func (e *Engine) checkPasswordPolicy(plaintext string) error {
	if len([]rune(plaintext)) < e.config.Password.MinLength || len(plaintext) > e.config.Password.MaxBytes {
		return ErrWeakPassword
	}
	return nil
}

// storeErr maps persistence errors onto the engine taxonomy.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrIdentityNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrDuplicateIdentity
	}
	return backendErr(err)
}

// SweepThrottle deletes throttle records whose last attempt is older than
// the retention window.
func (e *Engine) SweepThrottle(ctx context.Context) (int, error) {
	now := e.now()
	n, err := e.throttle.Sweep(ctx, now.Add(-e.config.Throttle.Retention), now)
	if err != nil {
		return n, backendErr(err)
	}
	return n, nil
}

// SweepDevices deletes devices past their expiry.
func (e *Engine) SweepDevices(ctx context.Context) (int, error) {
	n, err := e.devices.SweepExpired(ctx, e.now())
	if err != nil {
		return n, backendErr(err)
	}
	return n, nil
}
