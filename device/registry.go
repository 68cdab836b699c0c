// Package device keeps the per-identity registry of client devices and
// their trust flags.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cropai/identity/store"
)

const DefaultTTL = 30 * 24 * time.Hour

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidDevice  = errors.New("invalid device")
)

// Registration describes a device to register. TTL zero uses the registry
// default.
type Registration struct {
	IdentityID int64
	DeviceID   string
	Name       string
	Type       string
	TTL        time.Duration
}

type Registry struct {
	store  store.DeviceStore
	ttl    time.Duration
	logger *zap.Logger
}

func NewRegistry(s store.DeviceStore, ttl time.Duration, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: s, ttl: ttl, logger: logger.Named("device")}
}

// DeriveID returns the device id for a named client: hex SHA-256 of
// name:userAgent.
func DeriveID(name, userAgent string) string {
	sum := sha256.Sum256([]byte(name + ":" + userAgent))
	return hex.EncodeToString(sum[:])
}

// Register upserts a device. A known (identity, device id) pair returns the
// stored record with created=false.
func (r *Registry) Register(ctx context.Context, reg Registration, now time.Time) (*store.Device, bool, error) {
	reg.DeviceID = strings.TrimSpace(reg.DeviceID)
	if reg.IdentityID <= 0 || reg.DeviceID == "" || len(reg.DeviceID) > 255 {
		return nil, false, ErrInvalidDevice
	}
	ttl := reg.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	d, created, err := r.store.UpsertDevice(ctx, &store.Device{
		IdentityID: reg.IdentityID,
		DeviceID:   reg.DeviceID,
		Name:       strings.TrimSpace(reg.Name),
		Type:       store.NormalizeDeviceType(reg.Type),
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		r.logger.Info("device registered",
			zap.Int64("identity_id", reg.IdentityID),
			zap.String("device_type", string(d.Type)))
	}
	return d, created, nil
}

func (r *Registry) Get(ctx context.Context, identityID int64, deviceID string) (*store.Device, error) {
	d, err := r.store.GetDevice(ctx, identityID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

func (r *Registry) update(ctx context.Context, identityID int64, deviceID string, patch store.DevicePatch) (*store.Device, error) {
	d, err := r.store.UpdateDevice(ctx, identityID, deviceID, patch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// SetTrusted toggles the trust flag.
func (r *Registry) SetTrusted(ctx context.Context, identityID int64, deviceID string, trusted bool) (*store.Device, error) {
	return r.update(ctx, identityID, deviceID, store.DevicePatch{Trusted: &trusted})
}

// Touch records a use of the device at now.
func (r *Registry) Touch(ctx context.Context, identityID int64, deviceID string, now time.Time) (*store.Device, error) {
	return r.update(ctx, identityID, deviceID, store.DevicePatch{LastUsedAt: &now})
}

func (r *Registry) Remove(ctx context.Context, identityID int64, deviceID string) error {
	removed, err := r.store.DeleteDevice(ctx, identityID, deviceID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *Registry) RemoveAll(ctx context.Context, identityID int64) (int, error) {
	return r.store.DeleteDevicesForIdentity(ctx, identityID)
}

// List returns devices most recently used first.
func (r *Registry) List(ctx context.Context, identityID int64, onlyTrusted bool) ([]store.Device, error) {
	return r.store.ListDevices(ctx, identityID, onlyTrusted)
}

// SweepExpired deletes devices whose expiry is at or before now.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := r.store.DeleteExpiredDevices(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("expired devices removed", zap.Int("count", n))
	}
	return n, nil
}
