package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/cropai/identity/device"
	"github.com/cropai/identity/store"
)

// RegisterDevice registers a device for an authenticated identity and
// returns a device-trust token. An empty DeviceID is derived from the name
// and user agent. Registering a known device returns the stored record.
func (e *Engine) RegisterDevice(ctx context.Context, identityID int64, req DeviceRequest) (*DeviceGrant, error) {
	now := e.now()
	did := strings.TrimSpace(req.DeviceID)
	if did == "" {
		if strings.TrimSpace(req.Name) == "" {
			return nil, ErrInvalidRequest
		}
		did = device.DeriveID(strings.TrimSpace(req.Name), req.UserAgent)
	}
	d, _, err := e.devices.Register(ctx, device.Registration{
		IdentityID: identityID,
		DeviceID:   did,
		Name:       req.Name,
		Type:       req.Type,
		TTL:        req.TrustedFor,
	}, now)
	if err != nil {
		return nil, deviceErr(err)
	}
	token, _, err := e.codec.IssueDevice(identityID, d.DeviceID, now)
	if err != nil {
		return nil, err
	}
	return &DeviceGrant{DeviceID: d.DeviceID, Token: token, Trusted: d.Trusted}, nil
}

func (e *Engine) ListDevices(ctx context.Context, identityID int64, onlyTrusted bool) ([]store.Device, error) {
	devices, err := e.devices.List(ctx, identityID, onlyTrusted)
	return devices, deviceErr(err)
}

func (e *Engine) TrustDevice(ctx context.Context, identityID int64, deviceID string, trusted bool) (*store.Device, error) {
	d, err := e.devices.SetTrusted(ctx, identityID, deviceID, trusted)
	return d, deviceErr(err)
}

func (e *Engine) RemoveDevice(ctx context.Context, identityID int64, deviceID string) error {
	return deviceErr(e.devices.Remove(ctx, identityID, deviceID))
}

// RemoveAllDevices deletes every device of the identity and returns how
// many were removed.
func (e *Engine) RemoveAllDevices(ctx context.Context, identityID int64) (int, error) {
	n, err := e.devices.RemoveAll(ctx, identityID)
	return n, deviceErr(err)
}

// VerifyDeviceToken checks a device-trust token against the registry and
// touches the device. Tokens for removed or expired devices are invalid.
func (e *Engine) VerifyDeviceToken(ctx context.Context, token string) (*store.Device, error) {
	now := e.now()
	claims, err := e.codec.ParseDevice(strings.TrimSpace(token), now)
	if err != nil {
		return nil, err
	}
	identityID, err := claims.IdentityID()
	if err != nil {
		return nil, ErrTokenInvalid
	}
	d, err := e.devices.Get(ctx, identityID, claims.DeviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, backendErr(err)
	}
	if !d.ExpiresAt.After(now) {
		return nil, ErrTokenExpired
	}
	touched, err := e.devices.Touch(ctx, identityID, claims.DeviceID, now)
	if err != nil {
		return nil, deviceErr(err)
	}
	return touched, nil
}

func deviceErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, device.ErrInvalidDevice):
		return err
	}
	return backendErr(err)
}
