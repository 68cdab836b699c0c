package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cropai/identity/store"
)

const deviceColumns = `id, identity_id, device_id, name, type, trusted, last_used_at, expires_at, created_at, updated_at`

func scanDevice(row scanner) (*store.Device, error) {
	var (
		d        store.Device
		kind     string
		lastUsed sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.IdentityID, &d.DeviceID, &d.Name, &kind, &d.Trusted, &lastUsed,
		&d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	d.Type = store.DeviceType(kind)
	d.LastUsedAt = timePtr(lastUsed)
	return &d, nil
}

// UpsertDevice relies on the (identity_id, device_id) constraint; when the
// insert is skipped the stored row is read back.
func (s *Store) UpsertDevice(ctx context.Context, d *store.Device) (*store.Device, bool, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		insert into trusted_devices (identity_id, device_id, name, type, trusted, last_used_at, expires_at,
			created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		on conflict (identity_id, device_id) do nothing
		returning `+deviceColumns,
		d.IdentityID, d.DeviceID, d.Name, string(d.Type), d.Trusted, nullTime(d.LastUsedAt),
		d.ExpiresAt.UTC(), now,
	)
	created, err := scanDevice(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	existing, err := s.GetDevice(ctx, d.IdentityID, d.DeviceID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetDevice(ctx context.Context, identityID int64, deviceID string) (*store.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+deviceColumns+` from trusted_devices where identity_id = $1 and device_id = $2`,
		identityID, deviceID)
	return scanDevice(row)
}

func (s *Store) UpdateDevice(ctx context.Context, identityID int64, deviceID string, patch store.DevicePatch) (*store.Device, error) {
	var out *store.Device
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select `+deviceColumns+` from trusted_devices where identity_id = $1 and device_id = $2 for update`,
			identityID, deviceID)
		d, err := scanDevice(row)
		if err != nil {
			return err
		}
		patch.Apply(d)
		d.UpdatedAt = s.now()
		_, err = tx.ExecContext(ctx, `
			update trusted_devices
			set name = $2, trusted = $3, last_used_at = $4, expires_at = $5, updated_at = $6
			where id = $1`,
			d.ID, d.Name, d.Trusted, nullTime(d.LastUsedAt), d.ExpiresAt.UTC(), d.UpdatedAt,
		)
		if err != nil {
			return mapErr(err)
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteDevice(ctx context.Context, identityID int64, deviceID string) (bool, error) {
	n, err := affected(s.db.ExecContext(ctx,
		`delete from trusted_devices where identity_id = $1 and device_id = $2`, identityID, deviceID))
	return n > 0, err
}

func (s *Store) DeleteDevicesForIdentity(ctx context.Context, identityID int64) (int, error) {
	return affected(s.db.ExecContext(ctx, `delete from trusted_devices where identity_id = $1`, identityID))
}

// ListDevices orders by most recent use, falling back to creation time.
func (s *Store) ListDevices(ctx context.Context, identityID int64, onlyTrusted bool) ([]store.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+deviceColumns+`
		from trusted_devices
		where identity_id = $1 and ($2 = false or trusted)
		order by coalesce(last_used_at, created_at) desc, id desc`, identityID, onlyTrusted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredDevices(ctx context.Context, now time.Time) (int, error) {
	return affected(s.db.ExecContext(ctx, `delete from trusted_devices where expires_at <= $1`, now.UTC()))
}
