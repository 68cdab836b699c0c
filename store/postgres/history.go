package postgres

import (
	"context"
	"time"

	"github.com/cropai/identity/store"
)

func (s *Store) AppendHistory(ctx context.Context, entry *store.HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into login_history (identity_id, status, method, address, user_agent, device_type, device_name,
			location, mfa_used, mfa_method, failure_reason, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		returning id`,
		entry.IdentityID, string(entry.Status), entry.Method, entry.Address, entry.UserAgent,
		string(entry.DeviceType), entry.DeviceName, entry.Location, entry.MFAUsed, entry.MFAMethod,
		entry.FailureReason, entry.CreatedAt.UTC(),
	).Scan(&entry.ID)
	return mapErr(err)
}

// ListHistory pages newest first. A non-positive limit returns every entry
// after offset.
func (s *Store) ListHistory(ctx context.Context, identityID int64, limit, offset int) ([]store.HistoryEntry, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, identity_id, status, method, address, user_agent, device_type, device_name, location,
			mfa_used, mfa_method, failure_reason, created_at
		from login_history
		where identity_id = $1
		order by created_at desc, id desc
		limit $2 offset $3`, identityID, lim, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.HistoryEntry{}
	for rows.Next() {
		var (
			e              store.HistoryEntry
			status, device string
		)
		if err := rows.Scan(&e.ID, &e.IdentityID, &status, &e.Method, &e.Address, &e.UserAgent, &device,
			&e.DeviceName, &e.Location, &e.MFAUsed, &e.MFAMethod, &e.FailureReason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = store.LoginStatus(status)
		e.DeviceType = store.DeviceType(device)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountHistory(ctx context.Context, identityID int64, statuses []store.LoginStatus, since time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from login_history
		where identity_id = $1 and status = any($2) and created_at >= $3`,
		identityID, names, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
