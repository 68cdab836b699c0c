package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cropai/identity/store"
)

const identityColumns = `id, email, username, full_name, password_hash, active, created_at, updated_at, last_login_at`

const credentialColumns = `identity_id, username, backup_email, phone, mfa_enabled, mfa_method, mfa_verified,
	totp_secret, backup_codes, preferred_login_method, last_login_at, locked_until, created_at, updated_at`

func scanIdentity(row scanner) (*store.Identity, error) {
	var (
		id        store.Identity
		lastLogin sql.NullTime
	)
	if err := row.Scan(&id.ID, &id.Email, &id.Username, &id.FullName, &id.PasswordHash,
		&id.Active, &id.CreatedAt, &id.UpdatedAt, &lastLogin); err != nil {
		return nil, mapErr(err)
	}
	id.LastLoginAt = timePtr(lastLogin)
	return &id, nil
}

func scanCredential(row scanner) (*store.Credential, error) {
	var (
		c                 store.Credential
		method, preferred string
		lastLogin, locked sql.NullTime
	)
	if err := row.Scan(&c.IdentityID, &c.Username, &c.BackupEmail, &c.Phone, &c.MFAEnabled, &method,
		&c.MFAVerified, &c.TOTPSecret, &c.BackupCodes, &preferred, &lastLogin, &locked,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	c.MFAMethod = store.MFAMethod(method)
	c.PreferredLoginMethod = store.LoginMethod(preferred)
	c.LastLoginAt = timePtr(lastLogin)
	c.LockedUntil = timePtr(locked)
	return &c, nil
}

func (s *Store) CreateIdentity(ctx context.Context, id *store.Identity, cred *store.Credential) error {
	now := s.now()
	email := strings.ToLower(id.Email)
	method := cred.MFAMethod
	if method == "" {
		method = store.MFANone
	}
	preferred := cred.PreferredLoginMethod
	if preferred == "" {
		preferred = store.LoginPassword
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var newID int64
		err := tx.QueryRowContext(ctx, `
			insert into identities (email, username, full_name, password_hash, active, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $6)
			returning id`,
			email, id.Username, id.FullName, id.PasswordHash, id.Active, now,
		).Scan(&newID)
		if err != nil {
			return mapErr(err)
		}
		_, err = tx.ExecContext(ctx, `
			insert into login_credentials (identity_id, username, backup_email, phone, mfa_enabled, mfa_method,
				mfa_verified, totp_secret, backup_codes, preferred_login_method, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
			newID, cred.Username, cred.BackupEmail, cred.Phone, cred.MFAEnabled, string(method),
			cred.MFAVerified, cred.TOTPSecret, cred.BackupCodes, string(preferred), now,
		)
		if err != nil {
			return mapErr(err)
		}
		id.ID = newID
		return nil
	})
	if err != nil {
		return err
	}

	id.Email = email
	id.CreatedAt, id.UpdatedAt = now, now
	cred.IdentityID = id.ID
	cred.MFAMethod = method
	cred.PreferredLoginMethod = preferred
	cred.CreatedAt, cred.UpdatedAt = now, now
	return nil
}

// DeleteIdentity relies on the cascading foreign keys for credentials,
// devices and role links.
func (s *Store) DeleteIdentity(ctx context.Context, identityID int64) (bool, error) {
	n, err := affected(s.db.ExecContext(ctx, `delete from identities where id = $1`, identityID))
	return n > 0, err
}

func (s *Store) GetIdentity(ctx context.Context, identityID int64) (*store.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id = $1`, identityID)
	return scanIdentity(row)
}

// UpdateIdentity locks the row, applies the patch and writes every mutable
// column back. A username change is mirrored onto the credential.
func (s *Store) UpdateIdentity(ctx context.Context, identityID int64, patch store.IdentityPatch) (*store.Identity, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out *store.Identity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `select `+identityColumns+` from identities where id = $1 for update`, identityID)
		id, err := scanIdentity(row)
		if err != nil {
			return err
		}
		patch.Apply(id)
		id.UpdatedAt = s.now()

		_, err = tx.ExecContext(ctx, `
			update identities
			set email = $2, username = $3, full_name = $4, password_hash = $5, active = $6,
				last_login_at = $7, updated_at = $8
			where id = $1`,
			id.ID, id.Email, id.Username, id.FullName, id.PasswordHash, id.Active,
			nullTime(id.LastLoginAt), id.UpdatedAt,
		)
		if err != nil {
			return mapErr(err)
		}
		if patch.Username != nil {
			if _, err := tx.ExecContext(ctx,
				`update login_credentials set username = $2, updated_at = $3 where identity_id = $1`,
				id.ID, id.Username, id.UpdatedAt,
			); err != nil {
				return mapErr(err)
			}
		}
		out = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetCredential(ctx context.Context, identityID int64) (*store.Credential, error) {
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from login_credentials where identity_id = $1`, identityID)
	return scanCredential(row)
}

func (s *Store) FindCredentialByUsername(ctx context.Context, username string) (*store.Credential, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	row := s.db.QueryRowContext(ctx, `select `+credentialColumns+` from login_credentials where username = $1`, username)
	return scanCredential(row)
}

// FindCredentialByEmail prefers a primary email match over a backup email.
func (s *Store) FindCredentialByEmail(ctx context.Context, email string) (*store.Credential, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRowContext(ctx, `
		select c.identity_id, c.username, c.backup_email, c.phone, c.mfa_enabled, c.mfa_method, c.mfa_verified,
			c.totp_secret, c.backup_codes, c.preferred_login_method, c.last_login_at, c.locked_until,
			c.created_at, c.updated_at
		from login_credentials c
		join identities i on i.id = c.identity_id
		where i.email = $1 or (c.backup_email <> '' and lower(c.backup_email) = $1)
		order by (i.email = $1) desc, c.identity_id
		limit 1`, email)
	return scanCredential(row)
}

func (s *Store) UpdateCredential(ctx context.Context, identityID int64, patch store.CredentialPatch) (*store.Credential, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out *store.Credential
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `select `+credentialColumns+` from login_credentials where identity_id = $1 for update`, identityID)
		c, err := scanCredential(row)
		if err != nil {
			return err
		}
		patch.Apply(c)
		c.UpdatedAt = s.now()

		_, err = tx.ExecContext(ctx, `
			update login_credentials
			set backup_email = $2, phone = $3, mfa_enabled = $4, mfa_method = $5, mfa_verified = $6,
				totp_secret = $7, backup_codes = $8, preferred_login_method = $9, last_login_at = $10,
				locked_until = $11, updated_at = $12
			where identity_id = $1`,
			c.IdentityID, c.BackupEmail, c.Phone, c.MFAEnabled, string(c.MFAMethod), c.MFAVerified,
			c.TOTPSecret, c.BackupCodes, string(c.PreferredLoginMethod), nullTime(c.LastLoginAt),
			nullTime(c.LockedUntil), c.UpdatedAt,
		)
		if err != nil {
			return mapErr(err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
