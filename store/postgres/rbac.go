package postgres

import (
	"context"

	"github.com/cropai/identity/store"
)

func (s *Store) CreateRole(ctx context.Context, role *store.Role) error {
	now := s.now()
	err := s.db.QueryRowContext(ctx,
		`insert into roles (name, description, created_at) values ($1, $2, $3) returning id`,
		role.Name, role.Description, now,
	).Scan(&role.ID)
	if err != nil {
		return mapErr(err)
	}
	role.CreatedAt = now
	return nil
}

func (s *Store) GetRole(ctx context.Context, roleID int64) (*store.Role, error) {
	var r store.Role
	err := s.db.QueryRowContext(ctx,
		`select id, name, description, created_at from roles where id = $1`, roleID,
	).Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (*store.Role, error) {
	var r store.Role
	err := s.db.QueryRowContext(ctx,
		`select id, name, description, created_at from roles where name = $1`, name,
	).Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]store.Role, error) {
	return s.queryRoles(ctx, `select id, name, description, created_at from roles order by id`)
}

func (s *Store) RolesForIdentity(ctx context.Context, identityID int64) ([]store.Role, error) {
	return s.queryRoles(ctx, `
		select r.id, r.name, r.description, r.created_at
		from roles r
		join identity_roles ir on ir.role_id = r.id
		where ir.identity_id = $1
		order by r.id`, identityID)
}

func (s *Store) queryRoles(ctx context.Context, query string, args ...any) ([]store.Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Role
	for rows.Next() {
		var r store.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreatePermission(ctx context.Context, perm *store.Permission) error {
	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (name, resource, action, description, created_at)
		values ($1, $2, $3, $4, $5) returning id`,
		perm.Name, perm.Resource, perm.Action, perm.Description, now,
	).Scan(&perm.ID)
	if err != nil {
		return mapErr(err)
	}
	perm.CreatedAt = now
	return nil
}

const permissionColumns = `id, name, resource, action, description, created_at`

func (s *Store) GetPermission(ctx context.Context, permissionID int64) (*store.Permission, error) {
	var p store.Permission
	err := s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, permissionID).
		Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (*store.Permission, error) {
	var p store.Permission
	err := s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where name = $1`, name).
		Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]store.Permission, error) {
	return s.queryPermissions(ctx, `select `+permissionColumns+` from permissions order by id`)
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID int64) ([]store.Permission, error) {
	return s.queryPermissions(ctx, `
		select p.id, p.name, p.resource, p.action, p.description, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.name`, roleID)
}

func (s *Store) queryPermissions(ctx context.Context, query string, args ...any) ([]store.Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Permission
	for rows.Next() {
		var p store.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PermissionsForIdentity(ctx context.Context, identityID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join identity_roles ir on ir.role_id = rp.role_id
		where ir.identity_id = $1
		order by p.name`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// AddIdentityRole reports false for an existing link. A missing identity
// or role surfaces as a foreign key violation, mapped to ErrNotFound.
func (s *Store) AddIdentityRole(ctx context.Context, identityID, roleID int64) (bool, error) {
	n, err := affected(s.db.ExecContext(ctx, `
		insert into identity_roles (identity_id, role_id) values ($1, $2)
		on conflict do nothing`, identityID, roleID))
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (s *Store) RemoveIdentityRole(ctx context.Context, identityID, roleID int64) (bool, error) {
	n, err := affected(s.db.ExecContext(ctx,
		`delete from identity_roles where identity_id = $1 and role_id = $2`, identityID, roleID))
	return n > 0, err
}

func (s *Store) AddRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	n, err := affected(s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id) values ($1, $2)
		on conflict do nothing`, roleID, permissionID))
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (s *Store) RemoveRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	n, err := affected(s.db.ExecContext(ctx,
		`delete from role_permissions where role_id = $1 and permission_id = $2`, roleID, permissionID))
	return n > 0, err
}
