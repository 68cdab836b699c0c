// Package rbac resolves effective permissions through identity→role→
// permission associations and manages the grants between them.
//
// Role assignment is strict: granting a role the identity already holds is
// ErrDuplicateAssignment. Permission assignment is idempotent: granting a
// permission the role already holds succeeds and leaves the role unchanged.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/cropai/identity/store"
)

var (
	ErrRoleNotFound        = errors.New("role not found")
	ErrPermissionNotFound  = errors.New("permission not found")
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrDuplicateAssignment = errors.New("role already assigned")
	ErrNotAssigned         = errors.New("association does not exist")
	ErrDuplicateRole       = errors.New("role already exists")
	ErrDuplicatePermission = errors.New("permission already exists")
	ErrInvalidPermission   = errors.New("permission must be resource:action")
)

// Resolver answers permission queries and applies grants over an RBACStore.
type Resolver struct {
	store  store.RBACStore
	logger *zap.Logger
}

func NewResolver(s store.RBACStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: s, logger: logger.Named("rbac")}
}

// EffectivePermissions returns the sorted union of permissions across every
// role held by identityID. An identity with no roles has none.
func (r *Resolver) EffectivePermissions(ctx context.Context, identityID int64) ([]string, error) {
	perms, err := r.store.PermissionsForIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return uniqueSorted(perms), nil
}

// RoleNames returns the sorted names of the roles held by identityID.
func (r *Resolver) RoleNames(ctx context.Context, identityID int64) ([]string, error) {
	roles, err := r.store.RolesForIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	return uniqueSorted(names), nil
}

// HasPermission reports whether identityID holds perm through any role.
func (r *Resolver) HasPermission(ctx context.Context, identityID int64, perm string) (bool, error) {
	perms, err := r.store.PermissionsForIdentity(ctx, identityID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) role(ctx context.Context, name string) (*store.Role, error) {
	role, err := r.store.GetRoleByName(ctx, strings.ToUpper(strings.TrimSpace(name)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, err
}

func (r *Resolver) permission(ctx context.Context, name string) (*store.Permission, error) {
	perm, err := r.store.GetPermissionByName(ctx, strings.ToLower(strings.TrimSpace(name)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionNotFound, name)
	}
	return perm, err
}

// AssignRole grants roleName to identityID.
func (r *Resolver) AssignRole(ctx context.Context, identityID int64, roleName string) error {
	role, err := r.role(ctx, roleName)
	if err != nil {
		return err
	}
	added, err := r.store.AddIdentityRole(ctx, identityID, role.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrIdentityNotFound
	}
	if err != nil {
		return err
	}
	if !added {
		return fmt.Errorf("%w: %s", ErrDuplicateAssignment, role.Name)
	}
	r.logger.Info("role assigned", zap.Int64("identity_id", identityID), zap.String("role", role.Name))
	return nil
}

// RemoveRole revokes roleName from identityID.
func (r *Resolver) RemoveRole(ctx context.Context, identityID int64, roleName string) error {
	role, err := r.role(ctx, roleName)
	if err != nil {
		return err
	}
	removed, err := r.store.RemoveIdentityRole(ctx, identityID, role.ID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: identity %d does not hold %s", ErrNotAssigned, identityID, role.Name)
	}
	r.logger.Info("role removed", zap.Int64("identity_id", identityID), zap.String("role", role.Name))
	return nil
}

// AssignPermission grants permName to roleName and returns the role. A
// permission the role already holds is a logged no-op.
func (r *Resolver) AssignPermission(ctx context.Context, roleName, permName string) (*store.Role, error) {
	role, err := r.role(ctx, roleName)
	if err != nil {
		return nil, err
	}
	perm, err := r.permission(ctx, permName)
	if err != nil {
		return nil, err
	}
	added, err := r.store.AddRolePermission(ctx, role.ID, perm.ID)
	if err != nil {
		return nil, err
	}
	if !added {
		r.logger.Info("permission already assigned",
			zap.String("role", role.Name), zap.String("permission", perm.Name))
		return role, nil
	}
	r.logger.Info("permission assigned", zap.String("role", role.Name), zap.String("permission", perm.Name))
	return role, nil
}

// RemovePermission revokes permName from roleName.
func (r *Resolver) RemovePermission(ctx context.Context, roleName, permName string) error {
	role, err := r.role(ctx, roleName)
	if err != nil {
		return err
	}
	perm, err := r.permission(ctx, permName)
	if err != nil {
		return err
	}
	removed, err := r.store.RemoveRolePermission(ctx, role.ID, perm.ID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s does not hold %s", ErrNotAssigned, role.Name, perm.Name)
	}
	return nil
}

// RolePermissions lists the permission names held by roleName.
func (r *Resolver) RolePermissions(ctx context.Context, roleName string) ([]string, error) {
	role, err := r.role(ctx, roleName)
	if err != nil {
		return nil, err
	}
	perms, err := r.store.PermissionsForRole(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	return uniqueSorted(names), nil
}

// CreateRole stores a new role. Role names are uppercase.
func (r *Resolver) CreateRole(ctx context.Context, name, description string) (*store.Role, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return nil, errors.New("role name is required")
	}
	role := &store.Role{Name: name, Description: description}
	if err := r.store.CreateRole(ctx, role); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRole, name)
		}
		return nil, err
	}
	return role, nil
}

// CreatePermission stores a new permission named resource:action.
func (r *Resolver) CreatePermission(ctx context.Context, name, description string) (*store.Permission, error) {
	resource, action, err := ParsePermission(name)
	if err != nil {
		return nil, err
	}
	perm := &store.Permission{
		Name:        resource + ":" + action,
		Resource:    resource,
		Action:      action,
		Description: description,
	}
	if err := r.store.CreatePermission(ctx, perm); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePermission, perm.Name)
		}
		return nil, err
	}
	return perm, nil
}

// ParsePermission splits a resource:action string.
func ParsePermission(name string) (resource, action string, err error) {
	name = strings.ToLower(strings.TrimSpace(name))
	resource, action, ok := strings.Cut(name, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPermission, name)
	}
	return resource, action, nil
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
