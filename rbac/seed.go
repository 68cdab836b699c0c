package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Seed is the initial role and permission catalogue.
type Seed struct {
	Permissions map[string]string   `yaml:"permissions"`
	Roles       map[string][]string `yaml:"roles"`
}

var crudActions = []struct{ action, verb string }{
	{"create", "Create"},
	{"read", "Read"},
	{"update", "Update"},
	{"delete", "Delete"},
}

// DefaultSeed returns the built-in catalogue: CRUD permissions over users,
// roles, permissions, crops, analyses and reports, and the ADMIN, MANAGER,
// ANALYST and VIEWER roles.
func DefaultSeed() Seed {
	perms := make(map[string]string)
	for _, resource := range []string{"users", "roles", "permissions", "crops", "analyses", "reports"} {
		for _, a := range crudActions {
			perms[resource+":"+a.action] = a.verb + " " + resource
		}
	}
	admin := make([]string, 0, len(perms))
	for name := range perms {
		admin = append(admin, name)
	}
	sort.Strings(admin)

	return Seed{
		Permissions: perms,
		Roles: map[string][]string{
			"ADMIN": admin,
			"MANAGER": {
				"users:read", "users:update",
				"crops:create", "crops:read", "crops:update",
				"analyses:create", "analyses:read", "analyses:update", "analyses:delete",
				"reports:create", "reports:read", "reports:update",
			},
			"ANALYST": {
				"crops:read",
				"analyses:create", "analyses:read", "analyses:update",
				"reports:create", "reports:read",
			},
			"VIEWER": {"crops:read", "analyses:read", "reports:read"},
		},
	}
}

// LoadSeed decodes a YAML catalogue.
func LoadSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	for role, perms := range s.Roles {
		for _, p := range perms {
			if _, ok := s.Permissions[strings.ToLower(p)]; !ok {
				return Seed{}, fmt.Errorf("%w: role %s references %s", ErrPermissionNotFound, role, p)
			}
		}
	}
	return s, nil
}

// Apply creates every missing permission and role and grants the listed
// permissions. Existing records are reused so Apply can run on every start.
func (r *Resolver) Apply(ctx context.Context, seed Seed) error {
	names := make([]string, 0, len(seed.Permissions))
	for name := range seed.Permissions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := r.CreatePermission(ctx, name, seed.Permissions[name]); err != nil && !errors.Is(err, ErrDuplicatePermission) {
			return err
		}
	}

	roles := make([]string, 0, len(seed.Roles))
	for name := range seed.Roles {
		roles = append(roles, name)
	}
	sort.Strings(roles)
	for _, name := range roles {
		if _, err := r.CreateRole(ctx, name, strings.ToUpper(name)+" role"); err != nil && !errors.Is(err, ErrDuplicateRole) {
			return err
		}
		for _, perm := range seed.Roles[name] {
			if _, err := r.AssignPermission(ctx, name, perm); err != nil {
				return err
			}
		}
	}
	r.logger.Info("rbac seed applied", zap.Int("permissions", len(names)), zap.Int("roles", len(roles)))
	return nil
}
