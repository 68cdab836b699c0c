// Package memory is an in-process implementation of store.Store. It backs
// development runs and tests; every method is guarded by a single mutex so
// each call is atomic.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cropai/identity/store"
)

var _ store.Store = (*Store)(nil)

type deviceKey struct {
	identityID int64
	deviceID   string
}

type link struct{ a, b int64 }

// Store keeps every entity in maps keyed by id.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextID int64

	identities  map[int64]*store.Identity
	credentials map[int64]*store.Credential
	history     []store.HistoryEntry
	devices     map[deviceKey]*store.Device

	roles           map[int64]*store.Role
	permissions     map[int64]*store.Permission
	identityRoles   map[link]struct{}
	rolePermissions map[link]struct{}
}

// New returns an empty store. now stamps created/updated timestamps; nil
// means time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:             now,
		identities:      make(map[int64]*store.Identity),
		credentials:     make(map[int64]*store.Credential),
		devices:         make(map[deviceKey]*store.Device),
		roles:           make(map[int64]*store.Role),
		permissions:     make(map[int64]*store.Permission),
		identityRoles:   make(map[link]struct{}),
		rolePermissions: make(map[link]struct{}),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Identities -----------------------------------------------------------------

func (s *Store) CreateIdentity(_ context.Context, id *store.Identity, cred *store.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(id.Email)
	for _, existing := range s.identities {
		if strings.EqualFold(existing.Email, email) || existing.Username == id.Username {
			return store.ErrConflict
		}
	}
	for _, c := range s.credentials {
		if c.Username == cred.Username {
			return store.ErrConflict
		}
	}

	now := s.now()
	id.ID = s.id()
	id.Email = email
	id.CreatedAt, id.UpdatedAt = now, now
	cred.IdentityID = id.ID
	cred.CreatedAt, cred.UpdatedAt = now, now

	idCopy := *id
	credCopy := *cred
	s.identities[id.ID] = &idCopy
	s.credentials[id.ID] = &credCopy
	return nil
}

func (s *Store) DeleteIdentity(_ context.Context, identityID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identityID]; !ok {
		return false, nil
	}
	delete(s.identities, identityID)
	delete(s.credentials, identityID)
	for key := range s.devices {
		if key.identityID == identityID {
			delete(s.devices, key)
		}
	}
	for l := range s.identityRoles {
		if l.a == identityID {
			delete(s.identityRoles, l)
		}
	}
	return true, nil
}

func (s *Store) GetIdentity(_ context.Context, identityID int64) (*store.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *id
	return &out, nil
}

func (s *Store) UpdateIdentity(_ context.Context, identityID int64, patch store.IdentityPatch) (*store.Identity, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identities[identityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if patch.Email != nil || patch.Username != nil {
		for otherID, other := range s.identities {
			if otherID == identityID {
				continue
			}
			if (patch.Email != nil && other.Email == *patch.Email) ||
				(patch.Username != nil && other.Username == *patch.Username) {
				return nil, store.ErrConflict
			}
		}
	}
	patch.Apply(id)
	id.UpdatedAt = s.now()
	out := *id
	return &out, nil
}

func (s *Store) GetCredential(_ context.Context, identityID int64) (*store.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[identityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *Store) FindCredentialByUsername(_ context.Context, username string) (*store.Credential, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if c.Username == username {
			out := *c
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindCredentialByEmail(_ context.Context, email string) (*store.Credential, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	defer s.mu.Unlock()
	for idVal, id := range s.identities {
		if id.Email == email {
			if c, ok := s.credentials[idVal]; ok {
				out := *c
				return &out, nil
			}
		}
	}
	for _, c := range s.credentials {
		if c.BackupEmail != "" && c.BackupEmail == email {
			out := *c
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateCredential(_ context.Context, identityID int64, patch store.CredentialPatch) (*store.Credential, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[identityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	patch.Apply(c)
	c.UpdatedAt = s.now()
	out := *c
	return &out, nil
}

// History --------------------------------------------------------------------

func (s *Store) AppendHistory(_ context.Context, entry *store.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.id()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.history = append(s.history, *entry)
	return nil
}

func (s *Store) ListHistory(_ context.Context, identityID int64, limit, offset int) ([]store.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].IdentityID == identityID {
			out = append(out, s.history[i])
		}
	}
	if offset >= len(out) {
		return []store.HistoryEntry{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountHistory(_ context.Context, identityID int64, statuses []store.LoginStatus, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.history {
		if e.IdentityID != identityID || e.CreatedAt.Before(since) {
			continue
		}
		for _, st := range statuses {
			if e.Status == st {
				count++
				break
			}
		}
	}
	return count, nil
}

// Devices --------------------------------------------------------------------

func (s *Store) UpsertDevice(_ context.Context, d *store.Device) (*store.Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey{d.IdentityID, d.DeviceID}
	if existing, ok := s.devices[key]; ok {
		out := *existing
		return &out, false, nil
	}
	now := s.now()
	stored := *d
	stored.ID = s.id()
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.devices[key] = &stored
	out := stored
	return &out, true, nil
}

func (s *Store) GetDevice(_ context.Context, identityID int64, deviceID string) (*store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey{identityID, deviceID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (s *Store) UpdateDevice(_ context.Context, identityID int64, deviceID string, patch store.DevicePatch) (*store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey{identityID, deviceID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	patch.Apply(d)
	d.UpdatedAt = s.now()
	out := *d
	return &out, nil
}

func (s *Store) DeleteDevice(_ context.Context, identityID int64, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey{identityID, deviceID}
	if _, ok := s.devices[key]; !ok {
		return false, nil
	}
	delete(s.devices, key)
	return true, nil
}

func (s *Store) DeleteDevicesForIdentity(_ context.Context, identityID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.devices {
		if key.identityID == identityID {
			delete(s.devices, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListDevices(_ context.Context, identityID int64, onlyTrusted bool) ([]store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Device
	for key, d := range s.devices {
		if key.identityID != identityID || (onlyTrusted && !d.Trusted) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return lastUsed(out[i]).After(lastUsed(out[j]))
	})
	return out, nil
}

func lastUsed(d store.Device) time.Time {
	if d.LastUsedAt != nil {
		return *d.LastUsedAt
	}
	return d.CreatedAt
}

func (s *Store) DeleteExpiredDevices(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, d := range s.devices {
		if !d.ExpiresAt.After(now) {
			delete(s.devices, key)
			n++
		}
	}
	return n, nil
}

// RBAC -----------------------------------------------------------------------

func (s *Store) CreateRole(_ context.Context, role *store.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == role.Name {
			return store.ErrConflict
		}
	}
	role.ID = s.id()
	role.CreatedAt = s.now()
	stored := *role
	s.roles[role.ID] = &stored
	return nil
}

func (s *Store) GetRole(_ context.Context, roleID int64) (*store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *Store) GetRoleByName(_ context.Context, name string) (*store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == name {
			out := *r
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListRoles(_ context.Context) ([]store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreatePermission(_ context.Context, perm *store.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.permissions {
		if p.Name == perm.Name {
			return store.ErrConflict
		}
	}
	perm.ID = s.id()
	perm.CreatedAt = s.now()
	stored := *perm
	s.permissions[perm.ID] = &stored
	return nil
}

func (s *Store) GetPermission(_ context.Context, permissionID int64) (*store.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[permissionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Store) GetPermissionByName(_ context.Context, name string) (*store.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.permissions {
		if p.Name == name {
			out := *p
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListPermissions(_ context.Context) ([]store.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddIdentityRole(_ context.Context, identityID, roleID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identityID]; !ok {
		return false, store.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return false, store.ErrNotFound
	}
	key := link{identityID, roleID}
	if _, ok := s.identityRoles[key]; ok {
		return false, nil
	}
	s.identityRoles[key] = struct{}{}
	return true, nil
}

func (s *Store) RemoveIdentityRole(_ context.Context, identityID, roleID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := link{identityID, roleID}
	if _, ok := s.identityRoles[key]; !ok {
		return false, nil
	}
	delete(s.identityRoles, key)
	return true, nil
}

func (s *Store) RolesForIdentity(_ context.Context, identityID int64) ([]store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Role
	for key := range s.identityRoles {
		if key.a == identityID {
			if r, ok := s.roles[key.b]; ok {
				out = append(out, *r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddRolePermission(_ context.Context, roleID, permissionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return false, store.ErrNotFound
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return false, store.ErrNotFound
	}
	key := link{roleID, permissionID}
	if _, ok := s.rolePermissions[key]; ok {
		return false, nil
	}
	s.rolePermissions[key] = struct{}{}
	return true, nil
}

func (s *Store) RemoveRolePermission(_ context.Context, roleID, permissionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := link{roleID, permissionID}
	if _, ok := s.rolePermissions[key]; !ok {
		return false, nil
	}
	delete(s.rolePermissions, key)
	return true, nil
}

func (s *Store) PermissionsForRole(_ context.Context, roleID int64) ([]store.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissionsForRoleLocked(roleID), nil
}

func (s *Store) permissionsForRoleLocked(roleID int64) []store.Permission {
	var out []store.Permission
	for key := range s.rolePermissions {
		if key.a == roleID {
			if p, ok := s.permissions[key.b]; ok {
				out = append(out, *p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) PermissionsForIdentity(_ context.Context, identityID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for key := range s.identityRoles {
		if key.a != identityID {
			continue
		}
		for _, p := range s.permissionsForRoleLocked(key.b) {
			seen[p.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
