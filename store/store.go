// Package store defines the persistence contract of the identity engine:
// entity types, typed patches and the interfaces implemented by the memory
// and postgres backends.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("record conflict")
)

// IdentityStore persists identities together with their login credentials.
type IdentityStore interface {
	// CreateIdentity inserts both records in one transaction and assigns
	// id.ID. It returns ErrConflict on an email or username collision.
	CreateIdentity(ctx context.Context, id *Identity, cred *Credential) error
	GetIdentity(ctx context.Context, identityID int64) (*Identity, error)
	UpdateIdentity(ctx context.Context, identityID int64, patch IdentityPatch) (*Identity, error)
	// DeleteIdentity removes the identity with its credential, devices and
	// role links. Login history is kept.
	DeleteIdentity(ctx context.Context, identityID int64) (bool, error)

	GetCredential(ctx context.Context, identityID int64) (*Credential, error)
	// FindCredentialByUsername matches the lowercased login username.
	FindCredentialByUsername(ctx context.Context, username string) (*Credential, error)
	// FindCredentialByEmail matches the identity email or the backup email.
	FindCredentialByEmail(ctx context.Context, email string) (*Credential, error)
	UpdateCredential(ctx context.Context, identityID int64, patch CredentialPatch) (*Credential, error)
}

// HistoryStore is the append-only login audit log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	// ListHistory returns entries newest first.
	ListHistory(ctx context.Context, identityID int64, limit, offset int) ([]HistoryEntry, error)
	CountHistory(ctx context.Context, identityID int64, statuses []LoginStatus, since time.Time) (int, error)
}

// DeviceStore persists registered devices.
type DeviceStore interface {
	// UpsertDevice inserts d unless (IdentityID, DeviceID) exists, in which
	// case the existing record is returned with created=false.
	UpsertDevice(ctx context.Context, d *Device) (existing *Device, created bool, err error)
	GetDevice(ctx context.Context, identityID int64, deviceID string) (*Device, error)
	UpdateDevice(ctx context.Context, identityID int64, deviceID string, patch DevicePatch) (*Device, error)
	DeleteDevice(ctx context.Context, identityID int64, deviceID string) (bool, error)
	DeleteDevicesForIdentity(ctx context.Context, identityID int64) (int, error)
	ListDevices(ctx context.Context, identityID int64, onlyTrusted bool) ([]Device, error)
	DeleteExpiredDevices(ctx context.Context, now time.Time) (int, error)
}

// RBACStore persists roles, permissions and their associations. The Add*
// and Remove* methods report whether the association changed so callers
// can tell duplicates and missing links apart without a racy pre-read.
type RBACStore interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, roleID int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)

	CreatePermission(ctx context.Context, perm *Permission) error
	GetPermission(ctx context.Context, permissionID int64) (*Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)

	AddIdentityRole(ctx context.Context, identityID, roleID int64) (bool, error)
	RemoveIdentityRole(ctx context.Context, identityID, roleID int64) (bool, error)
	RolesForIdentity(ctx context.Context, identityID int64) ([]Role, error)

	AddRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	RemoveRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	PermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error)
	// PermissionsForIdentity returns the distinct permission names across
	// all roles held by identityID.
	PermissionsForIdentity(ctx context.Context, identityID int64) ([]string, error)
}

// Store is the full persistence handle injected into the engine.
type Store interface {
	IdentityStore
	HistoryStore
	DeviceStore
	RBACStore
}
