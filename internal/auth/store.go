package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Identities() IdentityStore
	Roles() RoleStore
	Overrides() OverrideStore
	RefreshTokens() RefreshTokenStore
	Blacklist() BlacklistStore
	OAuthAccounts() OAuthAccountStore
	ServiceAccounts() ServiceAccountStore
	APIKeys() APIKeyStore
}

// IdentityStore manages identities and their role assignments.
type IdentityStore interface {
	Create(ctx context.Context, identity *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateStatus(ctx context.Context, id, status string) error
	SetLockedUntil(ctx context.Context, id string, until *time.Time) error
	AssignRole(ctx context.Context, identityID, roleID string) error
	RemoveRole(ctx context.Context, identityID, roleID string) error
	RolesFor(ctx context.Context, identityID string) ([]Role, error)
}

// RoleStore manages roles and their permission sets.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	SetPermissions(ctx context.Context, roleID string, perms []Permission) error
}

// OverrideStore manages per-identity permission overrides.
type OverrideStore interface {
	Set(ctx context.Context, o Override) error
	Remove(ctx context.Context, identityID string, perm Permission) error
	ListFor(ctx context.Context, identityID string) ([]Override, error)
}

// RefreshTokenStore persists rotation chains. MarkRotated is the critical
// section: it must update rotated_to only when the record is still unrotated
// and unrevoked, and report ErrConflict otherwise, so exactly one of two
// concurrent refreshes wins.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *RefreshTokenRecord) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshTokenRecord, error)
	FindByAccessTokenID(ctx context.Context, jti string) (*RefreshTokenRecord, error)
	MarkRotated(ctx context.Context, id, rotatedTo string) error
	MarkRevoked(ctx context.Context, id string, at time.Time) error
	// RevokeFamily marks every non-revoked record in the family revoked and
	// returns all records of the family so their jtis can be blacklisted.
	// Revoking an already-revoked family is a no-op returning the records.
	RevokeFamily(ctx context.Context, familyID string, at time.Time) ([]RefreshTokenRecord, error)
	// RevokeAllForIdentity revokes every family of the identity (logout-all).
	RevokeAllForIdentity(ctx context.Context, identityID string, at time.Time) ([]RefreshTokenRecord, error)
}

// BlacklistStore is the shared persistent view of revoked jtis.
type BlacklistStore interface {
	Add(ctx context.Context, entry BlacklistEntry) error
	Contains(ctx context.Context, jti string) (bool, error)
	Purge(ctx context.Context, now time.Time) error
}

// OAuthAccountStore manages provider links and their stored provider tokens.
type OAuthAccountStore interface {
	Create(ctx context.Context, acct *OAuthAccount) error
	Find(ctx context.Context, provider, providerUserID string) (*OAuthAccount, error)
	ListForIdentity(ctx context.Context, identityID string) ([]OAuthAccount, error)
	UpdateTokens(ctx context.Context, provider, providerUserID, accessEnc, refreshEnc string, expiresAt time.Time) error
}

// ServiceAccountStore manages non-interactive accounts.
type ServiceAccountStore interface {
	Create(ctx context.Context, acct *ServiceAccount) error
	Find(ctx context.Context, id string) (*ServiceAccount, error)
	List(ctx context.Context) ([]ServiceAccount, error)
}

// APIKeyStore manages API key records.
type APIKeyStore interface {
	Create(ctx context.Context, rec *APIKeyRecord) error
	FindByHash(ctx context.Context, keyHash string) (*APIKeyRecord, error)
	ListForAccount(ctx context.Context, serviceAccountID string) ([]APIKeyRecord, error)
	SetGraceUntil(ctx context.Context, id string, until time.Time) error
	Deactivate(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}
