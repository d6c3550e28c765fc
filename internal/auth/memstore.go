package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-instance
// development setups. It honors the same contracts the SQL store does, in
// particular the MarkRotated compare-and-set.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]*Identity
	roles      map[string]*Role
	assigned   map[string][]string
	overrides  map[string][]Override
	refresh    map[string]*RefreshTokenRecord
	blacklist  *MemoryBlacklist
	oauth      map[string]*OAuthAccount
	accounts   map[string]*ServiceAccount
	apiKeys    map[string]*APIKeyRecord
}

// MemoryStoreOption configures MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock overrides the time source for expiry checks (tests).
func WithMemoryClock(fn func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		if fn != nil {
			m.blacklist = NewMemoryBlacklist(WithBlacklistClock(fn))
		}
	}
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		identities: make(map[string]*Identity),
		roles:      make(map[string]*Role),
		assigned:   make(map[string][]string),
		overrides:  make(map[string][]Override),
		refresh:    make(map[string]*RefreshTokenRecord),
		blacklist:  NewMemoryBlacklist(),
		oauth:      make(map[string]*OAuthAccount),
		accounts:   make(map[string]*ServiceAccount),
		apiKeys:    make(map[string]*APIKeyRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Identities() IdentityStore { return (*memIdentities)(m) }
func (m *MemoryStore) Roles() RoleStore { return (*memRoles)(m) }
func (m *MemoryStore) Overrides() OverrideStore { return (*memOverrides)(m) }
func (m *MemoryStore) RefreshTokens() RefreshTokenStore { return (*memRefresh)(m) }
func (m *MemoryStore) Blacklist() BlacklistStore { return m.blacklist }
func (m *MemoryStore) OAuthAccounts() OAuthAccountStore { return (*memOAuth)(m) }
func (m *MemoryStore) ServiceAccounts() ServiceAccountStore { return (*memAccounts)(m) }
func (m *MemoryStore) APIKeys() APIKeyStore { return (*memAPIKeys)(m) }

type memIdentities MemoryStore

func (m *memIdentities) Create(_ context.Context, identity *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.identities {
		if existing.Email == identity.Email {
			return ErrConflict
		}
	}
	cp := *identity
	m.identities[identity.ID] = &cp
	return nil
}

func (m *memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (m *memIdentities) FindByEmail(_ context.Context, email string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if identity.Email == email {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memIdentities) UpdatePassword(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.PasswordHash = hash
	return nil
}

func (m *memIdentities) UpdateStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.Status = status
	return nil
}

func (m *memIdentities) SetLockedUntil(_ context.Context, id string, until *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.LockedUntil = until
	return nil
}

func (m *memIdentities) AssignRole(_ context.Context, identityID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[identityID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	for _, id := range m.assigned[identityID] {
		if id == roleID {
			return nil
		}
	}
	m.assigned[identityID] = append(m.assigned[identityID], roleID)
	return nil
}

func (m *memIdentities) RemoveRole(_ context.Context, identityID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.assigned[identityID]
	for i, id := range ids {
		if id == roleID {
			m.assigned[identityID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memIdentities) RolesFor(_ context.Context, identityID string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var roles []Role
	for _, roleID := range m.assigned[identityID] {
		if role, ok := m.roles[roleID]; ok {
			roles = append(roles, *role)
		}
	}
	return roles, nil
}

type memRoles MemoryStore

func (m *memRoles) Create(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.Name == role.Name {
			return ErrConflict
		}
	}
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memRoles) Find(_ context.Context, id string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (m *memRoles) FindByName(_ context.Context, name string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range m.roles {
		if role.Name == name {
			cp := *role
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) List(_ context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, role := range m.roles {
		out = append(out, *role)
	}
	return out, nil
}

func (m *memRoles) SetPermissions(_ context.Context, roleID string, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	role.Permissions = append([]Permission(nil), perms...)
	return nil
}

type memOverrides MemoryStore

func (m *memOverrides) Set(_ context.Context, o Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.overrides[o.IdentityID]
	for i, existing := range list {
		if existing.Permission == o.Permission {
			list[i] = o
			return nil
		}
	}
	m.overrides[o.IdentityID] = append(list, o)
	return nil
}

func (m *memOverrides) Remove(_ context.Context, identityID string, perm Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.overrides[identityID]
	for i, existing := range list {
		if existing.Permission == perm {
			m.overrides[identityID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memOverrides) ListFor(_ context.Context, identityID string) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Override(nil), m.overrides[identityID]...), nil
}

type memRefresh MemoryStore

func (m *memRefresh) Create(_ context.Context, rec *RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.refresh {
		if existing.TokenHash == rec.TokenHash {
			return ErrConflict
		}
	}
	cp := *rec
	m.refresh[rec.ID] = &cp
	return nil
}

func (m *memRefresh) FindByHash(_ context.Context, tokenHash string) (*RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.refresh {
		if rec.TokenHash == tokenHash {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRefresh) FindByAccessTokenID(_ context.Context, jti string) (*RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.refresh {
		if rec.AccessTokenID == jti {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRefresh) MarkRotated(_ context.Context, id, rotatedTo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[id]
	if !ok {
		return ErrNotFound
	}
	if rec.RotatedTo != nil || rec.RevokedAt != nil {
		return ErrConflict
	}
	rec.RotatedTo = &rotatedTo
	return nil
}

func (m *memRefresh) MarkRevoked(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[id]
	if !ok {
		return ErrNotFound
	}
	if rec.RevokedAt == nil {
		rec.RevokedAt = &at
	}
	return nil
}

func (m *memRefresh) RevokeFamily(_ context.Context, familyID string, at time.Time) ([]RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RefreshTokenRecord
	for _, rec := range m.refresh {
		if rec.FamilyID != familyID {
			continue
		}
		if rec.RevokedAt == nil {
			rec.RevokedAt = &at
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memRefresh) RevokeAllForIdentity(_ context.Context, identityID string, at time.Time) ([]RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RefreshTokenRecord
	for _, rec := range m.refresh {
		if rec.IdentityID != identityID {
			continue
		}
		if rec.RevokedAt == nil {
			rec.RevokedAt = &at
		}
		out = append(out, *rec)
	}
	return out, nil
}

type memOAuth MemoryStore

func oauthKey(provider, providerUserID string) string { return provider + "/" + providerUserID }

func (m *memOAuth) Create(_ context.Context, acct *OAuthAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := oauthKey(acct.Provider, acct.ProviderUserID)
	if _, ok := m.oauth[key]; ok {
		return ErrConflict
	}
	cp := *acct
	m.oauth[key] = &cp
	return nil
}

func (m *memOAuth) Find(_ context.Context, provider, providerUserID string) (*OAuthAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.oauth[oauthKey(provider, providerUserID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *memOAuth) ListForIdentity(_ context.Context, identityID string) ([]OAuthAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OAuthAccount
	for _, acct := range m.oauth {
		if acct.IdentityID == identityID {
			out = append(out, *acct)
		}
	}
	return out, nil
}

func (m *memOAuth) UpdateTokens(_ context.Context, provider, providerUserID, accessEnc, refreshEnc string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.oauth[oauthKey(provider, providerUserID)]
	if !ok {
		return ErrNotFound
	}
	acct.AccessTokenEnc = accessEnc
	acct.RefreshTokenEnc = refreshEnc
	acct.ExpiresAt = expiresAt
	return nil
}

type memAccounts MemoryStore

func (m *memAccounts) Create(_ context.Context, acct *ServiceAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *memAccounts) Find(_ context.Context, id string) (*ServiceAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *memAccounts) List(_ context.Context) ([]ServiceAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceAccount, 0, len(m.accounts))
	for _, acct := range m.accounts {
		out = append(out, *acct)
	}
	return out, nil
}

type memAPIKeys MemoryStore

func (m *memAPIKeys) Create(_ context.Context, rec *APIKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.apiKeys[rec.ID] = &cp
	return nil
}

func (m *memAPIKeys) FindByHash(_ context.Context, keyHash string) (*APIKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.apiKeys {
		if rec.KeyHash == keyHash {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAPIKeys) ListForAccount(_ context.Context, serviceAccountID string) ([]APIKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []APIKeyRecord
	for _, rec := range m.apiKeys {
		if rec.ServiceAccountID == serviceAccountID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memAPIKeys) SetGraceUntil(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	u := until
	rec.GraceUntil = &u
	return nil
}

func (m *memAPIKeys) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	rec.IsActive = false
	return nil
}

func (m *memAPIKeys) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	rec.LastUsedAt = &t
	return nil
}

var _ Store = (*MemoryStore)(nil)
