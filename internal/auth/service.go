package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"qapms.org/internal/auth/oauth"
	"qapms.org/internal/ids"
	"qapms.org/internal/obs"
)

const (
	defaultPermCacheTTL  = 30 * time.Second
	defaultLockoutAfter  = 10
	defaultLockoutPeriod = 15 * time.Minute
	minPasswordLength    = 12
)

// Service orchestrates login, refresh, logout, federation, and permission
// evaluation over the persistence layer.
type Service struct {
	store     Store
	issuer    *TokenIssuer
	ledger    *TokenLedger
	federator *Federator
	oauth     *oauth.Client
	now       func() time.Time

	cacheTTL time.Duration
	cacheMu  sync.Mutex
	cache    map[string]permCacheEntry

	lockoutAfter  int
	lockoutPeriod time.Duration
	failMu        sync.Mutex
	failures      map[string]int
}

type permCacheEntry struct {
	principal Principal
	expiresAt time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPermissionCacheTTL bounds how stale a cached permission set may be.
func WithPermissionCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithLockoutPolicy sets how many consecutive failures lock an identity and
// for how long.
func WithLockoutPolicy(after int, period time.Duration) ServiceOption {
	return func(s *Service) {
		if after > 0 {
			s.lockoutAfter = after
		}
		if period > 0 {
			s.lockoutPeriod = period
		}
	}
}

// WithServiceClock fixes the clock, for tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithOAuth wires the federation flow into the service.
func WithOAuth(client *oauth.Client, federator *Federator) ServiceOption {
	return func(s *Service) {
		s.oauth = client
		s.federator = federator
	}
}

func NewService(store Store, issuer *TokenIssuer, ledger *TokenLedger, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		issuer:        issuer,
		ledger:        ledger,
		now:           func() time.Time { return time.Now().UTC() },
		cacheTTL:      defaultPermCacheTTL,
		cache:         make(map[string]permCacheEntry),
		lockoutAfter:  defaultLockoutAfter,
		lockoutPeriod: defaultLockoutPeriod,
		failures:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a password identity. The email is stored lowercased.
func (s *Service) Register(ctx context.Context, email, password string) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	identity := &Identity{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Status:       IdentityStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Identities().Create(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// Login verifies credentials and mints a token pair. Every failure surfaces
// as ErrInvalidCredentials so callers cannot probe which emails exist or
// which accounts are locked; the distinctions live in the audit log only.
func (s *Service) Login(ctx context.Context, email, password, fingerprint string) (*TokenPair, *Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := s.now()

	identity, err := s.store.Identities().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveLogin("invalid_credentials")
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	switch {
	case identity.Status != IdentityStatusActive:
		obs.ObserveLogin("invalid_credentials")
		return nil, nil, ErrInvalidCredentials
	case identity.Locked(now):
		obs.ObserveLogin("invalid_credentials")
		return nil, nil, ErrInvalidCredentials
	case identity.Federated():
		obs.ObserveLogin("invalid_credentials")
		return nil, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(identity.PasswordHash, password); err != nil {
		s.recordFailure(ctx, identity)
		obs.ObserveLogin("invalid_credentials")
		return nil, nil, ErrInvalidCredentials
	}
	s.clearFailures(identity.ID)

	pair, err := s.issuePair(ctx, identity, fingerprint)
	if err != nil {
		return nil, nil, err
	}
	obs.ObserveLogin("ok")
	return pair, identity, nil
}

// recordFailure counts a bad password and locks the identity once the
// threshold is crossed.
func (s *Service) recordFailure(ctx context.Context, identity *Identity) {
	s.failMu.Lock()
	s.failures[identity.ID]++
	locked := s.failures[identity.ID] >= s.lockoutAfter
	if locked {
		delete(s.failures, identity.ID)
	}
	s.failMu.Unlock()
	if locked {
		until := s.now().Add(s.lockoutPeriod)
		_ = s.store.Identities().SetLockedUntil(ctx, identity.ID, &until)
	}
}

func (s *Service) clearFailures(identityID string) {
	s.failMu.Lock()
	delete(s.failures, identityID)
	s.failMu.Unlock()
}

// issuePair signs an access token and opens a fresh refresh family.
func (s *Service) issuePair(ctx context.Context, identity *Identity, fingerprint string) (*TokenPair, error) {
	roles, err := s.store.Identities().RolesFor(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	access, jti, accessExp, err := s.issuer.SignAccess(identity.ID, names)
	if err != nil {
		return nil, err
	}
	refresh, rec, err := s.ledger.Open(ctx, identity.ID, jti, fingerprint)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Refresh rotates a refresh token. The presented token is validated first,
// the new access token is minted, and only then is the rotation written, so
// a rotation that loses the CAS race never leaks a usable pair.
func (s *Service) Refresh(ctx context.Context, presented string) (*TokenPair, error) {
	rec, err := s.ledger.Resolve(ctx, presented)
	if err != nil {
		return nil, err
	}
	identity, err := s.store.Identities().Find(ctx, rec.IdentityID)
	if err != nil {
		return nil, err
	}
	if identity.Status != IdentityStatusActive || identity.Locked(s.now()) {
		_ = s.ledger.RevokeFamily(ctx, rec.FamilyID)
		obs.ObserveRefresh("invalid")
		return nil, ErrInvalidToken
	}
	roles, err := s.store.Identities().RolesFor(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	access, jti, accessExp, err := s.issuer.SignAccess(identity.ID, names)
	if err != nil {
		return nil, err
	}
	refresh, next, err := s.ledger.Rotate(ctx, presented, jti)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// ValidateAccess parses a bearer token, rejects blacklisted jtis, and loads
// the caller's principal.
func (s *Service) ValidateAccess(ctx context.Context, token string) (*Principal, *Claims, error) {
	claims, err := s.issuer.ParseAccess(token)
	if err != nil {
		return nil, nil, err
	}
	revoked, err := s.store.Blacklist().Contains(ctx, claims.ID)
	if err != nil {
		return nil, nil, err
	}
	if revoked {
		obs.ObserveBlacklistHit()
		return nil, nil, ErrBlacklisted
	}
	principal, err := s.principalFor(ctx, claims.Subject)
	if err != nil {
		return nil, nil, err
	}
	if principal.Identity.Status != IdentityStatusActive {
		return nil, nil, ErrInvalidToken
	}
	return principal, claims, nil
}

// Logout revokes the presented access token and the refresh family that
// minted it. Logging out twice is a no-op.
func (s *Service) Logout(ctx context.Context, claims *Claims) error {
	entry := BlacklistEntry{JTI: claims.ID, ExpiresAt: claims.ExpiresAt.Time}
	if err := s.store.Blacklist().Add(ctx, entry); err != nil {
		return err
	}
	familyID, err := s.ledger.FamilyForAccessToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.ledger.RevokeFamily(ctx, familyID)
}

// LogoutAll revokes every session of the identity across all devices.
func (s *Service) LogoutAll(ctx context.Context, identityID string) error {
	return s.ledger.RevokeAllForIdentity(ctx, identityID)
}

// BeginOAuth starts a federated login or an explicit account link.
func (s *Service) BeginOAuth(ctx context.Context, provider, returnTo, identityID string) (string, error) {
	if s.oauth == nil {
		return "", fmt.Errorf("%w: federation is not configured", ErrInvalidInput)
	}
	redirect, err := s.oauth.Begin(ctx, provider, returnTo, identityID)
	if err != nil {
		if errors.Is(err, oauth.ErrUnknownProvider) {
			return "", fmt.Errorf("%w: unknown provider %q", ErrNotFound, provider)
		}
		return "", err
	}
	return redirect, nil
}

// CompleteOAuth redeems a provider callback and mints a local token pair.
func (s *Service) CompleteOAuth(ctx context.Context, state, code, fingerprint string) (*TokenPair, *Identity, string, error) {
	if s.oauth == nil || s.federator == nil {
		return nil, nil, "", fmt.Errorf("%w: federation is not configured", ErrInvalidInput)
	}
	result, err := s.oauth.Complete(ctx, state, code)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrInvalidState):
			return nil, nil, "", ErrInvalidOAuthState
		case errors.Is(err, oauth.ErrExchangeFailed):
			return nil, nil, "", fmt.Errorf("%w: %v", ErrProviderExchangeFailed, err)
		}
		return nil, nil, "", err
	}
	identity, err := s.federator.Resolve(ctx, result)
	if err != nil {
		return nil, nil, "", err
	}
	pair, err := s.issuePair(ctx, identity, fingerprint)
	if err != nil {
		return nil, nil, "", err
	}
	obs.ObserveLogin("ok")
	return pair, identity, result.Pending.ReturnTo, nil
}

// Allows evaluates a permission for an identity through the short-lived
// principal cache.
func (s *Service) Allows(ctx context.Context, identityID string, required Permission) (bool, error) {
	principal, err := s.principalFor(ctx, identityID)
	if err != nil {
		return false, err
	}
	return principal.Allows(required), nil
}

// principalFor loads identity, roles, and overrides, serving from the cache
// when fresh. Mutating calls invalidate synchronously, so a revocation is
// visible to the next evaluation.
func (s *Service) principalFor(ctx context.Context, identityID string) (*Principal, error) {
	now := s.now()
	s.cacheMu.Lock()
	if entry, ok := s.cache[identityID]; ok && now.Before(entry.expiresAt) {
		p := entry.principal
		s.cacheMu.Unlock()
		return &p, nil
	}
	s.cacheMu.Unlock()

	identity, err := s.store.Identities().Find(ctx, identityID)
	if err != nil {
		return nil, err
	}
	roles, err := s.store.Identities().RolesFor(ctx, identityID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.Overrides().ListFor(ctx, identityID)
	if err != nil {
		return nil, err
	}
	principal := Principal{Identity: identity, Roles: roles, Overrides: overrides}

	s.cacheMu.Lock()
	s.cache[identityID] = permCacheEntry{principal: principal, expiresAt: now.Add(s.cacheTTL)}
	s.cacheMu.Unlock()
	return &principal, nil
}

func (s *Service) invalidate(identityID string) {
	s.cacheMu.Lock()
	delete(s.cache, identityID)
	s.cacheMu.Unlock()
}

// invalidateAll drops the whole principal cache. Role definition changes
// affect an unknown set of identities, so everything goes.
func (s *Service) invalidateAll() {
	s.cacheMu.Lock()
	s.cache = make(map[string]permCacheEntry)
	s.cacheMu.Unlock()
}

// CreateRole adds a non-system role.
func (s *Service) CreateRole(ctx context.Context, name string, perms []Permission) (*Role, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	now := s.now()
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Permissions: perms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Roles().Create(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles returns every role definition.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.Roles().List(ctx)
}

// SetRolePermissions replaces a role's permission set. System roles are
// immutable.
func (s *Service) SetRolePermissions(ctx context.Context, roleID string, perms []Permission) error {
	role, err := s.store.Roles().Find(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role %q is immutable", ErrInvalidInput, role.Name)
	}
	if err := s.store.Roles().SetPermissions(ctx, roleID, perms); err != nil {
		return err
	}
	s.invalidateAll()
	return nil
}

// AssignRole grants a role to an identity.
func (s *Service) AssignRole(ctx context.Context, identityID, roleID string) error {
	if err := s.store.Identities().AssignRole(ctx, identityID, roleID); err != nil {
		return err
	}
	s.invalidate(identityID)
	return nil
}

// RemoveRole revokes a role from an identity.
func (s *Service) RemoveRole(ctx context.Context, identityID, roleID string) error {
	if err := s.store.Identities().RemoveRole(ctx, identityID, roleID); err != nil {
		return err
	}
	s.invalidate(identityID)
	return nil
}

// SetOverride writes a per-identity grant or revoke override.
func (s *Service) SetOverride(ctx context.Context, o Override) error {
	if err := o.Permission.validate(); err != nil {
		return err
	}
	if o.Effect != OverrideGrant && o.Effect != OverrideRevoke {
		return fmt.Errorf("%w: unknown override effect %q", ErrInvalidInput, o.Effect)
	}
	if err := s.store.Overrides().Set(ctx, o); err != nil {
		return err
	}
	s.invalidate(o.IdentityID)
	return nil
}

// RemoveOverride deletes a per-identity override.
func (s *Service) RemoveOverride(ctx context.Context, identityID string, perm Permission) error {
	if err := s.store.Overrides().Remove(ctx, identityID, perm); err != nil {
		return err
	}
	s.invalidate(identityID)
	return nil
}

// SetIdentityStatus soft-disables or re-enables an identity. Disabling also
// revokes every live session.
func (s *Service) SetIdentityStatus(ctx context.Context, identityID, status string) error {
	if status != IdentityStatusActive && status != IdentityStatusDisabled {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if err := s.store.Identities().UpdateStatus(ctx, identityID, status); err != nil {
		return err
	}
	s.invalidate(identityID)
	if status == IdentityStatusDisabled {
		return s.ledger.RevokeAllForIdentity(ctx, identityID)
	}
	return nil
}

// CreateServiceAccount registers a non-interactive caller.
func (s *Service) CreateServiceAccount(ctx context.Context, name string) (*ServiceAccount, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: service account name is required", ErrInvalidInput)
	}
	acct := &ServiceAccount{
		ID:        ids.New(),
		Name:      name,
		CreatedAt: s.now(),
	}
	if err := s.store.ServiceAccounts().Create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// ListServiceAccounts returns every registered service account.
func (s *Service) ListServiceAccounts(ctx context.Context) ([]ServiceAccount, error) {
	return s.store.ServiceAccounts().List(ctx)
}
