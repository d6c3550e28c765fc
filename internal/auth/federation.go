package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qapms.org/internal/auth/oauth"
	"qapms.org/internal/ids"
)

// defaultFederatedRole is granted on first federated login when no domain
// rule matches.
const defaultFederatedRole = "member"

// Federator resolves a provider callback to a local identity. Linking a
// provider account to an existing identity happens only when that identity
// asked for it; a matching email alone never links accounts.
type Federator struct {
	store Store
	seal  *Sealer
	rules []DomainRoleRule
	now   func() time.Time
}

// FederatorOption configures a Federator.
type FederatorOption func(*Federator)

// WithDomainRoleRules sets the email-domain to first-login-role mapping.
func WithDomainRoleRules(rules []DomainRoleRule) FederatorOption {
	return func(f *Federator) { f.rules = rules }
}

// WithFederatorClock fixes the clock, for tests.
func WithFederatorClock(now func() time.Time) FederatorOption {
	return func(f *Federator) { f.now = now }
}

func NewFederator(store Store, seal *Sealer, opts ...FederatorOption) *Federator {
	f := &Federator{
		store: store,
		seal:  seal,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Resolve maps a completed provider callback to a local identity, creating
// one on first login. When result.Pending.IdentityID is set the callback is
// an explicit link request from that identity.
func (f *Federator) Resolve(ctx context.Context, result *oauth.CallbackResult) (*Identity, error) {
	profile := result.Profile
	if profile.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: provider returned no user id", ErrProviderExchangeFailed)
	}
	provider := result.Pending.Provider

	acct, err := f.store.OAuthAccounts().Find(ctx, provider, profile.ProviderUserID)
	switch {
	case err == nil:
		return f.refreshLink(ctx, acct, result)
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	if result.Pending.IdentityID != "" {
		return f.linkExisting(ctx, result)
	}
	return f.provision(ctx, result)
}

// refreshLink updates the stored provider tokens on an already-linked
// account and returns its identity.
func (f *Federator) refreshLink(ctx context.Context, acct *OAuthAccount, result *oauth.CallbackResult) (*Identity, error) {
	identity, err := f.store.Identities().Find(ctx, acct.IdentityID)
	if err != nil {
		return nil, err
	}
	if identity.Status != IdentityStatusActive {
		return nil, ErrInvalidCredentials
	}
	if err := f.storeTokens(ctx, acct.Provider, acct.ProviderUserID, result.Tokens); err != nil {
		return nil, err
	}
	return identity, nil
}

// linkExisting attaches the provider account to the identity that started
// the flow.
func (f *Federator) linkExisting(ctx context.Context, result *oauth.CallbackResult) (*Identity, error) {
	identity, err := f.store.Identities().Find(ctx, result.Pending.IdentityID)
	if err != nil {
		return nil, err
	}
	if identity.Status != IdentityStatusActive {
		return nil, ErrInvalidCredentials
	}
	if err := f.createLink(ctx, identity.ID, result); err != nil {
		return nil, err
	}
	return identity, nil
}

// provision creates a fresh federated identity with the role the domain
// rules select, then links the provider account to it.
func (f *Federator) provision(ctx context.Context, result *oauth.CallbackResult) (*Identity, error) {
	profile := result.Profile
	if profile.Email == "" {
		return nil, fmt.Errorf("%w: provider returned no email", ErrProviderExchangeFailed)
	}
	now := f.now()
	identity := &Identity{
		ID:        ids.New(),
		Email:     strings.ToLower(profile.Email),
		Status:    IdentityStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.Identities().Create(ctx, identity); err != nil {
		if errors.Is(err, ErrConflict) {
			// An identity with this email already exists. Linking requires
			// an explicit request from that identity, so the login fails.
			return nil, fmt.Errorf("%w: account linking must be requested explicitly", ErrInvalidCredentials)
		}
		return nil, err
	}

	roleName := f.roleForDomain(identity.Email)
	role, err := f.store.Roles().FindByName(ctx, roleName)
	if err != nil {
		return nil, fmt.Errorf("first-login role %q: %w", roleName, err)
	}
	if err := f.store.Identities().AssignRole(ctx, identity.ID, role.ID); err != nil {
		return nil, err
	}

	if err := f.createLink(ctx, identity.ID, result); err != nil {
		return nil, err
	}
	return identity, nil
}

func (f *Federator) createLink(ctx context.Context, identityID string, result *oauth.CallbackResult) error {
	accessEnc, err := f.seal.Seal(result.Tokens.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := f.seal.Seal(result.Tokens.RefreshToken)
	if err != nil {
		return err
	}
	now := f.now()
	return f.store.OAuthAccounts().Create(ctx, &OAuthAccount{
		Provider:        result.Pending.Provider,
		ProviderUserID:  result.Profile.ProviderUserID,
		IdentityID:      identityID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       result.Tokens.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

func (f *Federator) storeTokens(ctx context.Context, provider, providerUserID string, tokens *oauth.Tokens) error {
	accessEnc, err := f.seal.Seal(tokens.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := f.seal.Seal(tokens.RefreshToken)
	if err != nil {
		return err
	}
	return f.store.OAuthAccounts().UpdateTokens(ctx, provider, providerUserID, accessEnc, refreshEnc, tokens.ExpiresAt)
}

// ProviderTokens returns the decrypted provider credentials linked to an
// identity, refreshing them through the provider when they are about to
// expire.
func (f *Federator) ProviderTokens(ctx context.Context, client *oauth.Client, identityID, provider string) (*oauth.Tokens, error) {
	accts, err := f.store.OAuthAccounts().ListForIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	var acct *OAuthAccount
	for i := range accts {
		if accts[i].Provider == provider {
			acct = &accts[i]
			break
		}
	}
	if acct == nil {
		return nil, ErrNotFound
	}
	access, err := f.seal.Open(acct.AccessTokenEnc)
	if err != nil {
		return nil, err
	}
	refresh, err := f.seal.Open(acct.RefreshTokenEnc)
	if err != nil {
		return nil, err
	}
	if !acct.NeedsRefresh(f.now(), time.Minute) || refresh == "" {
		return &oauth.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: acct.ExpiresAt}, nil
	}

	p, err := client.Provider(provider)
	if err != nil {
		return nil, err
	}
	fresh, err := p.Refresh(ctx, refresh)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderExchangeFailed, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refresh
	}
	if err := f.storeTokens(ctx, provider, acct.ProviderUserID, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// roleForDomain picks the first-login role for an email. An empty-domain
// rule acts as the fallback; without one, defaultFederatedRole applies.
func (f *Federator) roleForDomain(email string) string {
	domain := ""
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		domain = strings.ToLower(email[at+1:])
	}
	fallback := defaultFederatedRole
	for _, rule := range f.rules {
		if rule.Domain == domain && rule.Domain != "" {
			return rule.RoleName
		}
		if rule.Domain == "" {
			fallback = rule.RoleName
		}
	}
	return fallback
}
