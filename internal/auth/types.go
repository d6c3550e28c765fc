package auth

import "time"

const (
	IdentityStatusActive   = "active"
	IdentityStatusDisabled = "disabled"
)

// Identity is a human account. Identities are soft-disabled, never hard
// deleted, so the audit trail stays intact.
type Identity struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Status       string     `json:"status"`
	MFAEnabled   bool       `json:"mfa_enabled"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Federated reports whether the identity can only sign in through a provider.
func (i *Identity) Federated() bool { return i.PasswordHash == "" }

// Locked reports whether the identity is locked out at the given instant.
func (i *Identity) Locked(now time.Time) bool {
	return i.LockedUntil != nil && now.Before(*i.LockedUntil)
}

// Role groups permissions. System roles are immutable through the admin API.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"is_system"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RefreshTokenRecord is one link in a rotation chain. Only rotated_to and
// revoked_at are ever mutated; everything else is append-only.
type RefreshTokenRecord struct {
	ID                string     `json:"id"`
	IdentityID        string     `json:"identity_id"`
	TokenHash         string     `json:"-"`
	FamilyID          string     `json:"family_id"`
	AccessTokenID     string     `json:"access_token_id"`
	RotatedTo         *string    `json:"rotated_to,omitempty"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
}

// BlacklistEntry marks an access-token jti revoked until its natural expiry.
type BlacklistEntry struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OAuthAccount links a provider account to an identity. Uniqueness holds on
// (provider, provider_user_id); one identity may hold several links.
type OAuthAccount struct {
	Provider        string    `json:"provider"`
	ProviderUserID  string    `json:"provider_user_id"`
	IdentityID      string    `json:"identity_id"`
	AccessTokenEnc  string    `json:"-"`
	RefreshTokenEnc string    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NeedsRefresh reports whether the stored provider access token expires
// within the given window.
func (a *OAuthAccount) NeedsRefresh(now time.Time, within time.Duration) bool {
	return !now.Add(within).Before(a.ExpiresAt)
}

// ServiceAccount is a non-interactive caller that authenticates with API keys.
type ServiceAccount struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKeyRecord stores the hash of a long-lived credential. A rotated record
// keeps validating until grace_until, then is permanently inactive.
type APIKeyRecord struct {
	ID               string       `json:"id"`
	ServiceAccountID string       `json:"service_account_id"`
	KeyHash          string       `json:"-"`
	Prefix           string       `json:"prefix"`
	Permissions      []Permission `json:"permissions"`
	IsActive         bool         `json:"is_active"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	GraceUntil       *time.Time   `json:"grace_until,omitempty"`
	LastUsedAt       *time.Time   `json:"last_used_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// DomainRoleRule maps an email domain to the role granted on first federated
// login. An empty domain acts as the fallback rule.
type DomainRoleRule struct {
	Domain   string `json:"domain"`
	RoleName string `json:"role_name"`
}

// TokenPair carries freshly issued credentials. RefreshToken is plaintext and
// appears exactly once, here.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
