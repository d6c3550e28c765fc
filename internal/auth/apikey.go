package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"qapms.org/internal/ids"
	"qapms.org/internal/obs"
)

const (
	apiKeyPrefix       = "qpk_"
	apiKeyRandomBytes  = 32
	defaultKeyGraceTTL = 5 * time.Minute
)

// APIKeyService issues, validates and rotates long-lived credentials for
// non-interactive callers.
type APIKeyService struct {
	keys     APIKeyStore
	accounts ServiceAccountStore
	pepper   []byte
	graceTTL time.Duration
	now      func() time.Time
}

// APIKeyOption configures an APIKeyService.
type APIKeyOption func(*APIKeyService)

// WithKeyGraceTTL overrides the rotation grace window.
func WithKeyGraceTTL(ttl time.Duration) APIKeyOption {
	return func(s *APIKeyService) {
		if ttl > 0 {
			s.graceTTL = ttl
		}
	}
}

// WithKeyClock overrides the time source (tests).
func WithKeyClock(fn func() time.Time) APIKeyOption {
	return func(s *APIKeyService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewAPIKeyService constructs the service. The pepper keys the storage hash.
func NewAPIKeyService(keys APIKeyStore, accounts ServiceAccountStore, pepper []byte, opts ...APIKeyOption) (*APIKeyService, error) {
	if keys == nil || accounts == nil {
		return nil, fmt.Errorf("%w: key and account stores are required", ErrInvalidInput)
	}
	if len(pepper) == 0 {
		return nil, fmt.Errorf("%w: pepper is required", ErrInvalidInput)
	}
	s := &APIKeyService{
		keys:     keys,
		accounts: accounts,
		pepper:   pepper,
		graceTTL: defaultKeyGraceTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints a new key for the service account. The plaintext is returned
// exactly once and never retrievable again.
func (s *APIKeyService) Issue(ctx context.Context, serviceAccountID string, perms []Permission, expiresAt *time.Time) (string, *APIKeyRecord, error) {
	serviceAccountID = strings.TrimSpace(serviceAccountID)
	if serviceAccountID == "" {
		return "", nil, fmt.Errorf("%w: service_account_id is required", ErrInvalidInput)
	}
	for _, p := range perms {
		if err := p.validate(); err != nil {
			return "", nil, err
		}
	}
	if _, err := s.accounts.Find(ctx, serviceAccountID); err != nil {
		return "", nil, err
	}

	raw := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	plaintext := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	rec := &APIKeyRecord{
		ID:               ids.New(),
		ServiceAccountID: serviceAccountID,
		KeyHash:          s.hash(plaintext),
		Prefix:           apiKeyPrefix,
		Permissions:      perms,
		IsActive:         true,
		ExpiresAt:        expiresAt,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.keys.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return plaintext, rec, nil
}

// Validate resolves a presented key to its service context.
func (s *APIKeyService) Validate(ctx context.Context, presented string) (ServicePrincipal, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" || !strings.HasPrefix(presented, apiKeyPrefix) {
		obs.ObserveAPIKeyValidation("not_found")
		return ServicePrincipal{}, fmt.Errorf("%w: unknown api key", ErrInvalidToken)
	}
	rec, err := s.keys.FindByHash(ctx, s.hash(presented))
	if err != nil {
		obs.ObserveAPIKeyValidation("not_found")
		return ServicePrincipal{}, fmt.Errorf("%w: unknown api key", ErrInvalidToken)
	}
	now := s.now()
	if !rec.IsActive {
		obs.ObserveAPIKeyValidation("inactive")
		return ServicePrincipal{}, ErrKeyInactive
	}
	if rec.ExpiresAt != nil && !now.Before(*rec.ExpiresAt) {
		obs.ObserveAPIKeyValidation("expired")
		return ServicePrincipal{}, ErrKeyExpired
	}
	if rec.GraceUntil != nil && !now.Before(*rec.GraceUntil) {
		obs.ObserveAPIKeyValidation("inactive")
		return ServicePrincipal{}, ErrKeyInactive
	}
	// Best effort; a failed touch must not fail authentication.
	_ = s.keys.TouchLastUsed(ctx, rec.ID, now.UTC())
	obs.ObserveAPIKeyValidation("ok")
	return ServicePrincipal{
		ServiceAccountID: rec.ServiceAccountID,
		KeyID:            rec.ID,
		Permissions:      rec.Permissions,
	}, nil
}

// Rotate issues a replacement key and puts every currently valid key of the
// account into the grace window, so in-flight automation keeps working until
// the grace expires.
func (s *APIKeyService) Rotate(ctx context.Context, serviceAccountID string) (string, *APIKeyRecord, error) {
	existing, err := s.keys.ListForAccount(ctx, serviceAccountID)
	if err != nil {
		return "", nil, err
	}
	var perms []Permission
	now := s.now()
	graceUntil := now.Add(s.graceTTL).UTC()
	for _, rec := range existing {
		if !rec.IsActive || rec.GraceUntil != nil {
			continue
		}
		if perms == nil {
			perms = rec.Permissions
		}
		if err := s.keys.SetGraceUntil(ctx, rec.ID, graceUntil); err != nil {
			return "", nil, err
		}
	}
	if perms == nil {
		return "", nil, fmt.Errorf("%w: no active key to rotate", ErrNotFound)
	}
	return s.Issue(ctx, serviceAccountID, perms, nil)
}

// Revoke deactivates a key immediately, with no grace period.
func (s *APIKeyService) Revoke(ctx context.Context, keyID string) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidInput)
	}
	return s.keys.Deactivate(ctx, keyID)
}

func (s *APIKeyService) hash(plaintext string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
