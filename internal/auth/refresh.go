package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qapms.org/internal/ids"
	"qapms.org/internal/obs"
)

// ReplayPolicy decides what happens when an already-rotated refresh token is
// presented again.
type ReplayPolicy string

const (
	// ReplayRevokeFamily revokes the whole rotation chain. Fail-closed: a
	// legitimate client that double-fires a refresh is logged out too.
	ReplayRevokeFamily ReplayPolicy = "revoke-family"
	// ReplayRevokeToken revokes only the reused record and tolerates reuse
	// within a short grace window after rotation, for clients that retry on
	// timeout. Outside the window the family is still revoked.
	ReplayRevokeToken ReplayPolicy = "revoke-token"
)

const defaultReplayGrace = 30 * time.Second

// TokenLedger drives refresh-token rotation chains over a RefreshTokenStore.
type TokenLedger struct {
	store       RefreshTokenStore
	blacklist   BlacklistStore
	issuer      *TokenIssuer
	policy      ReplayPolicy
	replayGrace time.Duration
	now         func() time.Time
}

// LedgerOption configures a TokenLedger.
type LedgerOption func(*TokenLedger)

// WithReplayPolicy selects the replay handling policy.
func WithReplayPolicy(p ReplayPolicy) LedgerOption {
	return func(l *TokenLedger) {
		if p == ReplayRevokeFamily || p == ReplayRevokeToken {
			l.policy = p
		}
	}
}

// WithReplayGrace overrides the reuse tolerance window for ReplayRevokeToken.
func WithReplayGrace(d time.Duration) LedgerOption {
	return func(l *TokenLedger) {
		if d > 0 {
			l.replayGrace = d
		}
	}
}

// WithLedgerClock overrides the time source (tests).
func WithLedgerClock(fn func() time.Time) LedgerOption {
	return func(l *TokenLedger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewTokenLedger constructs a ledger.
func NewTokenLedger(store RefreshTokenStore, blacklist BlacklistStore, issuer *TokenIssuer, opts ...LedgerOption) (*TokenLedger, error) {
	if store == nil || blacklist == nil || issuer == nil {
		return nil, fmt.Errorf("%w: store, blacklist and issuer are required", ErrInvalidInput)
	}
	l := &TokenLedger{
		store:       store,
		blacklist:   blacklist,
		issuer:      issuer,
		policy:      ReplayRevokeFamily,
		replayGrace: defaultReplayGrace,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Open starts a fresh family for a new login session and returns the
// plaintext refresh token together with its persisted record.
func (l *TokenLedger) Open(ctx context.Context, identityID, accessJTI, fingerprint string) (string, *RefreshTokenRecord, error) {
	plaintext, hash, err := l.issuer.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}
	now := l.now().UTC()
	rec := &RefreshTokenRecord{
		ID:                ids.New(),
		IdentityID:        identityID,
		TokenHash:         hash,
		FamilyID:          uuid.NewString(),
		AccessTokenID:     accessJTI,
		IssuedAt:          now,
		ExpiresAt:         now.Add(l.issuer.RefreshTTL()),
		DeviceFingerprint: fingerprint,
	}
	if err := l.store.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return plaintext, rec, nil
}

// Resolve validates a presented refresh token without consuming it, so the
// caller can load the identity and mint the next access token before the
// rotation write. Replay is handled here too: a token already rotated is
// reported (and its family revoked, per policy) without any issuance.
func (l *TokenLedger) Resolve(ctx context.Context, presented string) (*RefreshTokenRecord, error) {
	rec, err := l.store.FindByHash(ctx, l.issuer.HashRefreshToken(presented))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveRefresh("invalid")
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := l.now().UTC()
	if !now.Before(rec.ExpiresAt) || rec.RevokedAt != nil {
		obs.ObserveRefresh("invalid")
		return nil, ErrInvalidToken
	}
	if rec.RotatedTo != nil {
		return nil, l.handleReplay(ctx, rec, now)
	}
	return rec, nil
}

// Rotate consumes a presented refresh token and appends the next link to its
// family. Exactly one of two concurrent calls with the same token succeeds;
// the loser observes the record as rotated and goes through replay handling.
func (l *TokenLedger) Rotate(ctx context.Context, presented, newAccessJTI string) (string, *RefreshTokenRecord, error) {
	rec, err := l.store.FindByHash(ctx, l.issuer.HashRefreshToken(presented))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveRefresh("invalid")
			return "", nil, ErrInvalidToken
		}
		return "", nil, err
	}
	now := l.now().UTC()
	if !now.Before(rec.ExpiresAt) || rec.RevokedAt != nil {
		obs.ObserveRefresh("invalid")
		return "", nil, ErrInvalidToken
	}
	if rec.RotatedTo != nil {
		return "", nil, l.handleReplay(ctx, rec, now)
	}

	plaintext, hash, err := l.issuer.NewRefreshToken()
	if err != nil {
		return "", nil, err
	}
	next := &RefreshTokenRecord{
		ID:                ids.New(),
		IdentityID:        rec.IdentityID,
		TokenHash:         hash,
		FamilyID:          rec.FamilyID,
		AccessTokenID:     newAccessJTI,
		IssuedAt:          now,
		ExpiresAt:         now.Add(l.issuer.RefreshTTL()),
		DeviceFingerprint: rec.DeviceFingerprint,
	}
	// The compare-and-set below is the critical section: it succeeds only
	// while rotated_to is still unset, so a concurrent rotation of the same
	// token loses here and is treated as a replay.
	if err := l.store.MarkRotated(ctx, rec.ID, next.ID); err != nil {
		if errors.Is(err, ErrConflict) {
			return "", nil, l.handleReplay(ctx, rec, now)
		}
		return "", nil, err
	}
	if err := l.store.Create(ctx, next); err != nil {
		return "", nil, err
	}
	obs.ObserveRefresh("ok")
	return plaintext, next, nil
}

func (l *TokenLedger) handleReplay(ctx context.Context, rec *RefreshTokenRecord, now time.Time) error {
	if l.policy == ReplayRevokeToken && now.Sub(rec.IssuedAt) <= l.replayGrace {
		// Tolerated double-submission: kill only the reused link.
		if err := l.store.MarkRevoked(ctx, rec.ID, now); err != nil {
			return err
		}
		obs.ObserveRefresh("replay")
		return ErrReplayDetected
	}
	obs.ObserveRefresh("replay")
	obs.ObserveReplayDetected()
	if err := l.RevokeFamily(ctx, rec.FamilyID); err != nil {
		return err
	}
	return ErrReplayDetected
}

// RevokeFamily revokes every record in the family and blacklists each access
// token issued alongside it. Revoking an already-revoked family succeeds.
func (l *TokenLedger) RevokeFamily(ctx context.Context, familyID string) error {
	now := l.now().UTC()
	records, err := l.store.RevokeFamily(ctx, familyID, now)
	if err != nil {
		return err
	}
	return l.blacklistRecords(ctx, records, now)
}

// RevokeAllForIdentity revokes every family belonging to the identity
// (logout-all and admin-forced revocation).
func (l *TokenLedger) RevokeAllForIdentity(ctx context.Context, identityID string) error {
	now := l.now().UTC()
	records, err := l.store.RevokeAllForIdentity(ctx, identityID, now)
	if err != nil {
		return err
	}
	return l.blacklistRecords(ctx, records, now)
}

// FamilyForAccessToken resolves the family that issued the given access jti.
func (l *TokenLedger) FamilyForAccessToken(ctx context.Context, jti string) (string, error) {
	rec, err := l.store.FindByAccessTokenID(ctx, jti)
	if err != nil {
		return "", err
	}
	return rec.FamilyID, nil
}

func (l *TokenLedger) blacklistRecords(ctx context.Context, records []RefreshTokenRecord, now time.Time) error {
	for _, rec := range records {
		if rec.AccessTokenID == "" {
			continue
		}
		// The paired access token can outlive the refresh record by at most
		// one access TTL from issuance; keep the entry until then.
		expiresAt := rec.IssuedAt.Add(l.issuer.AccessTTL())
		if expiresAt.Before(now) {
			continue
		}
		if err := l.blacklist.Add(ctx, BlacklistEntry{JTI: rec.AccessTokenID, ExpiresAt: expiresAt}); err != nil {
			return err
		}
	}
	return nil
}
