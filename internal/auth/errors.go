package auth

import "errors"

var (
	// ErrInvalidCredentials is returned uniformly for unknown email and wrong
	// password so callers cannot probe which addresses have accounts.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidToken covers malformed, unknown and expired refresh tokens,
	// and API keys that resolve to no record.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrExpiredToken is returned for an access token at or past its exp claim.
	ErrExpiredToken = errors.New("auth: token expired")

	// ErrBadSignature is returned when an access token fails signature checks.
	ErrBadSignature = errors.New("auth: bad token signature")

	// ErrBlacklisted is returned when an access token's jti has been revoked.
	ErrBlacklisted = errors.New("auth: token revoked")

	// ErrReplayDetected is returned when an already-rotated refresh token is
	// presented again. The whole family is revoked before this is returned.
	ErrReplayDetected = errors.New("auth: refresh token reuse detected")

	// ErrInvalidOAuthState is returned when a callback presents a state value
	// this server never issued or that was already consumed.
	ErrInvalidOAuthState = errors.New("auth: invalid oauth state")

	// ErrProviderExchangeFailed wraps failures of the provider code exchange.
	ErrProviderExchangeFailed = errors.New("auth: provider exchange failed")

	// ErrInsufficientPermission is returned by permission checks; the HTTP
	// layer maps it to a generic 403 without naming the missing permission.
	ErrInsufficientPermission = errors.New("auth: insufficient permission")

	// ErrRateLimited is returned when an endpoint-class limit is exhausted.
	ErrRateLimited = errors.New("auth: rate limited")

	// ErrKeyInactive is returned for revoked keys and keys past their grace window.
	ErrKeyInactive = errors.New("auth: api key inactive")

	// ErrKeyExpired is returned for API keys past their expiry.
	ErrKeyExpired = errors.New("auth: api key expired")

	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
)
