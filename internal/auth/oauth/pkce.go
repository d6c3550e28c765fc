// Package oauth drives the authorization-code + PKCE exchange against
// external identity providers and normalizes the returned profiles.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceMethod is the only challenge method supported (RFC 7636 S256).
const pkceMethod = "S256"

// Challenge is a PKCE code verifier and its derived challenge.
type Challenge struct {
	Verifier  string
	Challenge string
}

// NewChallenge generates a cryptographically random code verifier and derives
// the challenge with the S256 method. The verifier is 32 random bytes in
// base64url, 43 characters, within the 43-128 bounds of RFC 7636.
func NewChallenge() (Challenge, error) {
	verifier, err := randomURLSafe(32)
	if err != nil {
		return Challenge{}, fmt.Errorf("generate code verifier: %w", err)
	}
	return Challenge{Verifier: verifier, Challenge: DeriveChallenge(verifier)}, nil
}

// DeriveChallenge computes BASE64URL(SHA256(ASCII(verifier))).
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewState generates an unguessable state parameter for CSRF protection.
func NewState() (string, error) {
	state, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return state, nil
}

func randomURLSafe(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
