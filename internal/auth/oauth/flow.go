package oauth

import (
	"context"
	"fmt"
	"time"
)

// Client drives the authorization-code flow across the configured
// providers and the shared state store.
type Client struct {
	providers map[string]Provider
	states    StateStore
	stateTTL  time.Duration
	now       func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithStateTTL overrides how long a pending authorization stays redeemable.
func WithStateTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.stateTTL = ttl }
}

// WithFlowClock fixes the clock, for tests.
func WithFlowClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func NewClient(states StateStore, providers []Provider, opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]Provider, len(providers)),
		states:    states,
		stateTTL:  defaultStateTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, p := range providers {
		c.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the named provider.
func (c *Client) Provider(name string) (Provider, error) {
	p, ok := c.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Begin starts an authorization against the named provider. It stores the
// PKCE verifier server-side under a fresh state and returns the redirect
// URL for the consent screen. identityID is set when an already
// authenticated user is linking an account, and empty for login.
func (c *Client) Begin(ctx context.Context, providerName, returnTo, identityID string) (string, error) {
	p, err := c.Provider(providerName)
	if err != nil {
		return "", err
	}
	challenge, err := NewChallenge()
	if err != nil {
		return "", err
	}
	state, err := NewState()
	if err != nil {
		return "", err
	}
	now := c.now()
	pending := PendingAuth{
		Provider:     providerName,
		CodeVerifier: challenge.Verifier,
		ReturnTo:     returnTo,
		IdentityID:   identityID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.stateTTL),
	}
	if err := c.states.Put(ctx, state, pending); err != nil {
		return "", err
	}
	return p.AuthorizeURL(state, challenge.Challenge), nil
}

// CallbackResult is the outcome of a redeemed callback: provider tokens,
// the normalized profile, and the pending record the state was bound to.
type CallbackResult struct {
	Pending *PendingAuth
	Tokens  *Tokens
	Profile *Profile
}

// Complete redeems a callback. The state is consumed before any provider
// call, so a second arrival with the same state fails with ErrInvalidState
// without touching the provider.
func (c *Client) Complete(ctx context.Context, state, code string) (*CallbackResult, error) {
	pending, err := c.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	p, err := c.Provider(pending.Provider)
	if err != nil {
		return nil, err
	}
	tokens, err := p.Exchange(ctx, code, pending.CodeVerifier)
	if err != nil {
		return nil, err
	}
	profile, err := p.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Pending: pending, Tokens: tokens, Profile: profile}, nil
}
