package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrInvalidState marks a callback state this server never issued.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrExchangeFailed marks a failed code-for-tokens exchange.
	ErrExchangeFailed = errors.New("oauth: token exchange failed")
	// ErrUnknownProvider marks a provider name with no configuration.
	ErrUnknownProvider = errors.New("oauth: unknown provider")
)

const (
	requestTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
)

// Tokens are the provider-issued credentials from an exchange or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// Profile is the provider-independent shape every provider normalizes to.
type Profile struct {
	ProviderUserID string
	Email          string
	DisplayName    string
}

// Provider abstracts one external identity provider. Provider-specific
// quirks (user-info shapes, extra authorize parameters) stay behind this
// boundary instead of branching in shared code.
type Provider interface {
	Name() string
	AuthorizeURL(state, codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// Config holds the endpoints and client credentials of one provider.
type Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURI  string
	Scopes       []string
	// ExtraAuthParams are provider-specific authorize-URL additions
	// (e.g. Atlassian's audience and prompt parameters).
	ExtraAuthParams map[string]string
}

// Validate checks the fields every flow needs.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return errors.New("oauth: provider name is required")
	case strings.TrimSpace(c.ClientID) == "":
		return errors.New("oauth: client id is required")
	case strings.TrimSpace(c.AuthURL) == "":
		return errors.New("oauth: authorize url is required")
	case strings.TrimSpace(c.TokenURL) == "":
		return errors.New("oauth: token url is required")
	case strings.TrimSpace(c.RedirectURI) == "":
		return errors.New("oauth: redirect uri is required")
	}
	return nil
}

// baseProvider implements the flow mechanics shared by every provider; the
// concrete providers supply user-info normalization.
type baseProvider struct {
	cfg    Config
	client *http.Client
}

func newBaseProvider(cfg Config) baseProvider {
	return baseProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (p *baseProvider) Name() string { return p.cfg.Name }

// AuthorizeURL builds the consent-screen redirect with PKCE and state.
func (p *baseProvider) AuthorizeURL(state, codeChallenge string) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {p.cfg.ClientID},
		"redirect_uri":          {p.cfg.RedirectURI},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {pkceMethod},
	}
	if len(p.cfg.Scopes) > 0 {
		params.Set("scope", strings.Join(p.cfg.Scopes, " "))
	}
	for k, v := range p.cfg.ExtraAuthParams {
		params.Set(k, v)
	}
	return p.cfg.AuthURL + "?" + params.Encode()
}

// Exchange trades the authorization code plus PKCE verifier for tokens.
// The exchange is not idempotent and is never retried.
func (p *baseProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is required", ErrExchangeFailed)
	}
	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.cfg.RedirectURI},
		"client_id":     {p.cfg.ClientID},
		"code_verifier": {codeVerifier},
	}
	if p.cfg.ClientSecret != "" {
		params.Set("client_secret", p.cfg.ClientSecret)
	}
	return p.tokenRequest(ctx, params)
}

// Refresh trades a provider refresh token for fresh provider credentials.
func (p *baseProvider) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrExchangeFailed)
	}
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.cfg.ClientID},
	}
	if p.cfg.ClientSecret != "" {
		params.Set("client_secret", p.cfg.ClientSecret)
	}
	return p.tokenRequest(ctx, params)
}

func (p *baseProvider) tokenRequest(ctx context.Context, params url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrExchangeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: provider returned %d", ErrExchangeFailed, resp.StatusCode)
	}

	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrExchangeFailed, err)
	}
	if raw.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carries no access token", ErrExchangeFailed)
	}
	tokens := &Tokens{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		TokenType:    raw.TokenType,
		Scope:        raw.Scope,
	}
	if raw.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().UTC().Add(time.Duration(raw.ExpiresIn) * time.Second)
	}
	return tokens, nil
}

// getJSON fetches a user-info style resource. GETs are idempotent and get a
// single retry on transport errors.
func (p *baseProvider) getJSON(ctx context.Context, rawURL, accessToken string, dst any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("oauth: user-info returned %d", resp.StatusCode)
		}
		return json.Unmarshal(body, dst)
	}
	return fmt.Errorf("oauth: user-info fetch failed: %w", lastErr)
}
