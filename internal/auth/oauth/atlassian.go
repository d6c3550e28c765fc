package oauth

import "context"

const (
	atlassianAuthURL     = "https://auth.atlassian.com/authorize"
	atlassianTokenURL    = "https://auth.atlassian.com/oauth/token"
	atlassianUserInfoURL = "https://api.atlassian.com/me"
)

// AtlassianProvider federates against Atlassian Cloud (Jira, Confluence).
type AtlassianProvider struct {
	baseProvider
}

// NewAtlassianProvider fills in the Atlassian Cloud endpoints and the
// authorize parameters its consent screen requires.
func NewAtlassianProvider(cfg Config) (*AtlassianProvider, error) {
	cfg.Name = "atlassian"
	if cfg.AuthURL == "" {
		cfg.AuthURL = atlassianAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = atlassianTokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = atlassianUserInfoURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:me", "read:jira-work", "offline_access"}
	}
	if cfg.ExtraAuthParams == nil {
		cfg.ExtraAuthParams = map[string]string{
			"audience": "api.atlassian.com",
			"prompt":   "consent",
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AtlassianProvider{baseProvider: newBaseProvider(cfg)}, nil
}

func (p *AtlassianProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var raw struct {
		AccountID string `json:"account_id"`
		Email     string `json:"email"`
		Name      string `json:"name"`
	}
	if err := p.getJSON(ctx, p.cfg.UserInfoURL, accessToken, &raw); err != nil {
		return nil, err
	}
	return &Profile{
		ProviderUserID: raw.AccountID,
		Email:          raw.Email,
		DisplayName:    raw.Name,
	}, nil
}
