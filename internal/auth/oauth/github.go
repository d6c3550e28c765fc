package oauth

import (
	"context"
	"strconv"
)

const (
	githubAuthURL     = "https://github.com/login/oauth/authorize"
	githubTokenURL    = "https://github.com/login/oauth/access_token"
	githubUserInfoURL = "https://api.github.com/user"
	githubEmailsURL   = "https://api.github.com/user/emails"
)

// GitHubProvider federates against GitHub OAuth apps.
type GitHubProvider struct {
	baseProvider
}

func NewGitHubProvider(cfg Config) (*GitHubProvider, error) {
	cfg.Name = "github"
	if cfg.AuthURL == "" {
		cfg.AuthURL = githubAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = githubTokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = githubUserInfoURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &GitHubProvider{baseProvider: newBaseProvider(cfg)}, nil
}

func (p *GitHubProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var raw struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := p.getJSON(ctx, p.cfg.UserInfoURL, accessToken, &raw); err != nil {
		return nil, err
	}
	profile := &Profile{
		ProviderUserID: strconv.FormatInt(raw.ID, 10),
		Email:          raw.Email,
		DisplayName:    raw.Name,
	}
	if profile.DisplayName == "" {
		profile.DisplayName = raw.Login
	}
	// The public profile email is often unset; fall back to the primary
	// verified address from the emails endpoint.
	if profile.Email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := p.getJSON(ctx, githubEmailsURL, accessToken, &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				profile.Email = e.Email
				break
			}
		}
	}
	return profile, nil
}
