// Package config reads the service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"qapms.org/internal/auth"
)

const minSecretLength = 32

// OAuthCreds is one provider's client registration.
type OAuthCreds struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Configured reports whether the registration is complete enough to wire.
func (c OAuthCreds) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURI != ""
}

// Config carries everything cmd/api needs to wire the service.
type Config struct {
	HTTPAddr string

	PGDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret   []byte
	APIKeyPepper []byte

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	DomainRoles     []auth.DomainRoleRule
	InsecureCookies bool

	OAuth map[string]OAuthCreds
}

// Load reads QAPMS_* environment variables. QAPMS_AUTH_SECRET is the only
// required setting.
func Load() (*Config, error) {
	secret := os.Getenv("QAPMS_AUTH_SECRET")
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("config: QAPMS_AUTH_SECRET must be at least %d bytes", minSecretLength)
	}
	pepper := os.Getenv("QAPMS_API_KEY_PEPPER")
	if pepper == "" {
		pepper = secret
	}

	cfg := &Config{
		HTTPAddr:        envOr("QAPMS_HTTP_ADDR", ":8080"),
		PGDSN:           os.Getenv("QAPMS_PG_DSN"),
		RedisAddr:       os.Getenv("QAPMS_REDIS_ADDR"),
		RedisPassword:   os.Getenv("QAPMS_REDIS_PASSWORD"),
		AuthSecret:      []byte(secret),
		APIKeyPepper:    []byte(pepper),
		InsecureCookies: os.Getenv("QAPMS_INSECURE_COOKIES") == "true",
		OAuth: map[string]OAuthCreds{
			"github":    oauthCreds("GITHUB"),
			"atlassian": oauthCreds("ATLASSIAN"),
		},
	}

	var err error
	if cfg.RedisDB, err = envInt("QAPMS_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.AccessTTL, err = envDuration("QAPMS_ACCESS_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.RefreshTTL, err = envDuration("QAPMS_REFRESH_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.DomainRoles, err = parseDomainRoles(os.Getenv("QAPMS_DOMAIN_ROLES")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration: %w", key, err)
	}
	return d, nil
}

func oauthCreds(name string) OAuthCreds {
	prefix := "QAPMS_OAUTH_" + name + "_"
	return OAuthCreds{
		ClientID:     os.Getenv(prefix + "CLIENT_ID"),
		ClientSecret: os.Getenv(prefix + "CLIENT_SECRET"),
		RedirectURI:  os.Getenv(prefix + "REDIRECT_URI"),
	}
}

// parseDomainRoles reads "corp.example.com:admin,partner.io:member". An entry
// with an empty domain (":member") is the fallback rule for any domain.
func parseDomainRoles(raw string) ([]auth.DomainRoleRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var rules []auth.DomainRoleRule
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("config: bad QAPMS_DOMAIN_ROLES entry %q", entry)
		}
		rules = append(rules, auth.DomainRoleRule{
			Domain:   strings.ToLower(strings.TrimSpace(parts[0])),
			RoleName: strings.TrimSpace(parts[1]),
		})
	}
	return rules, nil
}
