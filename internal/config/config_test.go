package config

import (
	"testing"
)

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("QAPMS_AUTH_SECRET", "too short")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QAPMS_AUTH_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if string(cfg.APIKeyPepper) != string(cfg.AuthSecret) {
		t.Fatal("pepper should default to the auth secret")
	}
	if cfg.OAuth["github"].Configured() {
		t.Fatal("github should not be configured without env vars")
	}
}

func TestLoadOAuthAndDomainRoles(t *testing.T) {
	t.Setenv("QAPMS_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("QAPMS_OAUTH_GITHUB_CLIENT_ID", "id")
	t.Setenv("QAPMS_OAUTH_GITHUB_CLIENT_SECRET", "secret")
	t.Setenv("QAPMS_OAUTH_GITHUB_REDIRECT_URI", "https://app.example.com/v1/auth/oauth/callback")
	t.Setenv("QAPMS_DOMAIN_ROLES", "corp.example.com:admin, :member")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.OAuth["github"].Configured() {
		t.Fatal("github should be configured")
	}
	if len(cfg.DomainRoles) != 2 {
		t.Fatalf("rules = %d, want 2", len(cfg.DomainRoles))
	}
	if cfg.DomainRoles[0].Domain != "corp.example.com" || cfg.DomainRoles[0].RoleName != "admin" {
		t.Fatalf("rule[0] = %+v", cfg.DomainRoles[0])
	}
	if cfg.DomainRoles[1].Domain != "" || cfg.DomainRoles[1].RoleName != "member" {
		t.Fatalf("fallback rule = %+v", cfg.DomainRoles[1])
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("QAPMS_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("QAPMS_ACCESS_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
