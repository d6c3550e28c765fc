package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qapms.org/internal/auth"
)

func TestServiceAccountAndKeyLifecycle(t *testing.T) {
	f, token := adminFixture(t)

	create := jsonRequest(t, http.MethodPost, "/v1/service-accounts", `{"name":"ci-runner"}`)
	create.Header.Set(authHeader, bearer+token)
	rr := f.do(t, create)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var acct auth.ServiceAccount
	decodeBody(t, rr, &acct)

	issue := jsonRequest(t, http.MethodPost, "/v1/service-accounts/"+acct.ID+"/keys",
		`{"permissions":["tickets:read:all"]}`)
	issue.Header.Set(authHeader, bearer+token)
	rr = f.do(t, issue)
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue key: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var issued issuedKeyResponse
	decodeBody(t, rr, &issued)
	if !strings.HasPrefix(issued.APIKey, "qpk_") {
		t.Fatalf("plaintext key %q lacks prefix", issued.APIKey)
	}
	if issued.Key == nil || issued.Key.ID == "" {
		t.Fatal("key record missing from response")
	}
	if strings.Contains(rr.Body.String(), `"key_hash"`) {
		t.Fatal("key hash leaked into response body")
	}

	// The fresh key authenticates.
	ping := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	ping.Header.Set(apiKeyHeader, issued.APIKey)
	if rr := f.do(t, ping); rr.Code != http.StatusForbidden {
		// tickets:read:all does not cover the admin surface.
		t.Fatalf("expected 403 (authenticated, unauthorized), got %d", rr.Code)
	}

	// Rotation returns a new plaintext and keeps the old one valid in grace.
	rotate := authedRequest(http.MethodPost, "/v1/service-accounts/"+acct.ID+"/keys/rotate", token)
	rr = f.do(t, rotate)
	if rr.Code != http.StatusCreated {
		t.Fatalf("rotate: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var rotated issuedKeyResponse
	decodeBody(t, rr, &rotated)
	if rotated.APIKey == issued.APIKey {
		t.Fatal("rotation returned the same plaintext key")
	}

	old := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	old.Header.Set(apiKeyHeader, issued.APIKey)
	if rr := f.do(t, old); rr.Code == http.StatusUnauthorized {
		t.Fatal("old key must stay valid during the grace window")
	}

	// Revocation cuts the new key off immediately.
	revoke := authedRequest(http.MethodDelete, "/v1/api-keys/"+rotated.Key.ID, token)
	if rr := f.do(t, revoke); rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	dead := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	dead.Header.Set(apiKeyHeader, rotated.APIKey)
	if rr := f.do(t, dead); rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key: expected 401, got %d", rr.Code)
	}
}

func TestIssueKeyRequiresAdmin(t *testing.T) {
	f := newAPIFixture(t)
	f.registerUser(t, "viewer@example.com", "correct horse battery")
	token := f.loginToken(t, "viewer@example.com", "correct horse battery")

	req := jsonRequest(t, http.MethodPost, "/v1/service-accounts", `{"name":"nope"}`)
	req.Header.Set(authHeader, bearer+token)
	if rr := f.do(t, req); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestIssueKeyRejectsBadExpiry(t *testing.T) {
	f, token := adminFixture(t)
	create := jsonRequest(t, http.MethodPost, "/v1/service-accounts", `{"name":"ci"}`)
	create.Header.Set(authHeader, bearer+token)
	rr := f.do(t, create)
	var acct auth.ServiceAccount
	decodeBody(t, rr, &acct)

	issue := jsonRequest(t, http.MethodPost, "/v1/service-accounts/"+acct.ID+"/keys",
		`{"permissions":[],"expires_at":"tomorrow"}`)
	issue.Header.Set(authHeader, bearer+token)
	if rr := f.do(t, issue); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
