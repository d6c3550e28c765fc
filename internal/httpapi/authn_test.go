package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"qapms.org/internal/auth"
)

func TestProtectedPathRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/roles", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header set")
	}
}

func TestBearerWithWrongSchemeRejected(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	req.Header.Set(authHeader, "Basic dXNlcjpwYXNz")
	if rr := f.do(t, req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	acct, err := f.svc.CreateServiceAccount(ctx, "ci-runner")
	if err != nil {
		t.Fatalf("CreateServiceAccount: %v", err)
	}
	plaintext, _, err := f.keys.Issue(ctx, acct.ID, []auth.Permission{
		{Resource: auth.ResourceRoles, Action: auth.ActionRead, Scope: auth.ScopeAll},
	}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	req.Header.Set(apiKeyHeader, plaintext)
	if rr := f.do(t, req); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// The key's grants bound what it may call.
	req = httptest.NewRequest(http.MethodGet, "/v1/service-accounts", nil)
	req.Header.Set(apiKeyHeader, plaintext)
	if rr := f.do(t, req); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestUnknownAPIKeyRejected(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	req.Header.Set(apiKeyHeader, "qpk_this-key-was-never-issued")
	if rr := f.do(t, req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestPermissionDenialIsGeneric(t *testing.T) {
	f := newAPIFixture(t)
	f.registerUser(t, "viewer@example.com", "correct horse battery")
	token := f.loginToken(t, "viewer@example.com", "correct horse battery")

	req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	req.Header.Set(authHeader, bearer+token)
	rr := f.do(t, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	// No hint about which permission was missing.
	if body["error"] != "forbidden" {
		t.Fatalf("error = %v, want bare forbidden", body["error"])
	}
}
