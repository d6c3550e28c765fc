package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qapms.org/internal/auth"
	"qapms.org/internal/auth/oauth"
)

type apiFixture struct {
	api   *API
	store *auth.MemoryStore
	svc   *auth.Service
	keys  *auth.APIKeyService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := auth.NewMemoryStore()
	issuer, err := auth.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	ledger, err := auth.NewTokenLedger(store.RefreshTokens(), store.Blacklist(), issuer)
	if err != nil {
		t.Fatalf("NewTokenLedger: %v", err)
	}
	sealer, err := auth.NewSealer([]byte("seal-secret"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	fed := auth.NewFederator(store, sealer)
	client := oauth.NewClient(oauth.NewMemoryStateStore(), nil)
	svc := auth.NewService(store, issuer, ledger, auth.WithOAuth(client, fed))
	keys, err := auth.NewAPIKeyService(store.APIKeys(), store.ServiceAccounts(), []byte("pepper-for-tests"))
	if err != nil {
		t.Fatalf("NewAPIKeyService: %v", err)
	}
	limiter := auth.NewRateLimiter(auth.NewMemoryCounterStore(), auth.DefaultLimits())
	api := New(svc, keys, limiter, ReadyProbe{}, "test", WithInsecureCookies())
	return &apiFixture{api: api, store: store, svc: svc, keys: keys}
}

func (f *apiFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rr, req)
	return rr
}

func jsonRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func authedRequest(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(authHeader, bearer+token)
	return req
}

// registerUser creates an account through the service layer so setup does not
// consume the HTTP login budget.
func (f *apiFixture) registerUser(t *testing.T, email, password string) *auth.Identity {
	t.Helper()
	identity, err := f.svc.Register(context.Background(), email, password)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return identity
}

// grantAdmin seeds an admin role and assigns it to the identity.
func (f *apiFixture) grantAdmin(t *testing.T, identityID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	role := &auth.Role{
		ID:   "role-admin",
		Name: "admin",
		Permissions: []auth.Permission{
			{Resource: auth.ResourceRoles, Action: auth.ActionRead, Scope: auth.ScopeAll},
			{Resource: auth.ResourceRoles, Action: auth.ActionCreate, Scope: auth.ScopeAll},
			{Resource: auth.ResourceRoles, Action: auth.ActionUpdate, Scope: auth.ScopeAll},
			{Resource: auth.ResourceIdentities, Action: auth.ActionRead, Scope: auth.ScopeAll},
			{Resource: auth.ResourceIdentities, Action: auth.ActionUpdate, Scope: auth.ScopeAll},
			{Resource: auth.ResourceServiceAccounts, Action: auth.ActionRead, Scope: auth.ScopeAll},
			{Resource: auth.ResourceServiceAccounts, Action: auth.ActionCreate, Scope: auth.ScopeAll},
			{Resource: auth.ResourceServiceAccounts, Action: auth.ActionUpdate, Scope: auth.ScopeAll},
			{Resource: auth.ResourceServiceAccounts, Action: auth.ActionDelete, Scope: auth.ScopeAll},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.Roles().Create(ctx, role); err != nil {
		t.Fatalf("seed role: %v", err)
	}
	if err := f.store.Identities().AssignRole(ctx, identityID, role.ID); err != nil {
		t.Fatalf("assign role: %v", err)
	}
}

func (f *apiFixture) loginToken(t *testing.T, email, password string) string {
	t.Helper()
	pair, _, err := f.svc.Login(context.Background(), email, password, "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return pair.AccessToken
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["status"] != "ok" {
		t.Fatalf("status = %v, want ok", body["status"])
	}
}

func TestLoginSetsRefreshCookie(t *testing.T) {
	f := newAPIFixture(t)
	f.registerUser(t, "dev@example.com", "correct horse battery")

	rr := f.do(t, jsonRequest(t, http.MethodPost, "/v1/auth/login",
		`{"email":"dev@example.com","password":"correct horse battery"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body tokenResponse
	decodeBody(t, rr, &body)
	if body.AccessToken == "" || body.TokenType != "Bearer" {
		t.Fatalf("unexpected token response: %+v", body)
	}
	if body.ExpiresIn < 890 || body.ExpiresIn > 900 {
		t.Fatalf("expires_in = %d, want ~900", body.ExpiresIn)
	}

	cookies := rr.Result().Cookies()
	var refresh *http.Cookie
	for _, c := range cookies {
		if c.Name == refreshCookieName {
			refresh = c
		}
	}
	if refresh == nil {
		t.Fatal("refresh cookie not set")
	}
	if !refresh.HttpOnly {
		t.Fatal("refresh cookie must be HttpOnly")
	}
	if refresh.SameSite != http.SameSiteStrictMode {
		t.Fatalf("SameSite = %v, want Strict", refresh.SameSite)
	}
	if refresh.Path != refreshCookiePath {
		t.Fatalf("cookie path = %q, want %q", refresh.Path, refreshCookiePath)
	}
}

func TestLoginFailureShapeIsUniform(t *testing.T) {
	f := newAPIFixture(t)
	f.registerUser(t, "a@x.com", "correct horse battery")

	wrongPassword := f.do(t, jsonRequest(t, http.MethodPost, "/v1/auth/login",
		`{"email":"a@x.com","password":"wrong password here"}`))
	unknownEmail := f.do(t, jsonRequest(t, http.MethodPost, "/v1/auth/login",
		`{"email":"nobody@x.com","password":"wrong password here"}`))

	if wrongPassword.Code != http.StatusUnauthorized || unknownEmail.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", wrongPassword.Code, unknownEmail.Code)
	}
	var a, b map[string]any
	decodeBody(t, wrongPassword, &a)
	decodeBody(t, unknownEmail, &b)
	if a["error"] != b["error"] {
		t.Fatalf("error bodies differ: %v vs %v", a["error"], b["error"])
	}
}

func TestLoginRateLimited(t *testing.T) {
	f := newAPIFixture(t)

	var rr *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rr = f.do(t, jsonRequest(t, http.MethodPost, "/v1/auth/login",
			`{"email":"nobody@x.com","password":"whatever whatever"}`))
	}
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("6th attempt: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if rr.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("X-RateLimit-Limit = %q, want 5", rr.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRefreshRotationAndReplay(t *testing.T) {
	f := newAPIFixture(t)
	f.registerUser(t, "dev@example.com", "correct horse battery")

	login := f.do(t, jsonRequest(t, http.MethodPost, "/v1/auth/login",
		`{"email":"dev@example.com","password":"correct horse battery"}`))
	if login.Code != http.StatusOK {
		t.Fatalf("login: %d", login.Code)
	}
	first := refreshCookieFrom(t, login)

	refresh := jsonRequest(t, http.MethodPost, "/v1/auth/refresh", "")
	refresh.AddCookie(first)
	rr := f.do(t, refresh)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	second := refreshCookieFrom(t, rr)
	if second.Value == first.Value {
		t.Fatal("refresh cookie was not rotated")
	}

	// Replaying the already-rotated token fails and kills the family.
	replay := jsonRequest(t, http.MethodPost, "/v1/auth/refresh", "")
	replay.AddCookie(first)
	rr = f.do(t, replay)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", rr.Code)
	}

	after := jsonRequest(t, http.MethodPost, "/v1/auth/refresh", "")
	after.AddCookie(second)
	rr = f.do(t, after)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("post-replay refresh: expected 401, got %d", rr.Code)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	f := newAPIFixture(t)
	identity := f.registerUser(t, "dev@example.com", "correct horse battery")
	f.grantAdmin(t, identity.ID)
	token := f.loginToken(t, "dev@example.com", "correct horse battery")

	list := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	list.Header.Set(authHeader, bearer+token)
	if rr := f.do(t, list); rr.Code != http.StatusOK {
		t.Fatalf("authenticated call: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	logout := httptest.NewRequest(http.MethodPost, "/v1/auth/logout", nil)
	logout.Header.Set(authHeader, bearer+token)
	if rr := f.do(t, logout); rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	list = httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	list.Header.Set(authHeader, bearer+token)
	if rr := f.do(t, list); rr.Code != http.StatusUnauthorized {
		t.Fatalf("after logout: expected 401, got %d", rr.Code)
	}
}

func TestOAuthCallbackUnknownStateCreatesNoAccount(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, httptest.NewRequest(http.MethodGet,
		"/v1/auth/oauth/callback?state=never-issued&code=abc", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, err := f.store.Identities().FindByEmail(context.Background(), "anyone@example.com"); err == nil {
		t.Fatal("an identity appeared out of a rejected callback")
	}
}

func refreshCookieFrom(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == refreshCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatal("refresh cookie not found in response")
	return nil
}
