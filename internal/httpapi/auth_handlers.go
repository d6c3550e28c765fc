package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"qapms.org/internal/auth"
)

const (
	refreshCookieName = "qapms_refresh"
	refreshCookiePath = "/v1/auth"
	fingerprintHeader = "X-Device-Fingerprint"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.identity.register", map[string]any{
		"identity_id": identity.ID,
	})
	w.Header().Set("Location", "/v1/identities/"+identity.ID)
	writeJSON(w, http.StatusCreated, identity)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, identity, err := a.svc.Login(r.Context(), req.Email, req.Password, r.Header.Get(fingerprintHeader))
	if err != nil {
		// The audit entry keeps the detail; the response stays uniform.
		a.audit(r.Context(), "auth.login.failed", map[string]any{
			"remote_ip": clientIP(r),
			"reason":    err.Error(),
		})
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.login.ok", map[string]any{
		"identity_id": identity.ID,
		"remote_ip":   clientIP(r),
	})
	a.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, a.tokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	presented := a.refreshTokenFromRequest(w, r)
	if presented == "" {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	pair, err := a.svc.Refresh(r.Context(), presented)
	if err != nil {
		if errors.Is(err, auth.ErrReplayDetected) {
			a.audit(r.Context(), "auth.refresh.replay", map[string]any{
				"remote_ip": clientIP(r),
			})
		}
		a.clearRefreshCookie(w)
		handleAuthError(w, r, err)
		return
	}
	a.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, a.tokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.svc.Logout(r.Context(), claims); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.logout", map[string]any{
		"identity_id": claims.Subject,
	})
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if claims, ok := claimsFromContext(r.Context()); ok {
		// The presented token itself dies too, not just the refresh families.
		if err := a.svc.Logout(r.Context(), claims); err != nil {
			handleAuthError(w, r, err)
			return
		}
	}
	if err := a.svc.LogoutAll(r.Context(), principal.Identity.ID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.logout_all", map[string]any{
		"identity_id": principal.Identity.ID,
	})
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	provider := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/auth/oauth/"), "/")
	if provider == "" || strings.Contains(provider, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	// A valid bearer turns the flow into an explicit account link.
	var identityID string
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		if principal, _, err := a.svc.ValidateAccess(r.Context(), token); err == nil {
			identityID = principal.Identity.ID
		}
	}
	redirect, err := a.svc.BeginOAuth(r.Context(), provider, r.URL.Query().Get("return_to"), identityID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, r, http.StatusBadRequest, "state and code are required")
		return
	}
	pair, identity, returnTo, err := a.svc.CompleteOAuth(r.Context(), state, code, r.Header.Get(fingerprintHeader))
	if err != nil {
		a.audit(r.Context(), "auth.oauth.failed", map[string]any{
			"remote_ip": clientIP(r),
			"reason":    err.Error(),
		})
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.oauth.ok", map[string]any{
		"identity_id": identity.ID,
	})
	a.setRefreshCookie(w, pair)
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// refreshTokenFromRequest prefers the HttpOnly cookie and falls back to the
// JSON body for non-browser clients.
func (a *API) refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(refreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return ""
	}
	return strings.TrimSpace(req.RefreshToken)
}

func (a *API) tokenResponse(pair *auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(pair.AccessExpiresAt).Round(time.Second).Seconds()),
	}
}

func (a *API) setRefreshCookie(w http.ResponseWriter, pair *auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}
