package httpapi

import (
	"net/http"
	"strings"
	"time"

	"qapms.org/internal/auth"
)

type createServiceAccountRequest struct {
	Name string `json:"name"`
}

type issueKeyRequest struct {
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
}

// issuedKeyResponse carries the plaintext key. It appears in this response
// and nowhere else; only the hash is stored.
type issuedKeyResponse struct {
	APIKey string             `json:"api_key"`
	Key    *auth.APIKeyRecord `json:"key"`
}

func (a *API) handleServiceAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceServiceAccounts, Action: auth.ActionRead, Scope: auth.ScopeAll}) {
			return
		}
		accounts, err := a.svc.ListServiceAccounts(r.Context())
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": accounts})
	case http.MethodPost:
		if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceServiceAccounts, Action: auth.ActionCreate, Scope: auth.ScopeAll}) {
			return
		}
		var req createServiceAccountRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		acct, err := a.svc.CreateServiceAccount(r.Context(), req.Name)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), "apikey.account.create", map[string]any{
			"service_account_id": acct.ID,
			"name":               acct.Name,
		})
		w.Header().Set("Location", "/v1/service-accounts/"+acct.ID)
		writeJSON(w, http.StatusCreated, acct)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleServiceAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/service-accounts/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	accountID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "keys":
		a.issueKey(w, r, accountID)
	case len(parts) == 3 && parts[1] == "keys" && parts[2] == "rotate":
		a.rotateKey(w, r, accountID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) issueKey(w http.ResponseWriter, r *http.Request, accountID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceServiceAccounts, Action: auth.ActionUpdate, Scope: auth.ScopeAll}) {
		return
	}
	var req issueKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perms, err := parsePermissionKeys(req.Permissions)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "expires_at must be RFC 3339")
			return
		}
		expiresAt = &t
	}
	plaintext, rec, err := a.keys.Issue(r.Context(), accountID, perms, expiresAt)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "apikey.issue", map[string]any{
		"service_account_id": accountID,
		"key_id":             rec.ID,
		"prefix":             rec.Prefix,
	})
	writeJSON(w, http.StatusCreated, issuedKeyResponse{APIKey: plaintext, Key: rec})
}

func (a *API) rotateKey(w http.ResponseWriter, r *http.Request, accountID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceServiceAccounts, Action: auth.ActionUpdate, Scope: auth.ScopeAll}) {
		return
	}
	plaintext, rec, err := a.keys.Rotate(r.Context(), accountID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "apikey.rotate", map[string]any{
		"service_account_id": accountID,
		"key_id":             rec.ID,
	})
	writeJSON(w, http.StatusCreated, issuedKeyResponse{APIKey: plaintext, Key: rec})
}

func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	keyID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/api-keys/"), "/")
	if keyID == "" || strings.Contains(keyID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceServiceAccounts, Action: auth.ActionDelete, Scope: auth.ScopeAll}) {
		return
	}
	if err := a.keys.Revoke(r.Context(), keyID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "apikey.revoke", map[string]any{
		"key_id": keyID,
	})
	w.WriteHeader(http.StatusNoContent)
}
