package httpapi

import (
	"net/http"
	"strings"

	"qapms.org/internal/auth"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type overrideRequest struct {
	Permission string `json:"permission"`
	Effect     string `json:"effect"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceRoles, Action: auth.ActionRead, Scope: auth.ScopeAll}) {
			return
		}
		roles, err := a.svc.ListRoles(r.Context())
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	case http.MethodPost:
		if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceRoles, Action: auth.ActionCreate, Scope: auth.ScopeAll}) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perms, err := parsePermissionKeys(req.Permissions)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		role, err := a.svc.CreateRole(r.Context(), req.Name, perms)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.role.create", map[string]any{
			"role_id": role.ID,
			"name":    role.Name,
		})
		w.Header().Set("Location", "/v1/roles/"+role.ID)
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "permissions" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceRoles, Action: auth.ActionUpdate, Scope: auth.ScopeAll}) {
		return
	}
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perms, err := parsePermissionKeys(req.Permissions)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.svc.SetRolePermissions(r.Context(), parts[0], perms); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.permissions.update", map[string]any{
		"role_id": parts[0],
		"count":   len(perms),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleIdentityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/identities/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	identityID := parts[0]
	switch parts[1] {
	case "roles":
		a.handleIdentityRoles(w, r, identityID)
	case "overrides":
		a.handleIdentityOverrides(w, r, identityID)
	case "status":
		a.handleIdentityStatus(w, r, identityID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleIdentityRoles(w http.ResponseWriter, r *http.Request, identityID string) {
	if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceIdentities, Action: auth.ActionUpdate, Scope: auth.ScopeAll}) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.RoleID = strings.TrimSpace(req.RoleID)
		if req.RoleID == "" {
			writeError(w, r, http.StatusBadRequest, "role_id is required")
			return
		}
		if err := a.svc.AssignRole(r.Context(), identityID, req.RoleID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.identity.assign_role", map[string]any{
			"identity_id": identityID,
			"role_id":     req.RoleID,
		})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		roleID := strings.TrimSpace(r.URL.Query().Get("role_id"))
		if roleID == "" {
			writeError(w, r, http.StatusBadRequest, "role_id is required")
			return
		}
		if err := a.svc.RemoveRole(r.Context(), identityID, roleID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.identity.remove_role", map[string]any{
			"identity_id": identityID,
			"role_id":     roleID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleIdentityOverrides(w http.ResponseWriter, r *http.Request, identityID string) {
	if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceIdentities, Action: auth.ActionUpdate, Scope: auth.ScopeAll}) {
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req overrideRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := auth.ParsePermission(req.Permission)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		o := auth.Override{
			IdentityID: identityID,
			Permission: perm,
			Effect:     auth.OverrideEffect(req.Effect),
		}
		if err := a.svc.SetOverride(r.Context(), o); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.identity.set_override", map[string]any{
			"identity_id": identityID,
			"permission":  perm.Key(),
			"effect":      req.Effect,
		})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		perm, err := auth.ParsePermission(r.URL.Query().Get("permission"))
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		if err := a.svc.RemoveOverride(r.Context(), identityID, perm); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), "rbac.identity.remove_override", map[string]any{
			"identity_id": identityID,
			"permission":  perm.Key(),
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleIdentityStatus(w http.ResponseWriter, r *http.Request, identityID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.requirePermission(w, r, auth.Permission{Resource: auth.ResourceIdentities, Action: auth.ActionUpdate, Scope: auth.ScopeAll}) {
		return
	}
	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetIdentityStatus(r.Context(), identityID, req.Status); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.identity.set_status", map[string]any{
		"identity_id": identityID,
		"status":      req.Status,
	})
	w.WriteHeader(http.StatusNoContent)
}

func parsePermissionKeys(keys []string) ([]auth.Permission, error) {
	perms := make([]auth.Permission, 0, len(keys))
	for _, key := range keys {
		perm, err := auth.ParsePermission(key)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, nil
}
