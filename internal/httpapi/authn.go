package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"qapms.org/internal/auth"
	"qapms.org/internal/obs"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}
var publicPrefixes = []string{
	"/v1/auth/oauth/",
}

// withAuth enforces the per-class rate limit and authenticates every
// non-public request with a bearer token or an API key.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			// Anonymous budget is keyed by client IP.
			if class, ok := anonymousClass(r.URL.Path); ok {
				if !a.allowRate(w, r, clientIP(r), class) {
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
			sp, err := a.keys.Validate(r.Context(), key)
			if err != nil {
				a.audit(r.Context(), "auth.api_key.rejected", map[string]any{
					"reason": err.Error(),
					"path":   r.URL.Path,
				})
				handleAuthError(w, r, err)
				return
			}
			if !a.allowRate(w, r, sp.ServiceAccountID, auth.ClassAPI) {
				return
			}
			ctx := auth.ContextWithServicePrincipal(r.Context(), sp)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="qapms"`)
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		principal, claims, err := a.svc.ValidateAccess(r.Context(), token)
		if err != nil {
			a.audit(r.Context(), "auth.token.rejected", map[string]any{
				"reason": err.Error(),
				"path":   r.URL.Path,
			})
			w.Header().Set("WWW-Authenticate", `Bearer realm="qapms"`)
			handleAuthError(w, r, err)
			return
		}
		if !a.allowRate(w, r, principal.Identity.ID, auth.ClassAPI) {
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), *principal)
		ctx = auth.ContextWithIdentity(ctx, principal.Identity.ID, principal.RoleNames())
		ctx = contextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission evaluates the caller's grants. Denials answer with a
// generic 403; the missing permission is only named in the audit log.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, required auth.Permission) bool {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		if principal.Allows(required) {
			return true
		}
		a.audit(r.Context(), "auth.permission.denied", map[string]any{
			"identity_id": principal.Identity.ID,
			"permission":  required.Key(),
			"path":        r.URL.Path,
		})
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	if sp, ok := auth.ServicePrincipalFromContext(r.Context()); ok {
		if sp.Allows(required) {
			return true
		}
		a.audit(r.Context(), "auth.permission.denied", map[string]any{
			"service_account_id": sp.ServiceAccountID,
			"permission":         required.Key(),
			"path":               r.URL.Path,
		})
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	writeError(w, r, http.StatusUnauthorized, "authentication required")
	return false
}

// allowRate consumes one unit of the subject's budget and answers 429 with
// Retry-After and X-RateLimit-* headers on deny. A failing counter store
// fails open.
func (a *API) allowRate(w http.ResponseWriter, r *http.Request, subject string, class auth.EndpointClass) bool {
	if a.limiter == nil {
		return true
	}
	d, err := a.limiter.Check(r.Context(), subject, class)
	if err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "rate limiter unavailable, failing open",
			"error": err.Error(),
		})
	}
	if d.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if d.Allowed {
		return true
	}
	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	obs.ObserveRateLimitDenied(string(class))
	a.audit(r.Context(), "auth.rate_limit.denied", map[string]any{
		"subject": subject,
		"class":   string(class),
		"path":    r.URL.Path,
	})
	writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func anonymousClass(path string) (auth.EndpointClass, bool) {
	switch path {
	case "/v1/auth/login":
		return auth.ClassLogin, true
	case "/v1/auth/register":
		return auth.ClassLogin, true
	case "/v1/auth/refresh":
		return auth.ClassRefresh, true
	}
	if strings.HasPrefix(path, "/v1/auth/oauth/") {
		return auth.ClassOAuth, true
	}
	return "", false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
