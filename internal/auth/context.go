package auth

import (
	"context"
	"strings"
)

type identityContextKey struct{}
type rolesContextKey struct{}
type principalContextKey struct{}
type serviceContextKey struct{}

// ContextWithIdentity stores the authenticated identity id and role names in
// the context. Role names are deduplicated and lower-cased.
func ContextWithIdentity(ctx context.Context, identityID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, identityContextKey{}, strings.TrimSpace(identityID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesContextKey{}, dedupeNames(roles))
	}
	return ctx
}

// IdentityIDFromContext extracts the authenticated identity id from context.
func IdentityIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(identityContextKey{}).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RoleNamesFromContext returns the role names stored in context.
func RoleNamesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Value(rolesContextKey{}).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context carries the named role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RoleNamesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

// ContextWithPrincipal attaches the fully resolved principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the resolved principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithServicePrincipal attaches an API-key caller to the context.
func ContextWithServicePrincipal(ctx context.Context, sp ServicePrincipal) context.Context {
	return context.WithValue(ctx, serviceContextKey{}, &sp)
}

// ServicePrincipalFromContext extracts the API-key caller from the context.
func ServicePrincipalFromContext(ctx context.Context) (ServicePrincipal, bool) {
	if ctx == nil {
		return ServicePrincipal{}, false
	}
	v, ok := ctx.Value(serviceContextKey{}).(*ServicePrincipal)
	if !ok || v == nil {
		return ServicePrincipal{}, false
	}
	return *v, true
}

func dedupeNames(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
