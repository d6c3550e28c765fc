package httpapi

import (
	"context"
	"errors"

	"qapms.org/internal/auth"
)

var (
	errMissingBearer = errors.New("missing bearer token")
	errBadScheme     = errors.New("invalid authorization scheme")
)

type claimsKey struct{}

func contextWithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return v, ok && v != nil
}
