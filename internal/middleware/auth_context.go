// Package middleware adapts the core auth and ratelimit packages to
// net/http: it resolves a Principal from the request, enforces a
// rate-limit bucket, and injects the Principal into the request context
// for handlers and logging downstream.
package middleware

import (
	"context"

	"github.com/technosupport/ts-vms/internal/auth"
)

type contextKey string

const principalContextKey contextKey = "principal"

// GetPrincipal retrieves the authenticated Principal injected by
// AuthMiddleware.
func GetPrincipal(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(auth.Principal)
	return p, ok
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// HasScope reports whether p carries the named scope.
func HasScope(p auth.Principal, scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
