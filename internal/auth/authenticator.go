// Package auth resolves an inbound request's Authorization/X-API-Key
// headers into a Principal, per the bearer-or-API-key contract. Both
// credential kinds are checked by independent, stateless validators;
// the Authenticator only wires them together and caches successful
// bearer validations to avoid re-verifying a signature on every request
// from the same caller.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-vms/internal/apikey"
	"github.com/technosupport/ts-vms/internal/tokens"
)

// ErrAuthFailure is the single error surfaced to callers for every
// rejected credential — expired, malformed, unknown, or revoked. No
// finer-grained reason is ever returned.
var ErrAuthFailure = errors.New("invalid credentials")

// Kind distinguishes how a Principal was resolved.
type Kind string

const (
	KindBearer Kind = "BEARER"
	KindAPIKey Kind = "API_KEY"
)

// Principal is the ephemeral, per-request authenticated identity.
type Principal struct {
	Subject string
	Kind    Kind
	Scopes  []string
}

// bearerCacheTTL bounds how long a validated bearer token stays in the
// LRU cache, so a revoked signing key takes effect within a bounded
// window. An entry never outlives the token's own exp claim.
const bearerCacheTTL = time.Minute

type cachedBearer struct {
	principal Principal
	expiresAt time.Time
}

// Authenticator resolves either credential kind into a Principal. It
// holds no per-request state and is safe to share across goroutines.
type Authenticator struct {
	verifier *tokens.Verifier
	apiKeys  *apikey.Store
	cache    *lru.Cache[string, cachedBearer]
}

// New builds an Authenticator over a bearer verifier and API key store.
// cacheSize bounds the number of distinct bearer tokens cached at once.
func New(verifier *tokens.Verifier, apiKeys *apikey.Store, cacheSize int) (*Authenticator, error) {
	cache, err := lru.New[string, cachedBearer](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Authenticator{verifier: verifier, apiKeys: apiKeys, cache: cache}, nil
}

// Authenticate resolves the Authorization or X-API-Key header of an
// inbound request into a Principal. Exactly one credential kind must be
// present; both absent or both present is a failure.
func (a *Authenticator) Authenticate(_ context.Context, authorizationHeader, apiKeyHeader string) (Principal, error) {
	hasBearer := authorizationHeader != ""
	hasAPIKey := apiKeyHeader != ""

	switch {
	case hasBearer && !hasAPIKey:
		return a.authenticateBearer(authorizationHeader)
	case hasAPIKey && !hasBearer:
		return a.authenticateAPIKey(apiKeyHeader)
	default:
		return Principal{}, ErrAuthFailure
	}
}

func (a *Authenticator) authenticateBearer(header string) (Principal, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Principal{}, ErrAuthFailure
	}
	raw := strings.TrimPrefix(header, prefix)
	if raw == "" {
		return Principal{}, ErrAuthFailure
	}

	if cached, ok := a.cache.Get(raw); ok {
		if time.Now().Before(cached.expiresAt) {
			return cached.principal, nil
		}
		a.cache.Remove(raw)
	}

	claims, err := a.verifier.Verify(raw)
	if err != nil {
		return Principal{}, ErrAuthFailure
	}

	p := Principal{Subject: claims.Subject, Kind: KindBearer, Scopes: claims.Scopes()}
	expiresAt := time.Now().Add(bearerCacheTTL)
	if claims.ExpiresAt.Time.Before(expiresAt) {
		expiresAt = claims.ExpiresAt.Time
	}
	a.cache.Add(raw, cachedBearer{principal: p, expiresAt: expiresAt})
	return p, nil
}

func (a *Authenticator) authenticateAPIKey(raw string) (Principal, error) {
	p, err := a.apiKeys.Lookup(raw)
	if err != nil {
		return Principal{}, ErrAuthFailure
	}
	return Principal{Subject: p.Subject, Kind: KindAPIKey, Scopes: p.Scopes}, nil
}

// InvalidateBearerCache drops every cached bearer validation, used when
// a revocation notification arrives from the overlay in revocation.go.
func (a *Authenticator) InvalidateBearerCache() {
	a.cache.Purge()
}
