package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/ratelimit"
)

// RateLimitMiddleware enforces the fixed two-bucket policy: requests
// that resolved a Principal are keyed and limited by principal;
// requests upstream of authentication (or that failed it) are limited
// by remote IP. Each request is checked against exactly one of the two
// buckets, chosen by whether a Principal is in its context when this
// middleware runs.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	journal *audit.Journal
	log     *slog.Logger
}

// NewRateLimitMiddleware builds a RateLimitMiddleware over l.
func NewRateLimitMiddleware(l *ratelimit.Limiter, j *audit.Journal, log *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, journal: j, log: log}
}

// Middleware checks the caller's bucket before the request reaches the
// handler, setting the X-RateLimit-* headers on every response and
// Retry-After plus a 429 body when the bucket is empty.
func (m *RateLimitMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, key, cfg := m.bucketFor(r)
		decision := m.limiter.Allow(scope, key, cfg)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(cfg.Capacity)))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(decision.Remaining)))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(decision.RetryAfter).Unix(), 10))

		if !decision.Allowed {
			retryAfter := decision.RetryAfter
			if retryAfter > 60*time.Second {
				retryAfter = 60 * time.Second
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			m.appendRateLimited(key)
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) bucketFor(r *http.Request) (ratelimit.Scope, string, ratelimit.LimitConfig) {
	if p, ok := GetPrincipal(r.Context()); ok {
		return ratelimit.ScopePrincipal, p.Subject, ratelimit.PrincipalLimit
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return ratelimit.ScopeIP, host, ratelimit.IPLimit
}

func (m *RateLimitMiddleware) appendRateLimited(key string) {
	if _, err := m.journal.Append(uuid.New().String(), audit.KindRateLimited, audit.Millis(time.Now()), key, nil); err != nil {
		m.log.Error("append audit event", "kind", audit.KindRateLimited, "error", err)
	}
}
