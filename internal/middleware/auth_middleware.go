package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/auth"
)

// AuthMiddleware resolves the inbound Authorization/X-API-Key headers
// into a Principal via the core Authenticator, appending an
// AUTH_SUCCESS or AUTH_FAILURE event keyed by a synthetic per-attempt
// id (no Detection exists yet at this point in the pipeline).
type AuthMiddleware struct {
	authenticator *auth.Authenticator
	journal       *audit.Journal
	log           *slog.Logger
}

// NewAuthMiddleware builds an AuthMiddleware over a.
func NewAuthMiddleware(a *auth.Authenticator, j *audit.Journal, log *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{authenticator: a, journal: j, log: log}
}

// Middleware authenticates the request and injects the resolved
// Principal into the context, or rejects with 401 unauthenticated.
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptID := uuid.New().String()

		p, err := m.authenticator.Authenticate(r.Context(), r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
		if err != nil {
			if !errors.Is(err, auth.ErrAuthFailure) {
				m.log.Error("authenticate", "error", err)
			}
			m.append(attemptID, audit.KindAuthFailure, r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		m.append(attemptID, audit.KindAuthSuccess, p.Subject)
		ctx := WithPrincipal(r.Context(), p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) append(id string, kind audit.Kind, principal string) {
	if _, err := m.journal.Append(id, kind, audit.Millis(time.Now()), principal, nil); err != nil {
		m.log.Error("append audit event", "kind", kind, "error", err)
	}
}
