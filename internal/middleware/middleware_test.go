package middleware_test

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/technosupport/ts-vms/internal/apikey"
	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/auth"
	"github.com/technosupport/ts-vms/internal/middleware"
	"github.com/technosupport/ts-vms/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type apiKeyRecord struct {
	HashB64 string   `json:"hash_b64"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

func newAPIKeyAuthenticator(t *testing.T, rawKey, subject string, scopes []string) *auth.Authenticator {
	t.Helper()
	sum := sha256.Sum256([]byte(rawKey))
	rec := apiKeyRecord{HashB64: base64.StdEncoding.EncodeToString(sum[:]), Subject: subject, Scopes: scopes}
	b, err := json.Marshal([]apiKeyRecord{rec})
	if err != nil {
		t.Fatalf("marshal store: %v", err)
	}
	path := filepath.Join(t.TempDir(), "apikeys.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write store: %v", err)
	}
	store, err := apikey.NewStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	a, err := auth.New(nil, store, 16)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return a
}

func newJournal(t *testing.T) *audit.Journal {
	t.Helper()
	j, err := audit.Open(filepath.Join(t.TempDir(), "audit.journal"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAuthMiddleware_ValidAPIKeyInjectsPrincipal(t *testing.T) {
	a := newAPIKeyAuthenticator(t, "secret-key", "cam-1", []string{"detections.write"})
	mw := middleware.NewAuthMiddleware(a, newJournal(t), testLogger())

	var gotSubject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := middleware.GetPrincipal(r.Context())
		gotSubject = p.Subject
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detections", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()

	mw.Middleware(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || gotSubject != "cam-1" {
		t.Fatalf("expected principal cam-1 and 200, got subject=%q status=%d", gotSubject, rec.Code)
	}
}

func TestAuthMiddleware_MissingCredentialsReturns401(t *testing.T) {
	a := newAPIKeyAuthenticator(t, "secret-key", "cam-1", nil)
	mw := middleware.NewAuthMiddleware(a, newJournal(t), testLogger())

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detections", nil)
	rec := httptest.NewRecorder()

	mw.Middleware(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized || called {
		t.Fatalf("expected 401 without reaching next, got %d (called=%v)", rec.Code, called)
	}
}

func TestRateLimitMiddleware_ExhaustedBucketReturns429(t *testing.T) {
	limiter := ratelimit.New()
	mw := middleware.NewRateLimitMiddleware(limiter, newJournal(t), testLogger())

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := mw.Middleware(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detections", nil)
	req.RemoteAddr = "203.0.113.5:1234"

	var last *httptest.ResponseRecorder
	for i := 0; i < int(ratelimit.IPLimit.Capacity)+1; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting bucket, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Errorf("expected Retry-After header on 429")
	}
}
