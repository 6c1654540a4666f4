package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/technosupport/ts-vms/internal/api"
	"github.com/technosupport/ts-vms/internal/auth"
	"github.com/technosupport/ts-vms/internal/middleware"
)

func TestAuditHandler_GetEvents_NoMirrorReturns503(t *testing.T) {
	h := api.NewAuditHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil)
	p := auth.Principal{Subject: "operator-1", Kind: auth.KindBearer, Scopes: []string{"audit.read"}}
	req = req.WithContext(middleware.WithPrincipal(context.Background(), p))
	rec := httptest.NewRecorder()

	h.GetEvents(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuditHandler_GetEvents_MissingScopeReturns403(t *testing.T) {
	h := api.NewAuditHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil)
	p := auth.Principal{Subject: "caller-1", Kind: auth.KindAPIKey, Scopes: []string{"detections.write"}}
	req = req.WithContext(middleware.WithPrincipal(context.Background(), p))
	rec := httptest.NewRecorder()

	h.GetEvents(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}
