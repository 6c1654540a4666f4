package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/middleware"
)

const auditReadScope = "audit.read"

// AuditHandler exposes GET /api/v1/audit/events, the operator-facing
// query surface over the Postgres mirror. It is never consulted by the
// ingress or delivery path — only the binary journal is authoritative —
// and a mirror outage surfaces as 503, not a hang.
type AuditHandler struct {
	mirror *audit.Mirror
}

// NewAuditHandler builds an AuditHandler over m. m may be nil if no
// mirror DB is configured, in which case every request yields 503.
func NewAuditHandler(m *audit.Mirror) *AuditHandler {
	return &AuditHandler{mirror: m}
}

func (h *AuditHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok || !middleware.HasScope(p, auditReadScope) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	if h.mirror == nil {
		writeError(w, http.StatusServiceUnavailable, "audit_mirror_unavailable")
		return
	}

	q := r.URL.Query()
	filter := audit.QueryFilter{
		DetectionID: q.Get("detection_id"),
		Kind:        q.Get("kind"),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}
	if cursor := q.Get("cursor"); cursor != "" {
		if c, err := strconv.ParseUint(cursor, 10, 64); err == nil {
			filter.Cursor = c
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}

	results, err := h.mirror.Query(r.Context(), filter)
	if err != nil {
		// The mirror is a secondary index; any query failure (most
		// commonly the database being unreachable) surfaces as 503
		// rather than 500 — it never blocks or degrades ingress.
		writeError(w, http.StatusServiceUnavailable, "audit_mirror_unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"events": results})
}
