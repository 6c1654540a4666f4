package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/technosupport/ts-vms/internal/detection"
	"github.com/technosupport/ts-vms/internal/middleware"
	"github.com/technosupport/ts-vms/internal/orchestrator"
)

const maxRequestBodyBytes = 14 * 1024 * 1024 // ~10 MiB decoded image plus base64 and JSON overhead

// DetectionsHandler exposes POST /api/v1/detections, the ingress path's
// only mutating endpoint. Authentication and rate limiting are applied
// upstream by middleware; this handler owns sanitization (via
// detection.Sanitize, inside Process) through enqueue.
type DetectionsHandler struct {
	orchestrator *orchestrator.Orchestrator
	log          *slog.Logger
}

// NewDetectionsHandler builds a DetectionsHandler over o.
func NewDetectionsHandler(o *orchestrator.Orchestrator, log *slog.Logger) *DetectionsHandler {
	return &DetectionsHandler{orchestrator: o, log: log}
}

type detectionResponse struct {
	DetectionID    string  `json:"detection_id"`
	ConfidenceFlag string  `json:"confidence_flag"`
	AccuracyM      float64 `json:"accuracy_m"`
	CotXML         string  `json:"cot_xml"`
}

func (h *DetectionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal := ""
	if p, ok := middleware.GetPrincipal(r.Context()); ok {
		principal = p.Subject
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if len(raw) > maxRequestBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}

	var payload detection.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "E_BAD_ENCODING")
		return
	}

	out, procErr := h.orchestrator.Process(raw, payload, principal)
	if procErr != nil {
		h.writeProcessError(w, procErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(detectionResponse{
		DetectionID:    out.DetectionID,
		ConfidenceFlag: out.ConfidenceFlag,
		AccuracyM:      out.AccuracyM,
		CotXML:         string(out.CotXML),
	})
}

// writeProcessError maps an orchestrator.Error onto the status/body
// pairing in the ingress error table: validation is 400 with its field
// code, geolocation failure is 422 with ray_parallel|behind_camera,
// queue_full is 503, and anything else is a 500 with no detail leaked.
func (h *DetectionsHandler) writeProcessError(w http.ResponseWriter, err *orchestrator.Error) {
	switch err.Kind {
	case orchestrator.KindValidation:
		writeError(w, http.StatusBadRequest, err.Code)
	case orchestrator.KindGeolocation:
		writeError(w, http.StatusUnprocessableEntity, err.Code)
	case orchestrator.KindQueueFull:
		writeError(w, http.StatusServiceUnavailable, err.Code)
	default:
		h.log.Error("process detection", "error", err.Err)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
