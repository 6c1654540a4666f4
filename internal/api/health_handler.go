package api

import (
	"encoding/json"
	"net/http"

	"github.com/technosupport/ts-vms/internal/delivery"
	"github.com/technosupport/ts-vms/internal/queue"
)

// HealthHandler exposes GET /api/v1/health: a liveness/readiness
// summary combining queue depth and the delivery worker's current TAK
// reachability verdict. It never requires authentication — the probe
// is consumed by infrastructure, not the detection-producing caller.
type HealthHandler struct {
	queue  *queue.Store
	worker *delivery.Worker
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(q *queue.Store, w *delivery.Worker) *HealthHandler {
	return &HealthHandler{queue: q, worker: w}
}

type healthResponse struct {
	Status       string `json:"status"`
	QueueDepth   int    `json:"queue_depth"`
	TAKReachable bool   `json:"tak_reachable"`
}

func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		QueueDepth:   h.queue.Size(),
		TAKReachable: h.worker.Available(),
	}
	if resp.QueueDepth >= queue.MaxSize {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
