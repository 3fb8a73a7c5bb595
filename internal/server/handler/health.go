package handler

import (
	"context"
	"net/http"
	"time"
)

// QueueStats exposes the depth of the durable job registry. It is nil on the
// poller path, where no broker-backed queue exists.
type QueueStats interface {
	Len(ctx context.Context) (int64, error)
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	scheduler string
	queue     QueueStats
	startedAt time.Time
}

// NewHealthHandler creates a HealthHandler reporting which scheduling path
// the process selected at startup. queue may be nil; the depth field is then
// omitted from the response.
func NewHealthHandler(scheduler string, queue QueueStats, startedAt time.Time) *HealthHandler {
	return &HealthHandler{scheduler: scheduler, queue: queue, startedAt: startedAt}
}

// HealthCheck responds with the liveness status, the active scheduler, and
// the number of registered monitoring jobs when the queue path is active.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"scheduler": h.scheduler,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.queue != nil {
		if depth, err := h.queue.Len(r.Context()); err == nil {
			body["queue_depth"] = depth
		}
	}

	writeJSON(w, http.StatusOK, body)
}
