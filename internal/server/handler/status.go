package handler

import (
	"context"
	"net/http"
	"time"
)

// PauseReader reports the protocol pause state for the status endpoint.
type PauseReader interface {
	Paused(ctx context.Context) bool
}

// StatusHandler serves the node status for dashboards.
type StatusHandler struct {
	Mode      string
	Engine    string
	StartedAt time.Time
	pause     PauseReader
}

// NewStatusHandler creates a StatusHandler with the given runtime metadata.
func NewStatusHandler(mode, engineAddr string, startedAt time.Time, pause PauseReader) *StatusHandler {
	return &StatusHandler{
		Mode:      mode,
		Engine:    engineAddr,
		StartedAt: startedAt,
		pause:     pause,
	}
}

// GetStatus responds with the current node mode, engine address, pause state
// and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	uptime := int64(time.Since(h.StartedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"engine":         h.Engine,
		"paused":         h.pause.Paused(r.Context()),
		"uptime_seconds": uptime,
	})
}
