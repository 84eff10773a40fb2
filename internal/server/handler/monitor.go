package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/solhedge/exitpilot/internal/domain"
)

// MonitorControl is the slice of the position monitor the API exposes.
type MonitorControl interface {
	Active() []string
	Start(positionID string)
	Stop(positionID string)
	StopAll()
	ManualExit(ctx context.Context, positionID string) error
}

// MonitorHandler serves monitor control endpoints.
type MonitorHandler struct {
	monitor MonitorControl
	logger  *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler driving the given monitor.
func NewMonitorHandler(monitor MonitorControl, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor: monitor,
		logger:  logHandler(logger, "monitor"),
	}
}

// available guards against server-only deployments where no monitor is wired.
func (h *MonitorHandler) available(w http.ResponseWriter) bool {
	if h.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor is not running in this process")
		return false
	}
	return true
}

// ListActive returns the position ids currently being polled.
// GET /api/monitor/active
func (h *MonitorHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	active := h.monitor.Active()
	if active == nil {
		active = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

// StartMonitor attaches a polling task to a position. Idempotent.
// POST /api/monitor/{id}/start
func (h *MonitorHandler) StartMonitor(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id := pathParam(r, "id")
	h.monitor.Start(id)
	writeJSON(w, http.StatusOK, map[string]string{"position_id": id, "status": "monitoring"})
}

// StopMonitor tears down the polling task for a position. Idempotent.
// POST /api/monitor/{id}/stop
func (h *MonitorHandler) StopMonitor(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id := pathParam(r, "id")
	h.monitor.Stop(id)
	writeJSON(w, http.StatusOK, map[string]string{"position_id": id, "status": "stopped"})
}

// StopAll tears down every polling task.
// POST /api/monitor/stop-all
func (h *MonitorHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	h.monitor.StopAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ManualExit sells the whole remaining balance of a position immediately,
// bypassing the rule engine.
// POST /api/positions/{id}/exit
func (h *MonitorHandler) ManualExit(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id := pathParam(r, "id")

	err := h.monitor.ManualExit(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"position_id": id, "status": "exiting"})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, domain.ErrNotHolding):
		writeError(w, http.StatusConflict, "position is not in holding state")
	default:
		h.logger.ErrorContext(r.Context(), "manual exit failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to start exit")
	}
}
