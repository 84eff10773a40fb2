package handler

import (
	"log/slog"
	"net/http"

	"github.com/solhedge/exitpilot/internal/domain"
)

// AuditHandler serves the audit log endpoint.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler backed by the given store.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logHandler(logger, "audit")}
}

// ListEntries returns the most recent audit entries, newest first.
// GET /api/audit?limit=100
func (h *AuditHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)

	entries, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit entries failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
