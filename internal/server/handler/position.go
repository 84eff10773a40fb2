package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/solhedge/exitpilot/internal/domain"
)

// BulkPriceReader fetches the latest cached prices for a set of keys in one
// round trip.
type BulkPriceReader interface {
	GetPrices(ctx context.Context, keys []string) (map[string]float64, error)
}

// PositionHandler serves position read endpoints.
type PositionHandler struct {
	positions domain.PositionStore
	exits     domain.ExitStore
	prices    BulkPriceReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given stores.
func NewPositionHandler(positions domain.PositionStore, exits domain.ExitStore, prices BulkPriceReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		exits:     exits,
		prices:    prices,
		logger:    logHandler(logger, "positions"),
	}
}

// positionView is a position annotated with its latest cached price, when one
// is available.
type positionView struct {
	domain.Position
	CurrentPrice float64 `json:"current_price,omitempty"`
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns all open positions annotated with cached prices.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListOpen(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	views := make([]positionView, 0, len(positions))
	keys := make([]string, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{Position: p})
		keys = append(keys, priceCacheKey(p))
	}

	if h.prices != nil && len(keys) > 0 {
		cached, err := h.prices.GetPrices(r.Context(), keys)
		if err != nil {
			h.logger.WarnContext(r.Context(), "price annotation failed",
				slog.String("error", err.Error()))
		} else {
			for i := range views {
				views[i].CurrentPrice = cached[keys[i]]
			}
		}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views})
}

// positionDetailResponse bundles a position with its exit history.
type positionDetailResponse struct {
	Position   domain.Position        `json:"position"`
	Signal     domain.Signal          `json:"signal"`
	Executions []domain.ExitExecution `json:"executions"`
}

// GetPosition returns one position with its originating signal and full exit
// execution history.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	rec, err := h.positions.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	execs, err := h.exits.ListByPosition(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []domain.ExitExecution{}
	}

	writeJSON(w, http.StatusOK, positionDetailResponse{
		Position:   rec.Position,
		Signal:     rec.Signal,
		Executions: execs,
	})
}

// priceCacheKey mirrors the key convention the oracle and price stream use.
func priceCacheKey(p domain.Position) string {
	if p.Chain != "" && p.ContractAddress != "" {
		return p.Chain + ":" + p.ContractAddress
	}
	return p.TokenSymbol
}
